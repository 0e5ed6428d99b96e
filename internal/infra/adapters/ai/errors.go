package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"

	"llm-jobqueue/internal/domain"
)

// transportError classifies a failure that happened before any response arrived.
func transportError(provider string, err error) *domain.ComputeError {
	var ce *domain.ComputeError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewComputeError(domain.CategoryTimeout, provider+" request timed out", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.NewComputeError(domain.CategoryTimeout, provider+" request timed out", err)
	}
	if isUnreachable(err) {
		return domain.NewComputeError(domain.CategoryUnavailable,
			fmt.Sprintf("%s is unreachable (is the server running?)", provider), err)
	}
	return domain.NewComputeError(domain.CategoryUpstreamError, fmt.Sprintf("%s request failed: %v", provider, err), err)
}

func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && strings.Contains(urlErr.Error(), "connection refused") {
		return true
	}
	return false
}

const maxDetailRunes = 200

// statusError classifies a non-success HTTP answer.
func statusError(provider string, code int, detail string) *domain.ComputeError {
	msg := fmt.Sprintf("%s returned HTTP %d", provider, code)
	if detail = strings.TrimSpace(detail); detail != "" {
		if r := []rune(detail); len(r) > maxDetailRunes {
			detail = string(r[:maxDetailRunes])
		}
		msg += ": " + detail
	}
	return domain.NewComputeError(domain.CategoryUpstreamError, msg, nil)
}

func malformed(provider, what string) *domain.ComputeError {
	return domain.NewComputeError(domain.CategoryMalformedResponse, provider+" response "+what, nil)
}
