package ai

import (
	"context"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.LLMAdapter = (*limitedLLM)(nil)

type limitedLLM struct {
	inner adapter.LLMAdapter
	sem   chan struct{}
}

// NewLimitedLLM caps concurrent calls to inner. Waiting for a slot honors ctx.
func NewLimitedLLM(inner adapter.LLMAdapter, maxConcurrent int) adapter.LLMAdapter {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedLLM{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedLLM) Complete(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return model.JobResult{}, domain.NewComputeError(domain.CategoryTimeout,
			"timed out waiting for a provider slot", ctx.Err())
	}
	defer func() { <-l.sem }()
	return l.inner.Complete(ctx, req)
}
