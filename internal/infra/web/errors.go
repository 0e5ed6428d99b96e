package web

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"llm-jobqueue/internal/domain"
)

type errorBody struct {
	Error                string               `json:"error"`
	Category             domain.ErrorCategory `json:"category,omitempty"`
	JobID                string               `json:"jobId,omitempty"`
	QueuePosition        *int                 `json:"queuePosition,omitempty"`
	EstimatedWaitSeconds *int                 `json:"estimatedWaitSeconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a use-case error to an HTTP status and response body.
func statusFor(err error) (int, errorBody) {
	var busy *domain.BusyError
	var ce *domain.ComputeError
	switch {
	case err == nil, errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized, errorBody{Error: "authentication required"}
	case errors.As(err, &busy):
		pos := busy.Position
		wait := waitSeconds(busy)
		return http.StatusTooManyRequests, errorBody{
			Error:                "the model is busy, try again later",
			QueuePosition:        &pos,
			EstimatedWaitSeconds: &wait,
		}
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, errorBody{Error: "too many submissions, slow down"}
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, errorBody{Error: err.Error()}
	case errors.Is(err, domain.ErrAuthorization):
		return http.StatusForbidden, errorBody{Error: "forbidden"}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error()}
	case errors.As(err, &ce):
		body := errorBody{Error: ce.Error(), Category: ce.Category}
		switch ce.Category {
		case domain.CategoryUnavailable:
			return http.StatusServiceUnavailable, body
		case domain.CategoryTimeout:
			return http.StatusGatewayTimeout, body
		default:
			return http.StatusBadGateway, body
		}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, body := statusFor(err)
	writeErrorBody(w, code, body)
}

func writeErrorBody(w http.ResponseWriter, code int, body errorBody) {
	if code == http.StatusTooManyRequests {
		retry := 60
		if body.EstimatedWaitSeconds != nil {
			retry = *body.EstimatedWaitSeconds
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}
	writeJSON(w, code, body)
}

func waitSeconds(b *domain.BusyError) int {
	s := int(math.Ceil(b.EstimatedWait.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
