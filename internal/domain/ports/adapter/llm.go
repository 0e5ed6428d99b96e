package adapter

import (
	"context"

	"llm-jobqueue/internal/domain/model"
)

// CompletionRequest is a normalized chat completion call.
type CompletionRequest struct {
	Model       string
	Messages    []model.Message
	MaxTokens   int
	Temperature *float64
}

// LLMAdapter is the port for the remote compute resource.
//
// Implementations must classify failures as *domain.ComputeError so the
// dispatcher can record a stable category on the job:
//   - UNAVAILABLE: the resource could not be reached (connection refused, DNS)
//   - TIMEOUT: the call exceeded its deadline
//   - UPSTREAM_ERROR: the resource answered with a non-success status
//   - MALFORMED_RESPONSE: a 2xx answer without the expected shape
type LLMAdapter interface {
	Complete(ctx context.Context, req CompletionRequest) (model.JobResult, error)
}
