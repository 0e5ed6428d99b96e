package ai

import (
	"context"
	"fmt"
	"time"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/adapter"
)

var _ adapter.LLMAdapter = (*EchoAdapter)(nil)

// EchoAdapter implements adapter.LLMAdapter for local/dev testing.
// It answers with the last message after a fixed delay.
type EchoAdapter struct {
	delay time.Duration
	count TokenCounter
}

func NewEchoAdapter(delay time.Duration) *EchoAdapter {
	return &EchoAdapter{delay: delay, count: func(_, s string) int { return (len(s) + 3) / 4 }}
}

func (a *EchoAdapter) Complete(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
	select {
	case <-time.After(a.delay):
	case <-ctx.Done():
		return model.JobResult{}, domain.NewComputeError(domain.CategoryTimeout, "echo interrupted", ctx.Err())
	}
	var last string
	if n := len(req.Messages); n > 0 {
		last = req.Messages[n-1].Content
	}
	content := fmt.Sprintf("echo: %s", last)
	modelName := modelOrDefault(req.Model, "echo")
	return model.JobResult{
		Content:      content,
		Model:        modelName,
		FinishReason: "stop",
		Created:      time.Now().Unix(),
		Usage:        estimateUsage(a.count, modelName, req.Messages, content),
	}, nil
}
