// File: internal/infra/adapters/ai/multi_adapter.go
package ai

import (
	"context"
	"sort"
	"strings"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/adapter"
)

var _ adapter.LLMAdapter = (*MultiAdapter)(nil)

// MultiAdapter routes each request to a provider by model name.
type MultiAdapter struct {
	defaultProvider string // e.g., "local" or "openai"
	byProvider      map[string]adapter.LLMAdapter
	prefixes        []string          // longest first
	modelToProvider map[string]string // model prefix -> provider
}

// NewMultiAdapter does not inject any default model; each provider adapter
// is responsible for its own default model.
func NewMultiAdapter(
	defaultProvider string,
	byProvider map[string]adapter.LLMAdapter,
	modelToProvider map[string]string,
) *MultiAdapter {
	prefixes := make([]string, 0, len(modelToProvider))
	for p := range modelToProvider {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return &MultiAdapter{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      byProvider,
		prefixes:        prefixes,
		modelToProvider: modelToProvider,
	}
}

func (m *MultiAdapter) resolveProvider(model string) string {
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return strings.ToLower(m.modelToProvider[p])
		}
	}
	l := strings.ToLower(model)
	switch {
	case strings.HasPrefix(l, "gemini"):
		return "gemini"
	case strings.HasPrefix(l, "gpt"), strings.HasPrefix(l, "o1"), strings.HasPrefix(l, "o3"):
		return "openai"
	default:
		return m.defaultProvider
	}
}

func (m *MultiAdapter) pick(model string) adapter.LLMAdapter {
	if a := m.byProvider[m.resolveProvider(model)]; a != nil {
		return a
	}
	return m.byProvider[m.defaultProvider]
}

func (m *MultiAdapter) Complete(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
	a := m.pick(req.Model)
	if a == nil {
		return model.JobResult{}, domain.NewComputeError(domain.CategoryUnavailable,
			"no provider configured for model "+req.Model, nil)
	}
	return a.Complete(ctx, req)
}
