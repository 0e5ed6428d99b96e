package ai_test

import (
	"context"
	"errors"
	"testing"

	"llm-jobqueue/internal/domain"
	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/adapter"
	ai "llm-jobqueue/internal/infra/adapters/ai"
)

type stubLLM struct {
	name      string
	n         int
	lastModel string
}

func (s *stubLLM) Complete(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
	s.n++
	s.lastModel = req.Model
	return model.JobResult{Content: s.name}, nil
}

func TestRouting_ExplicitMap_Heuristics_And_Fallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	local := &stubLLM{name: "local"}
	open := &stubLLM{name: "openai"}
	gem := &stubLLM{name: "gemini"}

	m := ai.NewMultiAdapter(
		"local",
		map[string]adapter.LLMAdapter{"local": local, "openai": open, "gemini": gem},
		map[string]string{"custom-": "gemini", "custom-big-": "openai"},
	)

	route := func(modelName string) string {
		res, err := m.Complete(ctx, adapter.CompletionRequest{Model: modelName})
		if err != nil {
			t.Fatalf("Complete(%s): %v", modelName, err)
		}
		return res.Content
	}

	if got := route("custom-x"); got != "gemini" {
		t.Fatalf("explicit prefix should route to gemini, got %s", got)
	}
	if got := route("custom-big-1"); got != "openai" {
		t.Fatalf("longest prefix should win, got %s", got)
	}
	if got := route("gpt-4o-mini"); got != "openai" {
		t.Fatalf("heuristic gpt-* should go openai, got %s", got)
	}
	if got := route("gemini-1.5-flash"); got != "gemini" {
		t.Fatalf("heuristic gemini-* should go gemini, got %s", got)
	}
	if got := route("llama3"); got != "local" {
		t.Fatalf("unknown model should go to default provider, got %s", got)
	}
}

func TestRouting_MissingProviderFallsBackToDefault(t *testing.T) {
	local := &stubLLM{name: "local"}
	m := ai.NewMultiAdapter("local", map[string]adapter.LLMAdapter{"local": local}, nil)
	res, err := m.Complete(context.Background(), adapter.CompletionRequest{Model: "gpt-4o"})
	if err != nil || res.Content != "local" {
		t.Fatalf("expected fallback to local, got %q, %v", res.Content, err)
	}

	empty := ai.NewMultiAdapter("local", map[string]adapter.LLMAdapter{}, nil)
	_, err = empty.Complete(context.Background(), adapter.CompletionRequest{Model: "x"})
	var ce *domain.ComputeError
	if !errors.As(err, &ce) || ce.Category != domain.CategoryUnavailable {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
}
