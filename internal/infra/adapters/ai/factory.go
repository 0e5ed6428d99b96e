package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"llm-jobqueue/internal/config"
	"llm-jobqueue/internal/domain/ports/adapter"
)

// Build wires the adapter selected by cfg.Provider. In multi mode every provider
// with credentials is registered and requests are routed by model.
func Build(ctx context.Context, cfg config.LLMConfig, logger *zerolog.Logger) (adapter.LLMAdapter, error) {
	build := func(provider string) (adapter.LLMAdapter, error) {
		var a adapter.LLMAdapter
		switch provider {
		case "local":
			a = NewLocalAdapter(cfg.BaseURL, cfg.DefaultModel, WithAPIKey(cfg.APIKey))
		case "openai":
			base := ""
			if cfg.Provider == "openai" {
				base = cfg.BaseURL
			}
			oa, err := NewOpenAIAdapter(cfg.APIKey, base, cfg.DefaultModel, nil)
			if err != nil {
				return nil, err
			}
			a = oa
		case "gemini":
			ga, err := NewGeminiAdapter(ctx, cfg.GeminiKey, "", cfg.DefaultModel)
			if err != nil {
				return nil, err
			}
			a = ga
		case "echo":
			a = NewEchoAdapter(500 * time.Millisecond)
		default:
			return nil, fmt.Errorf("unknown llm provider %q", provider)
		}
		return NewLimitedLLM(a, cfg.ProviderConcurrency[provider]), nil
	}

	if cfg.Provider != "multi" {
		return build(cfg.Provider)
	}

	byProvider := map[string]adapter.LLMAdapter{}
	if cfg.BaseURL != "" {
		a, _ := build("local")
		byProvider["local"] = a
	}
	if cfg.APIKey != "" {
		a, err := build("openai")
		if err != nil {
			return nil, err
		}
		byProvider["openai"] = a
	}
	if cfg.GeminiKey != "" {
		a, err := build("gemini")
		if err != nil {
			return nil, err
		}
		byProvider["gemini"] = a
	}
	if len(byProvider) == 0 {
		return nil, fmt.Errorf("multi provider needs at least one of base_url, api_key, gemini_key")
	}

	def := "local"
	if _, ok := byProvider[def]; !ok {
		for p := range byProvider {
			def = p
			break
		}
	}
	providers := make([]string, 0, len(byProvider))
	for p := range byProvider {
		providers = append(providers, p)
	}
	logger.Info().Strs("providers", providers).Str("default", def).Msg("multi LLM adapter ready")
	return NewMultiAdapter(def, byProvider, cfg.ModelProviders), nil
}
