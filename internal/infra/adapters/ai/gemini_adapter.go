// File: internal/infra/adapters/ai/gemini_adapter.go
package ai

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"

	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/adapter"
)

var _ adapter.LLMAdapter = (*GeminiAdapter)(nil)

type GeminiAdapter struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiAdapter creates a Gemini adapter using the official SDK.
func NewGeminiAdapter(ctx context.Context, apiKey, baseURL, defaultModel string) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	if defaultModel == "" || defaultModel == "default" {
		defaultModel = "gemini-2.0-flash"
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiAdapter{client: c, defaultModel: defaultModel}, nil
}

func (g *GeminiAdapter) Complete(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
	if len(req.Messages) == 0 {
		return model.JobResult{}, errors.New("gemini: no messages")
	}
	modelName := modelOrDefault(req.Model, g.defaultModel)
	system, contents := toGenAIContents(req.Messages)

	cfg := &genai.GenerateContentConfig{SystemInstruction: system}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}

	resp, err := g.client.Models.GenerateContent(ctx, modelName, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return model.JobResult{}, statusError("gemini", apiErr.Code, apiErr.Message)
		}
		var apiErrPtr *genai.APIError
		if errors.As(err, &apiErrPtr) {
			return model.JobResult{}, statusError("gemini", apiErrPtr.Code, apiErrPtr.Message)
		}
		return model.JobResult{}, transportError("gemini", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return model.JobResult{}, malformed("gemini", "has no candidates")
	}

	res := model.JobResult{
		ResponseID:   resp.ResponseID,
		Content:      resp.Text(),
		Model:        modelOrDefault(resp.ModelVersion, modelName),
		FinishReason: strings.ToLower(string(resp.Candidates[0].FinishReason)),
	}
	if !resp.CreateTime.IsZero() {
		res.Created = resp.CreateTime.Unix()
	}
	if u := resp.UsageMetadata; u != nil {
		res.Usage = model.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return res, nil
}

// toGenAIContents splits system turns into a system instruction and maps
// the rest to user/model history.
func toGenAIContents(msgs []model.Message) (*genai.Content, []*genai.Content) {
	var sys []string
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			sys = append(sys, m.Content)
		case "assistant", "model":
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(sys) == 0 {
		return nil, out
	}
	return genai.NewContentFromText(strings.Join(sys, "\n"), genai.RoleUser), out
}
