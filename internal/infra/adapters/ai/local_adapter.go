package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.LLMAdapter = (*LocalAdapter)(nil)

// LocalAdapter talks to a self-hosted OpenAI-compatible server
// (llama.cpp, vLLM, Ollama) at <base>/chat/completions.
// The caller's context carries the deadline; the http.Client has none of its own.
type LocalAdapter struct {
	base   string // e.g., http://localhost:8000/v1
	apiKey string // optional
	model  string
	client *http.Client
	count  TokenCounter
}

type LocalOption func(*LocalAdapter)

func WithHTTPClient(c *http.Client) LocalOption { return func(a *LocalAdapter) { a.client = c } }

func WithTokenCounter(c TokenCounter) LocalOption { return func(a *LocalAdapter) { a.count = c } }

func WithAPIKey(key string) LocalOption { return func(a *LocalAdapter) { a.apiKey = key } }

func NewLocalAdapter(base, model string, opts ...LocalOption) *LocalAdapter {
	a := &LocalAdapter{
		base:   strings.TrimRight(base, "/"),
		model:  model,
		client: &http.Client{},
		count:  TiktokenCounter,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []model.Message `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *model.Usage `json:"usage"`
}

func (a *LocalAdapter) Complete(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
	modelName := modelOrDefault(req.Model, a.model)
	body, err := json.Marshal(chatRequest{
		Model:       modelName,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return model.JobResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return model.JobResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return model.JobResult{}, transportError("local LLM", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return model.JobResult{}, transportError("local LLM", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.JobResult{}, statusError("local LLM", resp.StatusCode, string(raw))
	}

	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return model.JobResult{}, malformed("local LLM", "is not valid JSON")
	}
	if len(payload.Choices) == 0 || payload.Choices[0].Message == nil || payload.Choices[0].Message.Content == nil {
		return model.JobResult{}, malformed("local LLM", "has no choices[0].message.content")
	}

	choice := payload.Choices[0]
	res := model.JobResult{
		ResponseID:   payload.ID,
		Content:      *choice.Message.Content,
		Model:        modelOrDefault(payload.Model, modelName),
		FinishReason: choice.FinishReason,
		Created:      payload.Created,
	}
	if payload.Usage != nil && payload.Usage.TotalTokens > 0 {
		res.Usage = *payload.Usage
	} else {
		res.Usage = estimateUsage(a.count, res.Model, req.Messages, res.Content)
	}
	return res, nil
}

func modelOrDefault(model, def string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	return def
}
