package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"llm-jobqueue/internal/domain/model"
	"llm-jobqueue/internal/domain/ports/adapter"
)

var _ adapter.LLMAdapter = (*OpenAIAdapter)(nil)

// OpenAIAdapter implements adapter.LLMAdapter with the official SDK.
// Retries are left to the caller; the SDK's own retry loop is disabled.
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

func NewOpenAIAdapter(apiKey, baseURL, model string, httpClient *http.Client) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" || model == "default" {
		model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &OpenAIAdapter{client: openai.NewClient(opts...), model: model}, nil
}

func (o *OpenAIAdapter) Complete(ctx context.Context, req adapter.CompletionRequest) (model.JobResult, error) {
	modelName := modelOrDefault(req.Model, o.model)
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelName),
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return model.JobResult{}, statusError("openai", apiErr.StatusCode, apiErr.Message)
		}
		return model.JobResult{}, transportError("openai", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return model.JobResult{}, malformed("openai", "has no choices")
	}

	c := resp.Choices[0]
	return model.JobResult{
		ResponseID:   resp.ID,
		Content:      c.Message.Content,
		Model:        modelOrDefault(resp.Model, modelName),
		FinishReason: c.FinishReason,
		Created:      resp.Created,
		Usage: model.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func toOpenAIMessages(msgs []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
