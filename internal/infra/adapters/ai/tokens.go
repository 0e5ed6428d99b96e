package ai

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"llm-jobqueue/internal/domain/model"
)

// TokenCounter estimates token counts for usage accounting.
type TokenCounter func(modelName, text string) int

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// TiktokenCounter counts with the cl100k_base encoding, or the model's own
// encoding when tiktoken knows it. Falls back to a 4-bytes-per-token estimate
// if no encoding can be loaded.
func TiktokenCounter(modelName, text string) int {
	if text == "" {
		return 0
	}
	if e, err := tiktoken.EncodingForModel(modelName); err == nil {
		return len(e.Encode(text, nil, nil))
	}
	encOnce.Do(func() {
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	})
	if enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

func estimateUsage(count TokenCounter, modelName string, msgs []model.Message, completion string) model.Usage {
	var in int
	for _, m := range msgs {
		// role and separators cost a few tokens per message
		in += count(modelName, m.Content) + 4
	}
	out := count(modelName, completion)
	return model.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}
