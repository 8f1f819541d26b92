package llm

import (
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/jackbot/internal/config"
)

// NewClient creates an OpenAI-compatible client for the RAG service. Ollama
// serves this API under /v1 and ignores the key, so llm.api_key may be any
// placeholder there.
func NewClient(cfg config.LLMConfig) *openai.Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(oc)
}
