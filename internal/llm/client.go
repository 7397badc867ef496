package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/commontrace/commontrace/internal/config"
)

// ErrSynthesisSkipped means the provider has no credentials. Callers treat
// it as a skip, not a failure.
var ErrSynthesisSkipped = errors.New("synthesis skipped: provider not configured")

// Client is the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request is a single-turn completion request.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

// NewClient creates an LLM client based on the config provider setting.
// The anthropic provider is returned even without a key; its calls then
// fail with ErrSynthesisSkipped.
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "", "anthropic":
		model := cfg.Model
		if model == "" {
			model = DefaultAnthropicModel
		}
		return NewAnthropic(cfg.AnthropicKey, model), nil
	case "ollama":
		url := cfg.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.OllamaModel
		if model == "" {
			model = "llama3.2"
		}
		return NewOllama(url, model), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}
