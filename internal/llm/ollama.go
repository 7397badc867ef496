package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Ollama calls a local Ollama instance's chat endpoint.
type Ollama struct {
	url    string
	model  string
	client *http.Client
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// NewOllama creates a new Ollama client.
func NewOllama(url, model string) *Ollama {
	return &Ollama{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// Complete runs a single-turn chat. An Ollama that cannot be reached is
// reported as ErrSynthesisSkipped so the cycle treats it like a missing key.
func (o *Ollama) Complete(ctx context.Context, r Request) (*Response, error) {
	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	var msgs []ollamaMessage
	if r.System != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: r.System})
	}
	msgs = append(msgs, ollamaMessage{Role: "user", Content: r.Prompt})

	var result ollamaChatResponse
	err := postJSON(ctx, o.client, o.url+"/api/chat", nil, ollamaChatRequest{
		Model:    o.model,
		Messages: msgs,
		Options:  map[string]any{"temperature": 0.3, "num_predict": maxTokens},
	}, &result)
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return nil, fmt.Errorf("%w: %v", ErrSynthesisSkipped, err)
	}
	if err != nil {
		return nil, fmt.Errorf("ollama api: %w", err)
	}

	return &Response{
		Content:    result.Message.Content,
		Provider:   "ollama",
		TokensUsed: result.PromptEvalCount + result.EvalCount,
	}, nil
}
