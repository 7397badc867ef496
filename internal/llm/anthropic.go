package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const (
	anthropicAPI     = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"

	// DefaultAnthropicModel is the synthesis model.
	DefaultAnthropicModel = "claude-haiku-4-5-20251001"
)

// Anthropic calls the Anthropic Messages API directly.
type Anthropic struct {
	apiKey string
	model  string
	url    string
	client *http.Client
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewAnthropic creates a new Anthropic API client. An empty key is allowed;
// every call then returns ErrSynthesisSkipped.
func NewAnthropic(apiKey, model string) *Anthropic {
	return &Anthropic{
		apiKey: apiKey,
		model:  model,
		url:    anthropicAPI,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// Complete runs a single-turn completion.
func (a *Anthropic) Complete(ctx context.Context, r Request) (*Response, error) {
	if a.apiKey == "" {
		return nil, ErrSynthesisSkipped
	}
	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	header := http.Header{}
	header.Set("x-api-key", a.apiKey)
	header.Set("anthropic-version", anthropicVersion)

	var result anthropicResponse
	err := postJSON(ctx, a.client, a.url, header, anthropicRequest{
		Model:       a.model,
		MaxTokens:   maxTokens,
		Temperature: 0.3,
		System:      r.System,
		Messages:    []anthropicMessage{{Role: "user", Content: r.Prompt}},
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("anthropic api: %w", err)
	}

	var text string
	for _, c := range result.Content {
		if c.Type == "" || c.Type == "text" {
			text += c.Text
		}
	}
	return &Response{
		Content:    text,
		Provider:   "anthropic",
		TokensUsed: result.Usage.InputTokens + result.Usage.OutputTokens,
	}, nil
}
