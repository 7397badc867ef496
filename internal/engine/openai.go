package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Defaults for the OpenAI embedding provider.
const (
	DefaultOpenAIURL        = "https://api.openai.com"
	DefaultOpenAIModel      = "text-embedding-3-small"
	DefaultOpenAIDimensions = 1536
)

// OpenAIEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
// Without an API key every call returns ErrEmbeddingSkipped.
type OpenAIEmbedder struct {
	url    string
	apiKey string
	model  string
	dims   int
	client *http.Client
}

// NewOpenAIEmbedder creates an embedder. Empty url and model fall back to
// the OpenAI defaults.
func NewOpenAIEmbedder(url, apiKey, model string, dims int) *OpenAIEmbedder {
	if url == "" {
		url = DefaultOpenAIURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	if dims <= 0 {
		dims = DefaultOpenAIDimensions
	}
	return &OpenAIEmbedder{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		model:  model,
		dims:   dims,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OpenAIEmbedder) Model() string   { return o.model }
func (o *OpenAIEmbedder) Dimensions() int { return o.dims }

// Configured reports whether an API key is set.
func (o *OpenAIEmbedder) Configured() bool { return o.apiKey != "" }

// Embed returns the embedding of text. The version is the model name the
// API reports, which may carry a dated snapshot suffix.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) (*Embedding, error) {
	if !o.Configured() {
		return nil, ErrEmbeddingSkipped
	}

	body, err := json.Marshal(map[string]any{
		"input":      text,
		"model":      o.model,
		"dimensions": o.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai embed api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai embed status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Model string `json:"model"`
		Data  []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("openai returned no embeddings")
	}

	version := result.Model
	if version == "" {
		version = o.model
	}
	return &Embedding{Vector: result.Data[0].Embedding, Model: o.model, Version: version}, nil
}
