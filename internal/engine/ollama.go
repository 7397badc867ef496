package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// OllamaEmbedder embeds trace text with a locally served Ollama model.
type OllamaEmbedder struct {
	url    string
	model  string
	dims   int
	client *http.Client
}

func NewOllamaEmbedder(url, model string, dims int) *OllamaEmbedder {
	return &OllamaEmbedder{
		url:    url,
		model:  model,
		dims:   dims,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OllamaEmbedder) Model() string   { return "ollama:" + o.model }
func (o *OllamaEmbedder) Dimensions() int { return o.dims }

// Embed returns the vector for one trace's text. The model tag Ollama
// reports becomes the embedding version.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) (*Embedding, error) {
	out, err := ollamaEmbed(ctx, o.client, o.url, o.model, text)
	if err != nil {
		return nil, err
	}
	if len(out.Embeddings) == 0 {
		return nil, errors.New("ollama returned no embeddings")
	}

	version := out.Model
	if version == "" {
		version = o.model
	}
	return &Embedding{Vector: out.Embeddings[0], Model: o.Model(), Version: version}, nil
}

// OllamaServes reports whether the server at url answers embed calls for
// model.
func OllamaServes(url, model string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := ollamaEmbed(ctx, http.DefaultClient, url, model, "ping")
	return err == nil
}

func ollamaEmbed(ctx context.Context, client *http.Client, url, model, text string) (*ollamaEmbedResponse, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embed status %d: %s", resp.StatusCode, raw)
	}

	var out ollamaEmbedResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	return &out, nil
}
