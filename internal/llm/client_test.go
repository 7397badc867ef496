package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/commontrace/commontrace/internal/config"
)

func TestNewClientAnthropic(t *testing.T) {
	cfg := config.LLMConfig{Provider: "anthropic", AnthropicKey: "test-key"}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	a, ok := client.(*Anthropic)
	if !ok {
		t.Fatalf("expected *Anthropic, got %T", client)
	}
	if a.model != DefaultAnthropicModel {
		t.Errorf("model = %q, want default", a.model)
	}
}

func TestAnthropicMissingKeySkips(t *testing.T) {
	client, err := NewClient(config.LLMConfig{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.Complete(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, ErrSynthesisSkipped) {
		t.Errorf("err = %v, want ErrSynthesisSkipped", err)
	}
}

func TestNewClientOllama(t *testing.T) {
	client, err := NewClient(config.LLMConfig{Provider: "ollama"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*Ollama); !ok {
		t.Errorf("expected *Ollama, got %T", client)
	}
}

func TestNewClientUnknown(t *testing.T) {
	if _, err := NewClient(config.LLMConfig{Provider: "gpt"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestAnthropicComplete(t *testing.T) {
	var got map[string]any
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("x-api-key")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"content":[{"text":"TITLE: x"}],"usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer srv.Close()

	a := NewAnthropic("k", "m")
	a.url = srv.URL
	resp, err := a.Complete(context.Background(), Request{System: "sys", Prompt: "hello", MaxTokens: 100})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "TITLE: x" || resp.TokensUsed != 15 || resp.Provider != "anthropic" {
		t.Errorf("resp = %+v", resp)
	}
	if key != "k" {
		t.Errorf("x-api-key = %q", key)
	}
	if got["system"] != "sys" || got["model"] != "m" || got["max_tokens"] != float64(100) {
		t.Errorf("request body = %v", got)
	}
}

func TestAnthropicErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", 529)
	}))
	defer srv.Close()

	a := NewAnthropic("k", "m")
	a.url = srv.URL
	_, err := a.Complete(context.Background(), Request{Prompt: "hello"})
	if err == nil || !strings.Contains(err.Error(), "529") {
		t.Errorf("err = %v, want status 529", err)
	}
}

func TestOllamaComplete(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"message":{"role":"assistant","content":"TITLE: pooled"},"prompt_eval_count":7,"eval_count":3}`))
	}))
	defer srv.Close()

	resp, err := NewOllama(srv.URL, "llama3.2").Complete(context.Background(), Request{System: "sys", Prompt: "hello"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "TITLE: pooled" || resp.TokensUsed != 10 {
		t.Errorf("resp = %+v", resp)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "hello" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.Stream {
		t.Error("stream should be false")
	}
}

func TestOllamaUnreachableIsSkip(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewOllama(url, "llama3.2").Complete(context.Background(), Request{Prompt: "hello"})
	if !errors.Is(err, ErrSynthesisSkipped) {
		t.Errorf("err = %v, want ErrSynthesisSkipped", err)
	}
}

func TestParseSynthesis(t *testing.T) {
	text := `Here is the pattern.
TITLE: Bound connection pools
Context: Services exhaust database connections
under burst load.
SOLUTION: Cap the pool size.
Use a semaphore.
TAGS: Postgres, pooling , ,Go`

	got := ParseSynthesis(text, []string{"fallback"})
	want := &Synthesis{
		Title:        "Bound connection pools",
		ContextText:  "Services exhaust database connections\nunder burst load.",
		SolutionText: "Cap the pool size.\nUse a semaphore.",
		Tags:         []string{"postgres", "pooling", "go"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseSynthesis =\n%+v\nwant\n%+v", got, want)
	}
}

func TestParseSynthesisFallbackTags(t *testing.T) {
	got := ParseSynthesis("TITLE: t\nSOLUTION: s", []string{"a", "b"})
	if !reflect.DeepEqual(got.Tags, []string{"a", "b"}) {
		t.Errorf("Tags = %v, want fallback", got.Tags)
	}
	if got.ContextText != "" {
		t.Errorf("ContextText = %q, want empty", got.ContextText)
	}
}

func TestSynthesisRequest(t *testing.T) {
	sources := make([]Source, 12)
	for i := range sources {
		sources[i] = Source{Title: "t", ContextText: strings.Repeat("c", 400), SolutionText: "s", Tags: []string{"go"}}
	}
	req := SynthesisRequest(sources, 2)
	if !strings.Contains(req.Prompt, "Synthesize these 10 traces") {
		t.Error("prompt should cap sources at 10")
	}
	if strings.Contains(req.Prompt, "### Source 11") {
		t.Error("prompt includes more than 10 sources")
	}
	if !strings.Contains(req.Prompt, "stack-agnostic") {
		t.Error("prompt missing level description")
	}
	if strings.Contains(req.Prompt, strings.Repeat("c", 301)) {
		t.Error("context not truncated to 300 chars")
	}
	if req.System == "" || req.MaxTokens != 1500 {
		t.Errorf("System/MaxTokens = %q/%d", req.System, req.MaxTokens)
	}
}

func TestSynthesize(t *testing.T) {
	mock := &MockClient{Response: &Response{Content: "TITLE: p\nCONTEXT: c\nSOLUTION: s"}}
	sources := []Source{{Title: "a", Tags: []string{"redis", "go"}}, {Title: "b", Tags: []string{"go"}}}

	got, err := Synthesize(context.Background(), mock, sources, 0)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got.Title != "p" || got.SolutionText != "s" {
		t.Errorf("got %+v", got)
	}
	if !reflect.DeepEqual(got.Tags, []string{"go", "redis"}) {
		t.Errorf("Tags = %v, want union of source tags", got.Tags)
	}
	if len(mock.Calls()) != 1 {
		t.Errorf("calls = %d", len(mock.Calls()))
	}
}

func TestSynthesizeErrors(t *testing.T) {
	_, err := Synthesize(context.Background(), &MockClient{Err: ErrSynthesisSkipped}, nil, 0)
	if !errors.Is(err, ErrSynthesisSkipped) {
		t.Errorf("err = %v, want ErrSynthesisSkipped", err)
	}

	_, err = Synthesize(context.Background(), &MockClient{Response: &Response{Content: "nothing useful"}}, nil, 0)
	if err == nil {
		t.Error("expected error for unparseable output")
	}
}
