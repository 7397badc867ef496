package cli

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/commontrace/commontrace/internal/config"
	"github.com/commontrace/commontrace/internal/metrics"
	"github.com/commontrace/commontrace/internal/ratelimit"
	"github.com/commontrace/commontrace/internal/store"
	"go.uber.org/zap"
)

func TestEmbeddingModelID(t *testing.T) {
	tests := []struct {
		provider, model, want string
	}{
		{"", "", "text-embedding-3-small"},
		{"openai", "text-embedding-3-large", "text-embedding-3-large"},
		{"ollama", "text-embedding-3-small", "ollama:nomic-embed-text"},
		{"ollama", "mxbai-embed-large", "ollama:mxbai-embed-large"},
		{"tfidf", "whatever", "tfidf"},
		{"bogus", "", ""},
	}
	for _, tt := range tests {
		got := embeddingModelID(config.EmbeddingConfig{Provider: tt.provider, Model: tt.model})
		if got != tt.want {
			t.Errorf("embeddingModelID(%q, %q) = %q, want %q", tt.provider, tt.model, got, tt.want)
		}
	}
}

func TestSchedulerConfig(t *testing.T) {
	cfg := config.Default()
	sc := schedulerConfig(cfg)

	if sc.Interval != 24*time.Hour {
		t.Errorf("Interval = %v, want 24h", sc.Interval)
	}
	if sc.StaleAge != 180*24*time.Hour {
		t.Errorf("StaleAge = %v, want 180d", sc.StaleAge)
	}
	if sc.FlagThreshold != -2.0 {
		t.Errorf("FlagThreshold = %v, want -2", sc.FlagThreshold)
	}
	if sc.EmbeddingModel != "text-embedding-3-small" {
		t.Errorf("EmbeddingModel = %q", sc.EmbeddingModel)
	}
}

func TestNewEmbedder(t *testing.T) {
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	emb, err := newEmbedder(ctx, config.EmbeddingConfig{Provider: "openai"}, db)
	if err != nil {
		t.Fatalf("openai: %v", err)
	}
	if emb.Model() != "text-embedding-3-small" {
		t.Errorf("openai model = %q", emb.Model())
	}

	if err := db.CreateTrace(ctx, &store.Trace{
		Title: "goroutine leak", SolutionText: "cancel the context", ContributorID: "alice",
	}); err != nil {
		t.Fatalf("CreateTrace: %v", err)
	}
	emb, err = newEmbedder(ctx, config.EmbeddingConfig{Provider: "tfidf", Dimensions: 64}, db)
	if err != nil {
		t.Fatalf("tfidf: %v", err)
	}
	if emb.Model() != embeddingModelID(config.EmbeddingConfig{Provider: "tfidf"}) {
		t.Errorf("tfidf model = %q", emb.Model())
	}

	if _, err := newEmbedder(ctx, config.EmbeddingConfig{Provider: "bogus"}, db); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNewBucketStoreInProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs, closeFn, err := newBucketStore(ctx, config.RedisConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("newBucketStore: %v", err)
	}
	defer closeFn()
	if _, ok := bs.(*ratelimit.MemoryStore); !ok {
		t.Errorf("store = %T, want *ratelimit.MemoryStore", bs)
	}

	if _, _, err := newBucketStore(ctx, config.RedisConfig{URL: "::not a url"}, zap.NewNop()); err == nil {
		t.Error("expected error for bad redis url")
	}
}

func TestServeMetricsExportsEmbeddingCounters(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.EmbeddingProcessed("text-embedding-3-small", "success")
	reg.ObserveEmbedding(120 * time.Millisecond)

	addr, shutdown, err := serveMetrics("127.0.0.1:0", reg, zap.NewNop())
	if err != nil {
		t.Fatalf("serveMetrics: %v", err)
	}
	defer shutdown()

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, want := range []string{
		`commontrace_embeddings_processed_total{model="text-embedding-3-small",status="success"} 1`,
		"commontrace_embedding_duration_seconds_count 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestSchedulerConfigWarmUp(t *testing.T) {
	if got := schedulerConfig(config.Default()).WarmUp; got != time.Minute {
		t.Errorf("WarmUp = %v, want 1m", got)
	}
}
