package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commontrace/commontrace/internal/config"
	"github.com/commontrace/commontrace/internal/consolidate"
	"github.com/commontrace/commontrace/internal/engine"
	"github.com/commontrace/commontrace/internal/logging"
	"github.com/commontrace/commontrace/internal/metrics"
	"github.com/commontrace/commontrace/internal/ratelimit"
	"github.com/commontrace/commontrace/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// tfidfCorpusSize bounds how many traces seed the offline embedder's
// vocabulary.
const tfidfCorpusSize = 5000

// runtime is what every command needs: resolved config, a logger and an
// open database.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	db     *store.DB
	dbPath string
}

func setup() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &runtime{cfg: cfg, logger: logger, db: db, dbPath: dbPath}, nil
}

func (rt *runtime) Close() {
	rt.db.Close()
	rt.logger.Sync()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newBucketStore returns the Redis bucket store when a URL is configured,
// otherwise an in-process store swept in the background until ctx is done.
func newBucketStore(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (ratelimit.BucketStore, func(), error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis_unreachable", zap.String("addr", opts.Addr), zap.Error(err))
		}
		return ratelimit.NewRedisStore(client), func() { client.Close() }, nil
	}

	mem := ratelimit.NewMemoryStore()
	go func() {
		ticker := time.NewTicker(ratelimit.BucketTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := mem.Sweep(now); n > 0 {
					logger.Debug("rate_limit_buckets_swept", zap.Int("count", n))
				}
			}
		}
	}()
	return mem, func() {}, nil
}

// newEmbedder builds the configured embedding provider. The tfidf provider
// is fitted on the current corpus.
func newEmbedder(ctx context.Context, cfg config.EmbeddingConfig, db *store.DB) (engine.Embedder, error) {
	switch cfg.Provider {
	case "", "openai":
		return engine.NewOpenAIEmbedder(cfg.URL, cfg.APIKey, cfg.Model, cfg.Dimensions), nil
	case "ollama":
		url := cfg.URL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" || model == engine.DefaultOpenAIModel {
			model = "nomic-embed-text"
		}
		dims := cfg.Dimensions
		if dims <= 0 || dims == engine.DefaultOpenAIDimensions {
			dims = 768
		}
		if !engine.OllamaServes(url, model) {
			return nil, fmt.Errorf("ollama at %s does not serve %s", url, model)
		}
		return engine.NewOllamaEmbedder(url, model, dims), nil
	case "tfidf":
		docs, err := db.TraceTexts(ctx, tfidfCorpusSize)
		if err != nil {
			return nil, fmt.Errorf("load tfidf corpus: %w", err)
		}
		return engine.NewTFIDFEmbedder(docs, cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", cfg.Provider)
	}
}

// embeddingModelID is the model identity the configured provider stamps on
// its vectors, without constructing the provider.
func embeddingModelID(cfg config.EmbeddingConfig) string {
	switch cfg.Provider {
	case "", "openai":
		if cfg.Model == "" {
			return engine.DefaultOpenAIModel
		}
		return cfg.Model
	case "ollama":
		if cfg.Model == "" || cfg.Model == engine.DefaultOpenAIModel {
			return "ollama:nomic-embed-text"
		}
		return "ollama:" + cfg.Model
	case "tfidf":
		return "tfidf"
	default:
		return ""
	}
}

func schedulerConfig(cfg config.Config) consolidate.Config {
	c := cfg.Consolidation
	return consolidate.Config{
		Interval:             c.Interval(),
		WarmUp:               c.WarmUp(),
		RetrievalWindow:      c.RetrievalWindow(),
		StaleAge:             c.StaleAge(),
		CoRetrievalCap:       c.CoRetrievalCap,
		FlagThreshold:        c.FlagThreshold,
		MaxClustersPerCycle:  c.MaxClustersPerCycle,
		MinClusterSize:       c.MinClusterSize,
		MaxSynthesisSources:  c.MaxSynthesisSources,
		ConvergenceThreshold: c.ConvergenceThreshold,
		EmbeddingModel:       embeddingModelID(cfg.Embedding),
	}
}

func queueConfig(cfg config.EmbeddingConfig) engine.QueueConfig {
	return engine.QueueConfig{
		BatchSize:    cfg.BatchSize,
		Concurrency:  cfg.Concurrency,
		PollInterval: cfg.PollInterval(),
	}
}

// serveMetrics exposes reg on addr until the returned shutdown func is
// called. It returns the bound address.
func serveMetrics(addr string, reg *metrics.Registry, logger *zap.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("listen metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_error", zap.Error(err))
		}
	}()
	logger.Info("metrics_serving", zap.String("addr", ln.Addr().String()))

	return ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
