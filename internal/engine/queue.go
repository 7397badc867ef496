package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/commontrace/commontrace/internal/metrics"
	"github.com/commontrace/commontrace/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Queue defaults.
const (
	DefaultBatchSize    = 10
	DefaultConcurrency  = 4
	DefaultClaimLease   = 5 * time.Minute
	DefaultPollInterval = 5 * time.Second
)

// QueueConfig tunes a ClaimQueue. Zero fields take the defaults.
type QueueConfig struct {
	BatchSize    int
	Concurrency  int
	Lease        time.Duration
	PollInterval time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Lease <= 0 {
		c.Lease = DefaultClaimLease
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// ClaimQueue claims batches of traces without a vector and embeds them.
// Any number of queues may run against the same database: each claim is
// disjoint from every other live claim.
type ClaimQueue struct {
	db       *store.DB
	embedder Embedder
	cfg      QueueConfig
	pool     pond.Pool
	metrics  *metrics.Registry
	logger   *zap.Logger
	now      func() time.Time
}

// NewClaimQueue creates a queue. Call Close to release its worker pool.
func NewClaimQueue(db *store.DB, embedder Embedder, cfg QueueConfig, m *metrics.Registry, logger *zap.Logger) *ClaimQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &ClaimQueue{
		db:       db,
		embedder: embedder,
		cfg:      cfg,
		pool:     pond.NewPool(cfg.Concurrency),
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Close stops the worker pool after in-flight embeddings finish.
func (q *ClaimQueue) Close() {
	q.pool.StopAndWait()
}

// ClaimAndEmbed claims up to batchSize traces, embeds them concurrently and
// stores the vectors. It returns how many traces were embedded.
//
// Per-item failures are logged and the item is left for a later batch. If
// the provider reports ErrEmbeddingSkipped the whole batch is abandoned and
// 0 is returned.
func (q *ClaimQueue) ClaimAndEmbed(ctx context.Context, batchSize int) (int, error) {
	claimID := uuid.NewString()
	claimed, err := q.db.ClaimUnembedded(ctx, claimID, batchSize, q.cfg.Lease, q.now())
	if err != nil {
		return 0, fmt.Errorf("claim traces: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	records := make([]*store.VectorRecord, len(claimed))
	var skipped atomic.Bool

	group := q.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, tr := range claimed {
		group.Submit(func() {
			if groupCtx.Err() != nil || skipped.Load() {
				return
			}
			start := time.Now()
			emb, err := q.embedder.Embed(groupCtx, EmbeddingText(tr.Title, tr.ContextText, tr.SolutionText))
			q.metrics.ObserveEmbedding(time.Since(start))
			if errors.Is(err, ErrEmbeddingSkipped) {
				skipped.Store(true)
				return
			}
			if err != nil {
				q.logger.Error("embedding_error", zap.String("trace_id", tr.ID), zap.Error(err))
				q.metrics.EmbeddingProcessed(q.embedder.Model(), "error")
				return
			}
			records[i] = &store.VectorRecord{
				TraceID:      tr.ID,
				Embedding:    emb.Vector,
				Model:        emb.Model,
				ModelVersion: emb.Version,
			}
			q.metrics.EmbeddingProcessed(emb.Model, "success")
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		q.logger.Warn("embedding batch group encountered error", zap.Error(err))
	}

	if skipped.Load() {
		q.logger.Warn("embedding_skipped_no_api_key", zap.Int("batch", len(claimed)))
		q.metrics.EmbeddingProcessed("none", "skipped")
		if err := q.db.ReleaseClaim(context.WithoutCancel(ctx), claimID); err != nil {
			return 0, err
		}
		return 0, nil
	}

	var done []store.VectorRecord
	for _, r := range records {
		if r != nil {
			done = append(done, *r)
		}
	}
	// Saving clears the claim on failed items too, so they are retried.
	if err := q.db.SaveVectors(context.WithoutCancel(ctx), claimID, done); err != nil {
		return 0, fmt.Errorf("save vectors: %w", err)
	}
	for _, r := range done {
		q.logger.Debug("embedding_stored", zap.String("trace_id", r.TraceID), zap.String("model", r.Model))
	}
	return len(done), nil
}

// DetectDrift warns about stored vectors produced by a model other than the
// configured one. It returns the count of such vectors per model.
func (q *ClaimQueue) DetectDrift(ctx context.Context) (map[string]int, error) {
	counts, err := q.db.EmbeddingModelCounts(ctx)
	if err != nil {
		return nil, err
	}
	current := q.embedder.Model()
	drift := make(map[string]int)
	for model, n := range counts {
		if model == current {
			continue
		}
		drift[model] = n
		q.logger.Warn("embedding_model_drift_detected",
			zap.String("existing_model", model),
			zap.String("current_model", current),
			zap.Int("trace_count", n),
		)
	}
	return drift, nil
}

// Run checks for model drift, then claims and embeds a batch every poll
// interval until ctx is cancelled. Errors are logged and the loop goes on.
func (q *ClaimQueue) Run(ctx context.Context) {
	if _, err := q.DetectDrift(ctx); err != nil {
		q.logger.Error("drift_check_failed", zap.Error(err))
	}
	q.logger.Info("embedding_worker_started",
		zap.Duration("poll_interval", q.cfg.PollInterval),
		zap.Int("batch_size", q.cfg.BatchSize),
		zap.String("model", q.embedder.Model()),
	)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n, err := q.ClaimAndEmbed(ctx, q.cfg.BatchSize)
		switch {
		case err != nil && ctx.Err() == nil:
			q.logger.Error("worker_loop_error", zap.Error(err))
		case n > 0:
			q.logger.Info("batch_processed", zap.Int("count", n))
		}

		select {
		case <-ctx.Done():
			q.logger.Info("embedding_worker_stopped")
			return
		case <-ticker.C:
		}
	}
}
