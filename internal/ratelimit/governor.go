// Package ratelimit implements per-(subject, class) token bucket admission
// control. Check-and-consume is a single atomic operation against a
// BucketStore: a Lua script on Redis, or xsync's Compute in process.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/commontrace/commontrace/internal/metrics"
	"go.uber.org/zap"
)

const (
	// RefillWindow is the time an empty bucket takes to refill completely.
	RefillWindow = 60 * time.Second
	// BucketTTL is how long an untouched bucket is kept.
	BucketTTL = 2 * RefillWindow
	// RetryAfter is the hint returned on every denial. It is a fixed policy
	// value, not an estimate of when the next token arrives.
	RetryAfter = 60 * time.Second
)

// Bucket classes.
const (
	ClassRead  = "read"
	ClassWrite = "write"
)

// BucketStore refills and takes one token from the bucket under key in a
// single atomic step. It returns whether a token was taken and the tokens
// left afterwards.
type BucketStore interface {
	Take(ctx context.Context, key string, capacity, ratePerSec float64, now time.Time) (allowed bool, remaining float64, err error)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Governor admits or denies requests per (subject, class).
type Governor struct {
	store   BucketStore
	now     func() time.Time
	metrics *metrics.Registry
	logger  *zap.Logger
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithMetrics records every decision on m.
func WithMetrics(m *metrics.Registry) Option {
	return func(g *Governor) { g.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// New creates a Governor over store.
func New(store BucketStore, opts ...Option) *Governor {
	g := &Governor{store: store, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Key returns the bucket key for a subject and class.
func Key(subject, class string) string {
	return subject + ":" + class
}

// Allow consumes one token from the (subject, class) bucket. The bucket
// holds capacityPerMinute tokens and refills at capacityPerMinute/60 per
// second.
func (g *Governor) Allow(ctx context.Context, subject, class string, capacityPerMinute int) (Decision, error) {
	if capacityPerMinute <= 0 {
		return Decision{}, fmt.Errorf("rate limit %s: capacity must be positive, got %d", class, capacityPerMinute)
	}
	capacity := float64(capacityPerMinute)
	rate := capacity / RefillWindow.Seconds()

	allowed, remaining, err := g.store.Take(ctx, Key(subject, class), capacity, rate, g.now())
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", class, err)
	}
	g.metrics.RateLimit(class, allowed)

	d := Decision{
		Allowed:   allowed,
		Limit:     capacityPerMinute,
		Remaining: int(math.Floor(remaining)),
	}
	if !allowed {
		d.RetryAfter = RetryAfter
		g.logger.Info("rate_limited", zap.String("subject", subject), zap.String("class", class))
	}
	return d, nil
}
