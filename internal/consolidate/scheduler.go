// Package consolidate runs the periodic maintenance cycle over the trace
// corpus: trust decay, temperature reclassification, co-retrieval links,
// log pruning, prospective review, convergence clustering and pattern
// synthesis. Each job is isolated; one failing does not stop the rest.
package consolidate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/commontrace/commontrace/internal/llm"
	"github.com/commontrace/commontrace/internal/metrics"
	"github.com/commontrace/commontrace/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job names, also the stats keys they report under.
const (
	JobTrustDecay     = "trust_downscaled"
	JobTemperature    = "temperature_computation"
	JobCoRetrieval    = "co_retrieval_links"
	JobPruneLogs      = "logs_pruned"
	JobProspective    = "prospective_staled"
	JobConvergence    = "convergence_detected"
	JobSynthesis      = "patterns_synthesized"
	statMaturityTier  = "maturity_tier"
	statErrors        = "errors"
	statusErrorMarker = "error"
)

// Config tunes the cycle. Zero fields take the defaults.
type Config struct {
	Interval             time.Duration
	RetrievalWindow      time.Duration
	StaleAge             time.Duration
	CoRetrievalCap       int
	FlagThreshold        float64
	MaxClustersPerCycle  int
	MinClusterSize       int
	MaxSynthesisSources  int
	ConvergenceThreshold float64
	// WarmUp delays the first cycle after Start. Later cycles follow
	// Interval.
	WarmUp time.Duration
	// EmbeddingModel selects the vectors clustered. Empty means the model
	// with the most stored vectors.
	EmbeddingModel string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	if c.RetrievalWindow <= 0 {
		c.RetrievalWindow = 30 * day
	}
	if c.StaleAge <= 0 {
		c.StaleAge = 180 * day
	}
	if c.CoRetrievalCap <= 0 {
		c.CoRetrievalCap = 10
	}
	if c.FlagThreshold == 0 {
		c.FlagThreshold = -2.0
	}
	if c.MaxClustersPerCycle <= 0 {
		c.MaxClustersPerCycle = 3
	}
	if c.MinClusterSize <= 0 {
		c.MinClusterSize = 5
	}
	if c.MaxSynthesisSources <= 0 {
		c.MaxSynthesisSources = llm.MaxSynthesisSources
	}
	if c.ConvergenceThreshold <= 0 {
		c.ConvergenceThreshold = 0.9
	}
	if c.WarmUp <= 0 {
		c.WarmUp = 60 * time.Second
	}
	return c
}

// Result is the outcome of one RunCycle call.
type Result struct {
	Skipped bool
	Run     *store.ConsolidationRun
	Tier    Tier
	Stats   map[string]any
	Errors  []string
}

type job struct {
	name string
	run  func(ctx context.Context) (any, error)
}

// Scheduler runs consolidation cycles.
type Scheduler struct {
	db      *store.DB
	cfg     Config
	llm     llm.Client
	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time

	// jobHook, when set, rewrites the job list of each cycle.
	jobHook func([]job) []job

	mu     sync.Mutex
	cron   *cron.Cron
	stopCh chan struct{}
	warmed chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLLM sets the synthesis client. Without one, synthesis is skipped.
func WithLLM(c llm.Client) Option {
	return func(s *Scheduler) { s.llm = c }
}

// WithMetrics records job outcomes on m.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler over db.
func New(db *store.DB, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		db:     db,
		cfg:    cfg.withDefaults(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunCycle runs one cycle unless a completed run finished within the
// interval, in which case it returns a skipped Result and records nothing.
//
// The guard is best-effort: two schedulers that start together can both
// pass it. Every job tolerates that; overlap only repeats work.
func (s *Scheduler) RunCycle(ctx context.Context) (*Result, error) {
	start := s.now()
	recent, err := s.db.HasCompletedRunSince(ctx, start.Add(-s.cfg.Interval))
	if err != nil {
		return nil, err
	}
	if recent {
		s.logger.Info("consolidation_skipped", zap.String("reason", "recent_run_exists"))
		return &Result{Skipped: true}, nil
	}

	run, err := s.db.StartRun(ctx, start)
	if err != nil {
		return nil, err
	}

	res := &Result{Run: run, Stats: map[string]any{}, Errors: []string{}}
	tier, err := s.tier(ctx, start)
	if err != nil {
		s.logger.Error("consolidation_job_failed", zap.String("job", statMaturityTier), zap.Error(err))
		res.Errors = append(res.Errors, statMaturityTier)
	}
	res.Tier = tier
	res.Stats[statMaturityTier] = string(tier)

	for _, j := range s.jobs(tier, start) {
		out, err := s.runJob(ctx, j)
		if err != nil {
			s.logger.Error("consolidation_job_failed", zap.String("job", j.name), zap.Error(err))
			s.metrics.ConsolidationJob(j.name, "error")
			res.Stats[j.name] = statusErrorMarker
			res.Errors = append(res.Errors, j.name)
			continue
		}
		s.metrics.ConsolidationJob(j.name, "ok")
		if m, ok := out.(map[string]any); ok {
			for k, v := range m {
				res.Stats[k] = v
			}
		} else {
			res.Stats[j.name] = out
		}
	}
	res.Stats[statErrors] = res.Errors

	status := store.RunCompleted
	if len(res.Errors) > 0 {
		status = store.RunPartial
	}
	// The record is finalized even if ctx was cancelled mid-cycle.
	if err := s.db.FinishRun(context.WithoutCancel(ctx), run, status, res.Stats, s.now()); err != nil {
		return res, err
	}

	if status == store.RunPartial {
		s.logger.Warn("consolidation_partial", zap.Strings("failed_jobs", res.Errors), zap.Any("stats", res.Stats))
	} else {
		s.logger.Info("consolidation_completed", zap.Any("stats", res.Stats))
	}
	return res, nil
}

func (s *Scheduler) tier(ctx context.Context, now time.Time) (Tier, error) {
	count, oldest, err := s.db.CountTraces(ctx)
	if err != nil {
		return TierSeed, err
	}
	return ClassifyTier(count, oldest, now), nil
}

func (s *Scheduler) jobs(tier Tier, now time.Time) []job {
	jobs := []job{
		{JobTrustDecay, func(ctx context.Context) (any, error) { return s.decayTrust(ctx, tier.DecayFactor()) }},
		{JobTemperature, func(ctx context.Context) (any, error) { return s.computeTemperatures(ctx, now) }},
		{JobCoRetrieval, func(ctx context.Context) (any, error) { return s.buildCoRetrievalLinks(ctx, now) }},
		{JobPruneLogs, func(ctx context.Context) (any, error) {
			return s.db.PruneRetrievalLogs(ctx, now.Add(-s.cfg.RetrievalWindow))
		}},
		{JobProspective, func(ctx context.Context) (any, error) { return s.db.FreezeOverdueReviews(ctx, now) }},
	}
	if tier.Clusters() {
		jobs = append(jobs, job{JobConvergence, s.detectConvergence})
	}
	if tier.Synthesizes() {
		jobs = append(jobs, job{JobSynthesis, s.synthesizePatterns})
	}
	if s.jobHook != nil {
		jobs = s.jobHook(jobs)
	}
	return jobs
}

// runJob runs j, turning a panic into an error.
func (s *Scheduler) runJob(ctx context.Context, j job) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.name, r)
		}
	}()
	return j.run(ctx)
}

func (s *Scheduler) decayTrust(ctx context.Context, factor float64) (any, error) {
	if factor >= 1.0 {
		return int64(0), nil
	}
	return s.db.DecayPositiveTrust(ctx, factor)
}

func (s *Scheduler) computeTemperatures(ctx context.Context, now time.Time) (any, error) {
	inputs, err := s.db.TemperatureInputs(ctx)
	if err != nil {
		return nil, err
	}
	changed := make(map[string]string)
	distribution := make(map[string]int)
	for _, in := range inputs {
		temp := ClassifyTemperature(in, now, s.cfg.StaleAge)
		distribution[temp]++
		if temp != in.MemoryTemperature {
			changed[in.ID] = temp
		}
	}
	if err := s.db.SetTemperatures(ctx, changed); err != nil {
		return nil, err
	}
	flagged, err := s.db.FlagBelow(ctx, s.cfg.FlagThreshold, now)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"temperatures_changed":     len(changed),
		"temperature_distribution": distribution,
		"newly_flagged":            flagged,
	}, nil
}

func (s *Scheduler) buildCoRetrievalLinks(ctx context.Context, now time.Time) (any, error) {
	sessions, err := s.db.RetrievalSessions(ctx, now.Add(-s.cfg.RetrievalWindow), s.cfg.CoRetrievalCap)
	if err != nil {
		return nil, err
	}
	var pairs [][2]string
	for _, ids := range sessions {
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				pairs = append(pairs, [2]string{ids[i], ids[j]})
			}
		}
	}
	return s.db.LinkCoRetrieved(ctx, pairs, now)
}

// Start runs a first cycle after the warm-up, then one every interval,
// until Stop or ctx is done. A cycle still running when the next one is
// due is skipped. RunCycle's guard makes the early first cycle a no-op
// when a recent run already exists.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	logger := cronLogger{s.logger.Sugar()}
	cycle := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RunCycle(ctx); err != nil {
			s.logger.Error("consolidation_worker_error", zap.Error(err))
		}
	}))

	c := cron.New()
	c.Schedule(cron.Every(s.cfg.Interval), cycle)
	c.Start()

	stopCh, warmed := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(warmed)
		t := time.NewTimer(s.cfg.WarmUp)
		defer t.Stop()
		select {
		case <-t.C:
			cycle.Run()
		case <-stopCh:
		case <-ctx.Done():
		}
	}()

	s.cron, s.stopCh, s.warmed = c, stopCh, warmed
	s.logger.Info("consolidation_worker_started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("warm_up", s.cfg.WarmUp),
	)
	return nil
}

// Stop stops scheduling and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, stopCh, warmed := s.cron, s.stopCh, s.warmed
	s.cron, s.stopCh, s.warmed = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	close(stopCh)
	<-warmed
	<-c.Stop().Done()
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Errorw(msg, append(keysAndValues, "error", err)...)
}
