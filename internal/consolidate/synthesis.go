package consolidate

import (
	"context"
	"errors"
	"time"

	"github.com/commontrace/commontrace/internal/llm"
	"github.com/commontrace/commontrace/internal/store"
	"go.uber.org/zap"
)

// synthesizePatterns turns large convergence clusters without a pattern
// into pattern traces. At most MaxClustersPerCycle clusters are sent to
// the model per cycle. A missing model credential ends the job early and
// is reported as a skip.
func (s *Scheduler) synthesizePatterns(ctx context.Context) (any, error) {
	candidates, err := s.db.SynthesisCandidates(ctx, s.cfg.MinClusterSize)
	if err != nil {
		return nil, err
	}

	created, attempted := 0, 0
	for _, c := range candidates {
		if attempted >= s.cfg.MaxClustersPerCycle {
			break
		}
		exists, err := s.db.HasPattern(ctx, c.ClusterID)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		sources, err := s.db.ClusterSources(ctx, c.ClusterID, s.cfg.MaxSynthesisSources)
		if err != nil {
			return nil, err
		}
		if len(sources) < s.cfg.MinClusterSize {
			continue
		}
		attempted++

		level := len(convergenceKeys)
		if c.Level != nil {
			level = *c.Level
		}

		syn, err := s.synthesize(ctx, sources, level)
		if errors.Is(err, llm.ErrSynthesisSkipped) {
			s.logger.Warn("narrative_synthesis_skipped_no_api_key")
			return map[string]any{"patterns_synthesized": created, "synthesis_skipped": true}, nil
		}
		if err != nil {
			s.logger.Error("narrative_synthesis_failed", zap.String("cluster_id", c.ClusterID), zap.Error(err))
			continue
		}

		pattern := newPattern(syn, sources, c.ClusterID, level, s.now())
		ids := make([]string, len(sources))
		for i, src := range sources {
			ids[i] = src.ID
		}
		if err := s.db.CreatePattern(ctx, pattern, ids); err != nil {
			return nil, err
		}
		created++
		s.logger.Info("pattern_trace_created",
			zap.String("pattern_id", pattern.ID),
			zap.String("cluster_id", c.ClusterID),
			zap.Int("source_count", len(sources)),
		)
	}
	return map[string]any{"patterns_synthesized": created}, nil
}

func (s *Scheduler) synthesize(ctx context.Context, sources []store.Trace, level int) (*llm.Synthesis, error) {
	if s.llm == nil {
		return nil, llm.ErrSynthesisSkipped
	}
	in := make([]llm.Source, len(sources))
	for i, t := range sources {
		in[i] = llm.Source{Title: t.Title, ContextText: t.ContextText, SolutionText: t.SolutionText, Tags: t.Tags}
	}
	return llm.Synthesize(ctx, s.llm, in, level)
}

// newPattern builds the pattern trace for a cluster: validated, trusted at
// the sources' mean, owned by the most trusted source's contributor.
func newPattern(syn *llm.Synthesis, sources []store.Trace, clusterID string, level int, now time.Time) *store.Trace {
	var trust, depth float64
	for _, t := range sources {
		trust += t.TrustScore
		depth += t.DepthScore
	}
	n := float64(len(sources))
	lvl := level
	return &store.Trace{
		Title:             syn.Title,
		ContextText:       syn.ContextText,
		SolutionText:      syn.SolutionText,
		ContributorID:     sources[0].ContributorID,
		TraceType:         store.TracePattern,
		Status:            store.StatusValidated,
		TrustScore:        trust / n,
		DepthScore:        depth / n,
		MemoryTemperature: store.TempWarm,
		ClusterID:         clusterID,
		ConvergenceLevel:  &lvl,
		Tags:              syn.Tags,
		Metadata: map[string]any{
			"source_count": len(sources),
			"synthesized":  true,
		},
		CreatedAt: now.UnixMilli(),
	}
}
