package trust

import (
	"context"
	"fmt"

	"github.com/commontrace/commontrace/internal/store"
	"go.uber.org/zap"
)

// DefaultBaseWeight is the vote weight floor for contributors with no
// track record.
const DefaultBaseWeight = 0.1

// Propagator maintains per-domain reputation and turns it into vote weights.
type Propagator struct {
	baseWeight float64
	logger     *zap.Logger
}

// NewPropagator creates a Propagator with the given weight floor.
func NewPropagator(baseWeight float64, logger *zap.Logger) *Propagator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Propagator{baseWeight: baseWeight, logger: logger}
}

// WeightFor returns the weight of a vote cast by voterID on a trace tagged
// with tags. Untagged traces use the voter's aggregate score; tagged traces
// use the voter's best matching domain score. Neither goes below the floor.
func (p *Propagator) WeightFor(ctx context.Context, tx *store.Tx, voterID string, tags []string) (float64, error) {
	if len(tags) == 0 {
		score, err := tx.ContributorScore(ctx, voterID)
		if err != nil {
			return 0, fmt.Errorf("weight for %s: %w", voterID, err)
		}
		if score == nil {
			return p.baseWeight, nil
		}
		return max(p.baseWeight, *score), nil
	}

	normalized := make([]string, 0, len(tags))
	for _, t := range tags {
		normalized = append(normalized, store.NormalizeTag(t))
	}
	scores, err := tx.DomainScores(ctx, voterID, normalized)
	if err != nil {
		return 0, fmt.Errorf("weight for %s: %w", voterID, err)
	}
	weight := p.baseWeight
	for _, s := range scores {
		weight = max(weight, s)
	}
	return weight, nil
}

// RecordVote credits a vote to contributorID in every domain in tags, then
// recomputes the contributor's aggregate score. Each domain row's wilson
// score is derived from the counters returned by its own upsert. No-op when
// tags is empty.
func (p *Propagator) RecordVote(ctx context.Context, tx *store.Tx, contributorID string, tags []string, upvote bool) error {
	if len(tags) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(tags))
	for _, raw := range tags {
		tag := store.NormalizeTag(raw)
		if !store.ValidTag(tag) || seen[tag] {
			continue
		}
		seen[tag] = true

		row, err := tx.IncrementDomain(ctx, contributorID, tag, upvote)
		if err != nil {
			return fmt.Errorf("record vote: %w", err)
		}
		score := WilsonLowerBound(row.UpvoteCount, row.UpvoteCount+row.DownvoteCount)
		if err := tx.SetDomainWilson(ctx, row.ID, score); err != nil {
			return fmt.Errorf("record vote: %w", err)
		}
	}

	up, down, err := tx.SumDomainCounts(ctx, contributorID)
	if err != nil {
		return fmt.Errorf("record vote: %w", err)
	}
	aggregate := WilsonLowerBound(up, up+down)
	if err := tx.SetContributorScore(ctx, contributorID, aggregate); err != nil {
		return fmt.Errorf("record vote: %w", err)
	}

	p.logger.Debug("reputation_updated",
		zap.String("contributor_id", contributorID),
		zap.Int("domains", len(seen)),
		zap.Float64("aggregate", aggregate),
	)
	return nil
}
