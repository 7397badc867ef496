package consolidate

import "time"

// Tier is the maturity of the corpus. It picks the decay factor and which
// jobs run.
type Tier string

const (
	TierSeed    Tier = "seed"
	TierGrowing Tier = "growing"
	TierMature  Tier = "mature"
)

const (
	growingMinTraces = 100
	matureMinTraces  = 1000
	matureMinAge     = 30 * 24 * time.Hour
)

// ClassifyTier returns the tier of a corpus of count traces whose oldest
// trace was created at oldest (unix ms).
func ClassifyTier(count int, oldest int64, now time.Time) Tier {
	switch {
	case count >= matureMinTraces && oldest > 0 && now.Sub(time.UnixMilli(oldest)) >= matureMinAge:
		return TierMature
	case count >= growingMinTraces:
		return TierGrowing
	default:
		return TierSeed
	}
}

// DecayFactor is the multiplier applied to positive trust scores each cycle.
func (t Tier) DecayFactor() float64 {
	switch t {
	case TierMature:
		return 0.95
	case TierGrowing:
		return 0.99
	default:
		return 1.0
	}
}

// Clusters reports whether convergence detection runs at this tier.
func (t Tier) Clusters() bool { return t == TierGrowing || t == TierMature }

// Synthesizes reports whether pattern synthesis runs at this tier.
func (t Tier) Synthesizes() bool { return t == TierMature }
