package trust

import (
	"context"
	"errors"
	"fmt"

	"github.com/commontrace/commontrace/internal/store"
	"go.uber.org/zap"
)

// DefaultValidationThreshold is the number of accepted votes a trace needs
// before it can be promoted.
const DefaultValidationThreshold = 2

var (
	// ErrDuplicateVote is returned when the voter already voted on the trace.
	ErrDuplicateVote = errors.New("already voted on this trace")
	// ErrTraceNotFound is returned when the voted trace does not exist.
	ErrTraceNotFound = errors.New("trace not found")
	// ErrInvalidVoteType is returned for a vote type other than up or down.
	ErrInvalidVoteType = errors.New("vote type must be up or down")
)

// ApplyResult reports what one ApplyVote call changed.
type ApplyResult struct {
	Applied  bool `json:"applied"`
	Promoted bool `json:"promoted"`
}

// Updater applies accepted votes to trace trust and runs the
// pending -> validated promotion check.
type Updater struct {
	threshold int
	logger    *zap.Logger
}

// NewUpdater creates an Updater promoting at threshold confirmations.
func NewUpdater(threshold int, logger *zap.Logger) *Updater {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Updater{threshold: threshold, logger: logger}
}

// ApplyVote inserts the vote, adds ±weight to the trace's trust score and
// one to its confirmation count, then promotes the trace if it has enough
// confirmations and positive trust.
//
// A second vote by the same voter returns ErrDuplicateVote before any trust
// state is touched; the caller's transaction must then be rolled back.
func (u *Updater) ApplyVote(ctx context.Context, tx *store.Tx, vote *store.Vote, weight float64) (ApplyResult, error) {
	delta := weight
	switch vote.VoteType {
	case store.VoteUp:
	case store.VoteDown:
		delta = -weight
	default:
		return ApplyResult{}, ErrInvalidVoteType
	}

	if err := tx.InsertVote(ctx, vote); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return ApplyResult{}, ErrDuplicateVote
		}
		return ApplyResult{}, fmt.Errorf("apply vote: %w", err)
	}

	ok, err := tx.ApplyTrustDelta(ctx, vote.TraceID, delta)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("apply vote: %w", err)
	}
	if !ok {
		return ApplyResult{}, ErrTraceNotFound
	}

	promoted, err := u.checkPromotion(ctx, tx, vote.TraceID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("apply vote: %w", err)
	}
	return ApplyResult{Applied: true, Promoted: promoted}, nil
}

// checkPromotion re-reads the trace after the delta and promotes it when
// eligible. Promotion is guarded on status, so re-running it is harmless.
func (u *Updater) checkPromotion(ctx context.Context, tx *store.Tx, traceID string) (bool, error) {
	state, err := tx.TrustState(ctx, traceID)
	if err != nil {
		return false, err
	}
	if state == nil || state.Status != store.StatusPending {
		return false, nil
	}
	if state.ConfirmationCount < u.threshold || state.TrustScore <= 0 {
		return false, nil
	}

	promoted, err := tx.Promote(ctx, traceID)
	if err != nil {
		return false, err
	}
	if promoted {
		u.logger.Info("trace_promoted",
			zap.String("trace_id", traceID),
			zap.Float64("trust_score", state.TrustScore),
			zap.Int("confirmation_count", state.ConfirmationCount),
		)
	}
	return promoted, nil
}
