package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Vote types.
const (
	VoteUp   = "up"
	VoteDown = "down"
)

// Vote is one contributor's up/down judgement on a trace.
type Vote struct {
	ID           string `json:"id"`
	TraceID      string `json:"trace_id"`
	VoterID      string `json:"voter_id"`
	VoteType     string `json:"vote_type"`
	FeedbackTag  string `json:"feedback_tag,omitempty"`
	FeedbackText string `json:"feedback_text,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// TrustState is the slice of a trace the promotion check reads.
type TrustState struct {
	Status            string
	TrustScore        float64
	ConfirmationCount int
}

// InsertVote inserts the vote row. A second vote by the same voter on the
// same trace fails with a *UniqueViolation targeting VoteConflict.
func (tx *Tx) InsertVote(ctx context.Context, v *Vote) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt == 0 {
		v.CreatedAt = time.Now().UnixMilli()
	}
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO votes (id, trace_id, voter_id, vote_type, feedback_tag, feedback_text, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?)
	`, v.ID, v.TraceID, v.VoterID, v.VoteType, v.FeedbackTag, v.FeedbackText, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert vote: %w", asUniqueViolation(err, VoteConflict))
	}
	return nil
}

// ApplyTrustDelta adds delta to trust_score and one to confirmation_count
// in a single server-side expression. Returns false if the trace is gone.
func (tx *Tx) ApplyTrustDelta(ctx context.Context, traceID string, delta float64) (bool, error) {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE traces
		SET trust_score = trust_score + ?, confirmation_count = confirmation_count + 1, updated_at = ?
		WHERE id = ?
	`, delta, time.Now().UnixMilli(), traceID)
	if err != nil {
		return false, fmt.Errorf("apply trust delta: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TrustState re-reads the promotion inputs of a trace, or nil if not found.
func (tx *Tx) TrustState(ctx context.Context, traceID string) (*TrustState, error) {
	var s TrustState
	err := tx.tx.QueryRowContext(ctx,
		"SELECT status, trust_score, confirmation_count FROM traces WHERE id = ?", traceID,
	).Scan(&s.Status, &s.TrustScore, &s.ConfirmationCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trust state: %w", err)
	}
	return &s, nil
}

// Promote moves a pending trace to validated. The status guard makes it
// idempotent; it reports whether this call performed the transition.
func (tx *Tx) Promote(ctx context.Context, traceID string) (bool, error) {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE traces SET status = 'validated', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, time.Now().UnixMilli(), traceID)
	if err != nil {
		return false, fmt.Errorf("promote trace: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// VotesForTrace lists the votes on a trace, oldest first.
func (db *DB) VotesForTrace(ctx context.Context, traceID string) ([]Vote, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, trace_id, voter_id, vote_type, COALESCE(feedback_tag, ''), COALESCE(feedback_text, ''), created_at
		FROM votes WHERE trace_id = ? ORDER BY created_at, id
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("votes for trace: %w", err)
	}
	defer rows.Close()

	var votes []Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.ID, &v.TraceID, &v.VoterID, &v.VoteType, &v.FeedbackTag, &v.FeedbackText, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}
