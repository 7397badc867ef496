package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DomainReputation is one (contributor, domain tag) reputation row.
type DomainReputation struct {
	ID            int64   `json:"-"`
	ContributorID string  `json:"-"`
	DomainTag     string  `json:"domain_tag"`
	UpvoteCount   int     `json:"upvote_count"`
	DownvoteCount int     `json:"downvote_count"`
	WilsonScore   float64 `json:"wilson_score"`
	UpdatedAt     int64   `json:"-"`
}

func ensureContributor(ctx context.Context, q querier, id string, at int64) error {
	if id == "" {
		return fmt.Errorf("ensure contributor: empty id")
	}
	_, err := q.ExecContext(ctx,
		"INSERT OR IGNORE INTO contributors (id, reputation_score, created_at) VALUES (?, 0.0, ?)", id, at)
	if err != nil {
		return fmt.Errorf("ensure contributor: %w", err)
	}
	return nil
}

// DomainScores returns the voter's wilson scores for the domain rows that
// match any of tags. Tags with no row are absent from the result.
func (tx *Tx) DomainScores(ctx context.Context, contributorID string, tags []string) ([]float64, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
	args := make([]any, 0, len(tags)+1)
	args = append(args, contributorID)
	for _, t := range tags {
		args = append(args, t)
	}

	rows, err := tx.tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT wilson_score FROM contributor_domain_reputation
		WHERE contributor_id = ? AND domain_tag IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("domain scores: %w", err)
	}
	defer rows.Close()

	var scores []float64
	for rows.Next() {
		var s float64
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan domain score: %w", err)
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

// ContributorScore returns the aggregate reputation score, or nil if the
// contributor has no row.
func (tx *Tx) ContributorScore(ctx context.Context, contributorID string) (*float64, error) {
	var s float64
	err := tx.tx.QueryRowContext(ctx,
		"SELECT reputation_score FROM contributors WHERE id = ?", contributorID).Scan(&s)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contributor score: %w", err)
	}
	return &s, nil
}

// IncrementDomain upserts the (contributor, tag) row, bumping the up or
// down counter, and returns the row as it stands after the increment.
func (tx *Tx) IncrementDomain(ctx context.Context, contributorID, tag string, upvote bool) (*DomainReputation, error) {
	up, down := 0, 1
	if upvote {
		up, down = 1, 0
	}
	now := time.Now().UnixMilli()
	r := DomainReputation{ContributorID: contributorID, DomainTag: tag}
	err := tx.tx.QueryRowContext(ctx, `
		INSERT INTO contributor_domain_reputation
			(contributor_id, domain_tag, upvote_count, downvote_count, wilson_score, updated_at)
		VALUES (?, ?, ?, ?, 0.0, ?)
		`+DomainReputationConflict.OnConflict()+` DO UPDATE SET
			upvote_count = upvote_count + excluded.upvote_count,
			downvote_count = downvote_count + excluded.downvote_count,
			updated_at = excluded.updated_at
		RETURNING id, upvote_count, downvote_count, wilson_score, updated_at
	`, contributorID, tag, up, down, now).Scan(&r.ID, &r.UpvoteCount, &r.DownvoteCount, &r.WilsonScore, &r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("increment domain %q: %w", tag, err)
	}
	return &r, nil
}

// SetDomainWilson stores the wilson score computed from a row's counters.
func (tx *Tx) SetDomainWilson(ctx context.Context, id int64, score float64) error {
	if _, err := tx.tx.ExecContext(ctx,
		"UPDATE contributor_domain_reputation SET wilson_score = ? WHERE id = ?", score, id); err != nil {
		return fmt.Errorf("set domain wilson: %w", err)
	}
	return nil
}

// SumDomainCounts totals a contributor's counters across all domains.
func (tx *Tx) SumDomainCounts(ctx context.Context, contributorID string) (up, down int, err error) {
	err = tx.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(upvote_count), 0), COALESCE(SUM(downvote_count), 0)
		FROM contributor_domain_reputation WHERE contributor_id = ?
	`, contributorID).Scan(&up, &down)
	if err != nil {
		return 0, 0, fmt.Errorf("sum domain counts: %w", err)
	}
	return up, down, nil
}

// SetContributorScore stores the aggregate score, creating the row if needed.
func (tx *Tx) SetContributorScore(ctx context.Context, contributorID string, score float64) error {
	now := time.Now().UnixMilli()
	if err := ensureContributor(ctx, tx.tx, contributorID, now); err != nil {
		return err
	}
	if _, err := tx.tx.ExecContext(ctx,
		"UPDATE contributors SET reputation_score = ? WHERE id = ?", score, contributorID); err != nil {
		return fmt.Errorf("set contributor score: %w", err)
	}
	return nil
}

// Reputation returns a contributor's aggregate score and domain rows sorted
// by wilson score descending. found is false when the contributor is unknown.
func (db *DB) Reputation(ctx context.Context, contributorID string) (score float64, domains []DomainReputation, found bool, err error) {
	err = db.QueryRowContext(ctx,
		"SELECT reputation_score FROM contributors WHERE id = ?", contributorID).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("get contributor: %w", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, contributor_id, domain_tag, upvote_count, downvote_count, wilson_score, updated_at
		FROM contributor_domain_reputation
		WHERE contributor_id = ?
		ORDER BY wilson_score DESC, domain_tag
	`, contributorID)
	if err != nil {
		return 0, nil, false, fmt.Errorf("list domain reputation: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r DomainReputation
		if err := rows.Scan(&r.ID, &r.ContributorID, &r.DomainTag, &r.UpvoteCount, &r.DownvoteCount, &r.WilsonScore, &r.UpdatedAt); err != nil {
			return 0, nil, false, fmt.Errorf("scan domain reputation: %w", err)
		}
		domains = append(domains, r)
	}
	return score, domains, true, rows.Err()
}
