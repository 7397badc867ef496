package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Trace status values. Status only ever moves pending -> validated.
const (
	StatusPending   = "pending"
	StatusValidated = "validated"
)

// Trace types.
const (
	TraceEpisodic = "episodic"
	TracePattern  = "pattern"
)

// Memory temperatures, warmest first.
const (
	TempHot    = "HOT"
	TempWarm   = "WARM"
	TempCool   = "COOL"
	TempCold   = "COLD"
	TempFrozen = "FROZEN"
)

// Trace is a community-submitted problem/solution record.
type Trace struct {
	ID                string
	Title             string
	ContextText       string
	SolutionText      string
	ContributorID     string
	TraceType         string
	Status            string
	TrustScore        float64
	ConfirmationCount int
	IsFlagged         bool
	IsStale           bool
	MemoryTemperature string
	DepthScore        float64
	RetrievalCount    int
	LastRetrievedAt   *int64
	ReviewAfter       *int64
	ClusterID         string
	ConvergenceLevel  *int
	Metadata          map[string]any
	Tags              []string // loaded by GetTrace and the cluster queries
	CreatedAt         int64
	UpdatedAt         int64
}

const traceColumns = `id, title, context_text, solution_text, contributor_id, trace_type,
	status, trust_score, confirmation_count, is_flagged, is_stale, memory_temperature,
	depth_score, retrieval_count, last_retrieved_at, review_after,
	convergence_cluster_id, convergence_level, metadata_json, created_at, updated_at`

var validTagPattern = regexp.MustCompile(`^[a-z0-9._-]+$`)

// NormalizeTag trims, lowercases and truncates a tag to 50 characters.
// Every path that stores or looks up a tag goes through here first.
func NormalizeTag(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	if len(t) > 50 {
		t = t[:50]
	}
	return t
}

// ValidTag reports whether a normalized tag is non-empty and uses only
// [a-z0-9._-].
func ValidTag(normalized string) bool {
	return normalized != "" && validTagPattern.MatchString(normalized)
}

// normalizeTags returns the valid, de-duplicated normalized tags.
func normalizeTags(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, r := range raw {
		t := NormalizeTag(r)
		if !ValidTag(t) || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// CreateTrace inserts a new trace with its tags in one transaction.
func (db *DB) CreateTrace(ctx context.Context, t *Trace) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertTrace(ctx, t)
	})
}

// InsertTrace inserts a trace, its contributor row (if new) and its tags.
// Zero-valued lifecycle fields get their defaults: pending, episodic, HOT.
func (tx *Tx) InsertTrace(ctx context.Context, t *Trace) error {
	now := time.Now().UnixMilli()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.TraceType == "" {
		t.TraceType = TraceEpisodic
	}
	if t.MemoryTemperature == "" {
		t.MemoryTemperature = TempHot
	}
	t.Tags = normalizeTags(t.Tags)

	if err := ensureContributor(ctx, tx.tx, t.ContributorID, t.CreatedAt); err != nil {
		return err
	}

	var metadata sql.NullString
	if t.Metadata != nil {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}

	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO traces (id, title, context_text, solution_text, contributor_id, trace_type,
			status, trust_score, confirmation_count, is_flagged, is_stale, memory_temperature,
			depth_score, retrieval_count, last_retrieved_at, review_after,
			convergence_cluster_id, convergence_level, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?)
	`, t.ID, t.Title, t.ContextText, t.SolutionText, t.ContributorID, t.TraceType,
		t.Status, t.TrustScore, t.ConfirmationCount, boolInt(t.IsFlagged), boolInt(t.IsStale), t.MemoryTemperature,
		t.DepthScore, t.RetrievalCount, t.LastRetrievedAt, t.ReviewAfter,
		t.ClusterID, t.ConvergenceLevel, metadata, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}

	for _, tag := range t.Tags {
		if _, err := tx.tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO trace_tags (trace_id, tag) VALUES (?, ?)", t.ID, tag); err != nil {
			return fmt.Errorf("insert trace tag %q: %w", tag, err)
		}
	}
	return nil
}

// GetTrace returns a trace with its tags, or nil if not found.
func (db *DB) GetTrace(ctx context.Context, id string) (*Trace, error) {
	return getTrace(ctx, db.DB, id)
}

// GetTrace reads a trace inside the transaction, or nil if not found.
func (tx *Tx) GetTrace(ctx context.Context, id string) (*Trace, error) {
	return getTrace(ctx, tx.tx, id)
}

func getTrace(ctx context.Context, q querier, id string) (*Trace, error) {
	row := q.QueryRowContext(ctx, "SELECT "+traceColumns+" FROM traces WHERE id = ?", id)
	t, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}
	tags, err := traceTags(ctx, q, id)
	if err != nil {
		return nil, err
	}
	t.Tags = tags
	return t, nil
}

func traceTags(ctx context.Context, q querier, traceID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, "SELECT tag FROM trace_tags WHERE trace_id = ? ORDER BY tag", traceID)
	if err != nil {
		return nil, fmt.Errorf("trace tags: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// CountTraces returns the corpus size and the creation time of the oldest
// trace (0 when empty).
func (db *DB) CountTraces(ctx context.Context) (count int, oldest int64, err error) {
	err = db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(MIN(created_at), 0) FROM traces").Scan(&count, &oldest)
	if err != nil {
		return 0, 0, fmt.Errorf("count traces: %w", err)
	}
	return count, oldest, nil
}

// TraceTexts returns title, context and solution of up to limit traces,
// newest first, joined by newlines.
func (db *DB) TraceTexts(ctx context.Context, limit int) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT title || char(10) || context_text || char(10) || solution_text
		FROM traces ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("trace texts: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan trace text: %w", err)
		}
		texts = append(texts, s)
	}
	return texts, rows.Err()
}

// RecordRetrieval logs that a trace was returned to a search session and
// bumps its retrieval counters.
func (db *DB) RecordRetrieval(ctx context.Context, traceID, searchSessionID string, at time.Time) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		ms := at.UnixMilli()
		if _, err := tx.tx.ExecContext(ctx, `
			INSERT INTO retrieval_logs (trace_id, search_session_id, retrieved_at) VALUES (?, ?, ?)
		`, traceID, searchSessionID, ms); err != nil {
			return fmt.Errorf("insert retrieval log: %w", err)
		}
		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE traces SET retrieval_count = retrieval_count + 1,
				last_retrieved_at = MAX(COALESCE(last_retrieved_at, 0), ?)
			WHERE id = ?
		`, ms, traceID); err != nil {
			return fmt.Errorf("touch trace: %w", err)
		}
		return nil
	})
}

// SetReviewAfter schedules a prospective review for a trace.
func (db *DB) SetReviewAfter(ctx context.Context, traceID string, at time.Time) error {
	_, err := db.ExecContext(ctx, "UPDATE traces SET review_after = ? WHERE id = ?", at.UnixMilli(), traceID)
	if err != nil {
		return fmt.Errorf("set review_after: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrace(row rowScanner) (*Trace, error) {
	var t Trace
	var flagged, stale int
	var lastRetrieved, reviewAfter, level sql.NullInt64
	var clusterID, metadata sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &t.ContextText, &t.SolutionText, &t.ContributorID, &t.TraceType,
		&t.Status, &t.TrustScore, &t.ConfirmationCount, &flagged, &stale, &t.MemoryTemperature,
		&t.DepthScore, &t.RetrievalCount, &lastRetrieved, &reviewAfter,
		&clusterID, &level, &metadata, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.IsFlagged = flagged != 0
	t.IsStale = stale != 0
	t.ClusterID = clusterID.String
	if lastRetrieved.Valid {
		t.LastRetrievedAt = &lastRetrieved.Int64
	}
	if reviewAfter.Valid {
		t.ReviewAfter = &reviewAfter.Int64
	}
	if level.Valid {
		l := int(level.Int64)
		t.ConvergenceLevel = &l
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanTraces(rows *sql.Rows) ([]Trace, error) {
	var traces []Trace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		traces = append(traces, *t)
	}
	return traces, rows.Err()
}
