package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Relationship types.
const (
	RelCoRetrieved   = "CO_RETRIEVED"
	RelPatternSource = "PATTERN_SOURCE"
)

// TemperatureInput is what temperature classification reads per trace.
type TemperatureInput struct {
	ID                string
	CreatedAt         int64
	LastRetrievedAt   *int64
	RetrievalCount    int
	TrustScore        float64
	DepthScore        float64
	MemoryTemperature string
}

// ClusterCandidate is a convergence cluster with enough episodic members.
type ClusterCandidate struct {
	ClusterID string
	Level     *int
	Size      int
}

// DecayPositiveTrust multiplies every positive trust score by factor in one
// statement. Non-positive scores are never touched.
func (db *DB) DecayPositiveTrust(ctx context.Context, factor float64) (int64, error) {
	res, err := db.ExecContext(ctx,
		"UPDATE traces SET trust_score = trust_score * ? WHERE trust_score > 0", factor)
	if err != nil {
		return 0, fmt.Errorf("decay trust: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TemperatureInputs reads the classification inputs of every trace.
func (db *DB) TemperatureInputs(ctx context.Context) ([]TemperatureInput, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, created_at, last_retrieved_at, retrieval_count, trust_score, depth_score, memory_temperature
		FROM traces ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("temperature inputs: %w", err)
	}
	defer rows.Close()

	var out []TemperatureInput
	for rows.Next() {
		var in TemperatureInput
		var last *int64
		if err := rows.Scan(&in.ID, &in.CreatedAt, &last, &in.RetrievalCount,
			&in.TrustScore, &in.DepthScore, &in.MemoryTemperature); err != nil {
			return nil, fmt.Errorf("scan temperature input: %w", err)
		}
		in.LastRetrievedAt = last
		out = append(out, in)
	}
	return out, rows.Err()
}

// SetTemperatures persists new temperatures. FROZEN sets is_stale, any
// other temperature clears it.
func (db *DB) SetTemperatures(ctx context.Context, temps map[string]string) error {
	if len(temps) == 0 {
		return nil
	}
	return db.WithTx(ctx, func(tx *Tx) error {
		for id, temp := range temps {
			if _, err := tx.tx.ExecContext(ctx, `
				UPDATE traces SET memory_temperature = ?, is_stale = ? WHERE id = ?
			`, temp, boolInt(temp == TempFrozen), id); err != nil {
				return fmt.Errorf("set temperature for %s: %w", id, err)
			}
		}
		return nil
	})
}

// FlagBelow flags unflagged traces whose trust fell under threshold.
// It never unflags.
func (db *DB) FlagBelow(ctx context.Context, threshold float64, at time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE traces SET is_flagged = 1, flagged_at = ?
		WHERE trust_score < ? AND is_flagged = 0
	`, at.UnixMilli(), threshold)
	if err != nil {
		return 0, fmt.Errorf("flag traces: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// FreezeOverdueReviews freezes traces whose review date has passed and
// that are not already stale.
func (db *DB) FreezeOverdueReviews(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE traces SET is_stale = 1, memory_temperature = 'FROZEN'
		WHERE review_after IS NOT NULL AND review_after < ? AND is_stale = 0
	`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("freeze overdue reviews: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RetrievalSessions groups retrieval logs newer than since by search
// session and returns the distinct trace ids of each session that saw at
// least two traces, in first-retrieved order, capped at perSession.
func (db *DB) RetrievalSessions(ctx context.Context, since time.Time, perSession int) ([][]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT search_session_id, trace_id, MIN(retrieved_at) AS first_at
		FROM retrieval_logs
		WHERE retrieved_at > ?
		GROUP BY search_session_id, trace_id
		ORDER BY search_session_id, first_at, trace_id
	`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("retrieval sessions: %w", err)
	}
	defer rows.Close()

	var sessions [][]string
	var current string
	var ids []string
	flush := func() {
		if len(ids) >= 2 {
			if perSession > 0 && len(ids) > perSession {
				ids = ids[:perSession]
			}
			sessions = append(sessions, ids)
		}
	}
	for rows.Next() {
		var sessionID, traceID string
		var firstAt int64
		if err := rows.Scan(&sessionID, &traceID, &firstAt); err != nil {
			return nil, fmt.Errorf("scan retrieval log: %w", err)
		}
		if sessionID != current {
			flush()
			current, ids = sessionID, nil
		}
		ids = append(ids, traceID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	flush()
	return sessions, nil
}

// LinkCoRetrieved creates or strengthens a CO_RETRIEVED edge in both
// directions for every pair. Returns the number of directed edges touched.
func (db *DB) LinkCoRetrieved(ctx context.Context, pairs [][2]string, at time.Time) (int, error) {
	touched := 0
	err := db.WithTx(ctx, func(tx *Tx) error {
		ms := at.UnixMilli()
		for _, p := range pairs {
			for _, edge := range [][2]string{{p[0], p[1]}, {p[1], p[0]}} {
				if _, err := tx.tx.ExecContext(ctx, `
					INSERT INTO trace_relationships
						(source_trace_id, target_trace_id, relationship_type, strength, created_at, updated_at)
					VALUES (?, ?, 'CO_RETRIEVED', 1.0, ?, ?)
					`+RelationshipConflict.OnConflict()+` DO UPDATE SET
						strength = strength + 1, updated_at = excluded.updated_at
				`, edge[0], edge[1], ms, ms); err != nil {
					return fmt.Errorf("link %s -> %s: %w", edge[0], edge[1], err)
				}
				touched++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return touched, nil
}

// Relationship is a directed edge between two traces.
type Relationship struct {
	SourceID string
	TargetID string
	Type     string
	Strength float64
}

// RelationshipsFrom lists the outgoing edges of a trace, strongest first.
func (db *DB) RelationshipsFrom(ctx context.Context, traceID string) ([]Relationship, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT source_trace_id, target_trace_id, relationship_type, strength
		FROM trace_relationships WHERE source_trace_id = ?
		ORDER BY strength DESC, target_trace_id
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("relationships: %w", err)
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.Type, &r.Strength); err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneRetrievalLogs deletes retrieval logs older than before.
func (db *DB) PruneRetrievalLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM retrieval_logs WHERE retrieved_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune retrieval logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClusterableTraces returns the non-flagged episodic traces
// that have a vector from model.
func (db *DB) ClusterableTraces(ctx context.Context, model string) ([]Trace, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+prefixed("t", traceColumns)+`
		FROM traces t JOIN trace_vectors v ON v.trace_id = t.id
		WHERE v.model = ? AND t.trace_type = 'episodic' AND t.is_flagged = 0
		ORDER BY t.created_at, t.id
	`, model)
	if err != nil {
		return nil, fmt.Errorf("clusterable traces: %w", err)
	}
	defer rows.Close()
	return scanTraces(rows)
}

// AssignCluster stamps traces with a cluster id and convergence level.
func (db *DB) AssignCluster(ctx context.Context, clusterID string, level int, traceIDs []string) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		for _, id := range traceIDs {
			if _, err := tx.tx.ExecContext(ctx, `
				UPDATE traces SET convergence_cluster_id = ?, convergence_level = ? WHERE id = ?
			`, clusterID, level, id); err != nil {
				return fmt.Errorf("assign cluster to %s: %w", id, err)
			}
		}
		return nil
	})
}

// SynthesisCandidates lists clusters with at least minSize non-flagged
// episodic members, largest first.
func (db *DB) SynthesisCandidates(ctx context.Context, minSize int) ([]ClusterCandidate, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT convergence_cluster_id, MAX(convergence_level), COUNT(*) AS n
		FROM traces
		WHERE convergence_cluster_id IS NOT NULL AND trace_type = 'episodic' AND is_flagged = 0
		GROUP BY convergence_cluster_id
		HAVING COUNT(*) >= ?
		ORDER BY n DESC, convergence_cluster_id
	`, minSize)
	if err != nil {
		return nil, fmt.Errorf("synthesis candidates: %w", err)
	}
	defer rows.Close()

	var out []ClusterCandidate
	for rows.Next() {
		var c ClusterCandidate
		var level *int64
		if err := rows.Scan(&c.ClusterID, &level, &c.Size); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		if level != nil {
			l := int(*level)
			c.Level = &l
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HasPattern reports whether a cluster already has a synthesized pattern trace.
func (db *DB) HasPattern(ctx context.Context, clusterID string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM traces WHERE convergence_cluster_id = ? AND trace_type = 'pattern'
	`, clusterID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pattern: %w", err)
	}
	return n > 0, nil
}

// ClusterSources returns up to limit non-flagged episodic members of a
// cluster, highest trust first, with their tags.
func (db *DB) ClusterSources(ctx context.Context, clusterID string, limit int) ([]Trace, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+traceColumns+` FROM traces
		WHERE convergence_cluster_id = ? AND trace_type = 'episodic' AND is_flagged = 0
		ORDER BY trust_score DESC, id
		LIMIT ?
	`, clusterID, limit)
	if err != nil {
		return nil, fmt.Errorf("cluster sources: %w", err)
	}
	traces, err := scanTraces(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	for i := range traces {
		tags, err := traceTags(ctx, db.DB, traces[i].ID)
		if err != nil {
			return nil, err
		}
		traces[i].Tags = tags
	}
	return traces, nil
}

// CreatePattern inserts a synthesized pattern trace and a PATTERN_SOURCE
// edge to every source, in one transaction.
func (db *DB) CreatePattern(ctx context.Context, pattern *Trace, sourceIDs []string) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		pattern.TraceType = TracePattern
		if err := tx.InsertTrace(ctx, pattern); err != nil {
			return err
		}
		for _, src := range sourceIDs {
			if _, err := tx.tx.ExecContext(ctx, `
				INSERT INTO trace_relationships
					(source_trace_id, target_trace_id, relationship_type, strength, created_at, updated_at)
				VALUES (?, ?, 'PATTERN_SOURCE', 1.0, ?, ?)
				`+RelationshipConflict.OnConflict()+` DO NOTHING
			`, pattern.ID, src, pattern.CreatedAt, pattern.CreatedAt); err != nil {
				return fmt.Errorf("link pattern source %s: %w", src, err)
			}
		}
		return nil
	})
}

// prefixed qualifies every column in a comma separated list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
