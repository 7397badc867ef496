package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// VectorRecord holds an embedding for a trace.
type VectorRecord struct {
	TraceID      string
	Embedding    []float64
	Model        string
	ModelVersion string
	Dimensions   int
	CreatedAt    int64
}

// ClaimedTrace is the embedding input of a trace claimed by a worker.
type ClaimedTrace struct {
	ID           string
	Title        string
	ContextText  string
	SolutionText string
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
func decodeEmbedding(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// ClaimUnembedded claims up to limit traces that have no vector and no live
// claim, stamping them with claimID. Claims older than lease are treated as
// abandoned and may be taken over. The claim runs in one write transaction,
// so concurrent workers always receive disjoint batches.
func (db *DB) ClaimUnembedded(ctx context.Context, claimID string, limit int, lease time.Duration, now time.Time) ([]ClaimedTrace, error) {
	var claimed []ClaimedTrace
	err := db.WithTx(ctx, func(tx *Tx) error {
		nowMs := now.UnixMilli()
		if _, err := tx.tx.ExecContext(ctx,
			"DELETE FROM embedding_claims WHERE claimed_at <= ?", now.Add(-lease).UnixMilli()); err != nil {
			return fmt.Errorf("expire claims: %w", err)
		}

		if _, err := tx.tx.ExecContext(ctx, `
			INSERT INTO embedding_claims (trace_id, claim_id, claimed_at)
			SELECT t.id, ?, ? FROM traces t
			WHERE NOT EXISTS (SELECT 1 FROM trace_vectors v WHERE v.trace_id = t.id)
			  AND NOT EXISTS (SELECT 1 FROM embedding_claims c WHERE c.trace_id = t.id)
			ORDER BY t.created_at, t.id
			LIMIT ?
		`, claimID, nowMs, limit); err != nil {
			return fmt.Errorf("insert claims: %w", err)
		}

		rows, err := tx.tx.QueryContext(ctx, `
			SELECT t.id, t.title, t.context_text, t.solution_text
			FROM embedding_claims c JOIN traces t ON t.id = c.trace_id
			WHERE c.claim_id = ?
			ORDER BY t.created_at, t.id
		`, claimID)
		if err != nil {
			return fmt.Errorf("read claims: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var c ClaimedTrace
			if err := rows.Scan(&c.ID, &c.Title, &c.ContextText, &c.SolutionText); err != nil {
				return fmt.Errorf("scan claim: %w", err)
			}
			claimed = append(claimed, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseClaim drops every claim held under claimID.
func (db *DB) ReleaseClaim(ctx context.Context, claimID string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM embedding_claims WHERE claim_id = ?", claimID); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// SaveVectors stores the embeddings produced under claimID and releases the
// claim, all in one transaction.
func (db *DB) SaveVectors(ctx context.Context, claimID string, records []VectorRecord) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		now := time.Now().UnixMilli()
		for _, r := range records {
			blob := encodeEmbedding(r.Embedding)
			if _, err := tx.tx.ExecContext(ctx, `
				INSERT INTO trace_vectors (trace_id, embedding, model, model_version, dimensions, created_at)
				VALUES (?, ?, ?, NULLIF(?, ''), ?, ?)
				ON CONFLICT(trace_id) DO UPDATE SET embedding = excluded.embedding, model = excluded.model,
					model_version = excluded.model_version, dimensions = excluded.dimensions, created_at = excluded.created_at
			`, r.TraceID, blob, r.Model, r.ModelVersion, len(r.Embedding), now); err != nil {
				return fmt.Errorf("save vector for %s: %w", r.TraceID, err)
			}
		}
		if _, err := tx.tx.ExecContext(ctx, "DELETE FROM embedding_claims WHERE claim_id = ?", claimID); err != nil {
			return fmt.Errorf("clear claim: %w", err)
		}
		return nil
	})
}

// GetVector returns the embedding for a trace, or nil if not found.
func (db *DB) GetVector(ctx context.Context, traceID string) (*VectorRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT trace_id, embedding, model, COALESCE(model_version, ''), dimensions, created_at
		FROM trace_vectors WHERE trace_id = ?
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("get vector: %w", err)
	}
	defer rows.Close()
	records, err := scanVectors(rows)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}

// EmbeddingModelCounts returns how many stored vectors each model produced.
func (db *DB) EmbeddingModelCounts(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, "SELECT model, COUNT(*) FROM trace_vectors GROUP BY model")
	if err != nil {
		return nil, fmt.Errorf("embedding model counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return nil, fmt.Errorf("scan model count: %w", err)
		}
		counts[model] = n
	}
	return counts, rows.Err()
}

// VectorsByModel returns every vector produced by model.
func (db *DB) VectorsByModel(ctx context.Context, model string) ([]VectorRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT trace_id, embedding, model, COALESCE(model_version, ''), dimensions, created_at
		FROM trace_vectors WHERE model = ?
		ORDER BY trace_id
	`, model)
	if err != nil {
		return nil, fmt.Errorf("vectors by model: %w", err)
	}
	defer rows.Close()
	return scanVectors(rows)
}

type vectorRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanVectors(rows vectorRows) ([]VectorRecord, error) {
	var records []VectorRecord
	for rows.Next() {
		var v VectorRecord
		var blob []byte
		if err := rows.Scan(&v.TraceID, &blob, &v.Model, &v.ModelVersion, &v.Dimensions, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		v.Embedding = decodeEmbedding(blob)
		records = append(records, v)
	}
	return records, rows.Err()
}
