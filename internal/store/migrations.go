package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "contributors and traces",
		SQL: `
CREATE TABLE contributors (
    id               TEXT PRIMARY KEY,
    reputation_score REAL NOT NULL DEFAULT 0.0,
    created_at       INTEGER NOT NULL
);

CREATE TABLE traces (
    id                 TEXT PRIMARY KEY,
    title              TEXT NOT NULL,
    context_text       TEXT NOT NULL,
    solution_text      TEXT NOT NULL,
    contributor_id     TEXT NOT NULL,
    trace_type         TEXT NOT NULL DEFAULT 'episodic' CHECK (trace_type IN ('episodic', 'pattern')),

    -- Trust state machine
    status             TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'validated')),
    trust_score        REAL NOT NULL DEFAULT 0.0,
    confirmation_count INTEGER NOT NULL DEFAULT 0 CHECK (confirmation_count >= 0),

    -- Lifecycle
    is_flagged         INTEGER NOT NULL DEFAULT 0,
    flagged_at         INTEGER,
    is_stale           INTEGER NOT NULL DEFAULT 0,
    memory_temperature TEXT NOT NULL DEFAULT 'HOT' CHECK (memory_temperature IN ('HOT', 'WARM', 'COOL', 'COLD', 'FROZEN')),
    depth_score        REAL NOT NULL DEFAULT 0.0,
    retrieval_count    INTEGER NOT NULL DEFAULT 0,
    last_retrieved_at  INTEGER,
    review_after       INTEGER,

    -- Convergence
    convergence_cluster_id TEXT,
    convergence_level      INTEGER,

    metadata_json      TEXT,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL,

    FOREIGN KEY (contributor_id) REFERENCES contributors(id)
);

CREATE INDEX idx_traces_status      ON traces(status);
CREATE INDEX idx_traces_contributor ON traces(contributor_id);
CREATE INDEX idx_traces_cluster     ON traces(convergence_cluster_id);

CREATE TABLE trace_tags (
    trace_id TEXT NOT NULL,
    tag      TEXT NOT NULL,
    PRIMARY KEY (trace_id, tag),
    FOREIGN KEY (trace_id) REFERENCES traces(id) ON DELETE CASCADE
);

CREATE INDEX idx_trace_tags_tag ON trace_tags(tag);
`,
	},
	{
		Version:     2,
		Description: "votes: one per (trace, voter)",
		SQL: `
CREATE TABLE votes (
    id            TEXT PRIMARY KEY,
    trace_id      TEXT NOT NULL,
    voter_id      TEXT NOT NULL,
    vote_type     TEXT NOT NULL CHECK (vote_type IN ('up', 'down')),
    feedback_tag  TEXT,
    feedback_text TEXT,
    created_at    INTEGER NOT NULL,
    UNIQUE (trace_id, voter_id),
    FOREIGN KEY (trace_id) REFERENCES traces(id)
);

CREATE INDEX idx_votes_voter ON votes(voter_id);
`,
	},
	{
		Version:     3,
		Description: "contributor_domain_reputation: per-domain wilson scores",
		SQL: `
CREATE TABLE contributor_domain_reputation (
    id             INTEGER PRIMARY KEY,
    contributor_id TEXT NOT NULL,
    domain_tag     TEXT NOT NULL,
    upvote_count   INTEGER NOT NULL DEFAULT 0,
    downvote_count INTEGER NOT NULL DEFAULT 0,
    wilson_score   REAL NOT NULL DEFAULT 0.0,
    updated_at     INTEGER NOT NULL,
    UNIQUE (contributor_id, domain_tag)
);

CREATE INDEX idx_cdr_contributor ON contributor_domain_reputation(contributor_id);
`,
	},
	{
		Version:     4,
		Description: "trace_vectors: embeddings and claim leases",
		SQL: `
CREATE TABLE trace_vectors (
    trace_id      TEXT PRIMARY KEY,
    embedding     BLOB NOT NULL,
    model         TEXT NOT NULL,
    model_version TEXT,
    dimensions    INTEGER NOT NULL,
    created_at    INTEGER NOT NULL,
    FOREIGN KEY (trace_id) REFERENCES traces(id) ON DELETE CASCADE
);

CREATE TABLE embedding_claims (
    trace_id   TEXT PRIMARY KEY,
    claim_id   TEXT NOT NULL,
    claimed_at INTEGER NOT NULL,
    FOREIGN KEY (trace_id) REFERENCES traces(id) ON DELETE CASCADE
);

CREATE INDEX idx_claims_claim ON embedding_claims(claim_id);
`,
	},
	{
		Version:     5,
		Description: "retrieval_logs, trace_relationships, consolidation_runs",
		SQL: `
CREATE TABLE retrieval_logs (
    id                INTEGER PRIMARY KEY,
    trace_id          TEXT NOT NULL,
    search_session_id TEXT NOT NULL,
    retrieved_at      INTEGER NOT NULL
);

CREATE INDEX idx_retrieval_session ON retrieval_logs(search_session_id);
CREATE INDEX idx_retrieval_at      ON retrieval_logs(retrieved_at);

CREATE TABLE trace_relationships (
    id                INTEGER PRIMARY KEY,
    source_trace_id   TEXT NOT NULL,
    target_trace_id   TEXT NOT NULL,
    relationship_type TEXT NOT NULL CHECK (relationship_type IN ('CO_RETRIEVED', 'PATTERN_SOURCE')),
    strength          REAL NOT NULL DEFAULT 1.0,
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL,
    UNIQUE (source_trace_id, target_trace_id, relationship_type)
);

CREATE TABLE consolidation_runs (
    id           TEXT PRIMARY KEY,
    status       TEXT NOT NULL CHECK (status IN ('running', 'completed', 'partial')),
    started_at   INTEGER NOT NULL,
    completed_at INTEGER,
    stats_json   TEXT
);

CREATE INDEX idx_runs_completed ON consolidation_runs(status, completed_at DESC);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
