package store

import (
	"database/sql"
	"fmt"
)

// migrations run in numbered order, one transaction each. schema_version
// records how far an existing database has advanced, so reopening is a
// no-op and each migration runs exactly once.
var migrations = []struct {
	version int
	stmts   []string
}{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS interactions (
				id TEXT PRIMARY KEY,
				session_id TEXT,
				started_at TEXT NOT NULL,
				completed_at TEXT,
				provider TEXT NOT NULL,
				method TEXT NOT NULL,
				path TEXT NOT NULL,
				model TEXT,
				status_code INTEGER,
				prompt_tokens INTEGER,
				completion_tokens INTEGER,
				total_tokens INTEGER,
				cost_estimate REAL,
				ttfb_ms REAL,
				ttft_ms REAL,
				total_latency_ms REAL,
				chunk_count INTEGER NOT NULL DEFAULT 0,
				error TEXT,
				request_json BLOB,
				response_json BLOB
			)`,
			`CREATE TABLE IF NOT EXISTS stream_chunks (
				id TEXT PRIMARY KEY,
				interaction_id TEXT NOT NULL REFERENCES interactions(id) ON DELETE CASCADE,
				seq INTEGER NOT NULL,
				received_at TEXT NOT NULL,
				event_type TEXT NOT NULL,
				raw BLOB,
				decoded_json BLOB
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_interaction_seq
				ON stream_chunks(interaction_id, seq)`,
			`CREATE INDEX IF NOT EXISTS idx_interactions_started_at
				ON interactions(started_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_interactions_session_id
				ON interactions(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_interactions_provider
				ON interactions(provider)`,
			`CREATE INDEX IF NOT EXISTS idx_interactions_model
				ON interactions(model)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`ALTER TABLE interactions ADD COLUMN streaming INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

// migrate brings the database up to the current schema version.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
	); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}

	var current sql.NullInt64
	if err := db.QueryRow(
		`SELECT MAX(version) FROM schema_version`,
	).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if int64(m.version) <= current.Int64 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_version (version) VALUES (?)`, m.version,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}

	return nil
}
