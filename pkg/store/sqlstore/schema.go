package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the state schema in-place.
//
// Times are stored as INTEGER unix nanoseconds (UTC). Money is stored as
// INTEGER minor units. jobs.seq is the insertion sequence used for FIFO
// ordering inside a priority band.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			code TEXT NOT NULL,
			command TEXT NOT NULL,
			priority INTEGER NOT NULL,
			required_cores INTEGER NOT NULL,
			required_ram_mb INTEGER NOT NULL,
			-- parameters is the opaque key-value bag encoded as JSON.
			parameters TEXT,
			buyer_id TEXT NOT NULL,
			status TEXT NOT NULL,
			assigned_worker TEXT,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			cost INTEGER NOT NULL,
			result TEXT,
			error_message TEXT,
			requeue_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, priority, created_at, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_assigned_worker ON jobs(assigned_worker);`,

		`CREATE TABLE IF NOT EXISTS workers (
			worker_id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			cpu_cores INTEGER NOT NULL,
			ram_mb INTEGER NOT NULL,
			status TEXT NOT NULL,
			accepting INTEGER NOT NULL,
			current_job TEXT,
			registered_at INTEGER NOT NULL,
			last_seen INTEGER NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			credits INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("state schema version %d is newer than supported version %d", current, SchemaVersion)
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
