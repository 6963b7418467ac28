package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version int
	Name    string
	UpSQL   string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "playback_sessions",
		UpSQL: `
			CREATE TABLE IF NOT EXISTS playback_sessions (
				id TEXT PRIMARY KEY,
				pipeline_id TEXT NOT NULL,
				source TEXT NOT NULL,
				uri TEXT NOT NULL DEFAULT '',
				started_at DATETIME NOT NULL,
				ended_at DATETIME,
				final_state TEXT,
				byte_pos INTEGER NOT NULL DEFAULT 0,
				errors INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_sessions_started ON playback_sessions(started_at);
			CREATE INDEX IF NOT EXISTS idx_sessions_ended ON playback_sessions(ended_at);
		`,
	},
	{
		Version: 2,
		Name:    "playback_events",
		UpSQL: `
			CREATE TABLE IF NOT EXISTS playback_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL REFERENCES playback_sessions(id) ON DELETE CASCADE,
				source TEXT NOT NULL,
				kind TEXT NOT NULL,
				status TEXT,
				data TEXT,
				error TEXT,
				timestamp DATETIME NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_events_session ON playback_events(session_id, timestamp);
		`,
	},
}

// latestVersion is the schema version a migrated database has.
func latestVersion() int {
	return migrations[len(migrations)-1].Version
}

// migrate applies every migration newer than the recorded schema version,
// each in its own transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("%w: failed to create schema_migrations table: %v", ErrMigrationFailed, err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := apply(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(version.Int64), nil
}

func apply(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMigrationFailed, m.Name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMigrationFailed, m.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().UTC()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMigrationFailed, m.Name, err)
	}
	return tx.Commit()
}
