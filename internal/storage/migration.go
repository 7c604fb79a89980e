package storage

import (
	"context"
	"fmt"
	"sync"
)

// migrationLock ensures only one migration can run at a time
var migrationLock sync.Mutex

// Migration represents a database migration
type Migration struct {
	Version     int64
	Description string
	SQL         string
}

// migrations contains all database migrations in order
var migrations = []Migration{
	{
		Version:     1,
		Description: "Create initial schema",
		SQL: `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS credentials (
				id TEXT PRIMARY KEY,
				access_token TEXT,
				refresh_token TEXT,
				token_type TEXT,
				expires_at DATETIME,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS handshakes (
				state TEXT PRIMARY KEY,
				credential_id TEXT UNIQUE NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE TABLE IF NOT EXISTS refresh_jobs (
				id TEXT PRIMARY KEY,
				credential_id TEXT UNIQUE NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
				next_run_at DATETIME NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);

			CREATE INDEX IF NOT EXISTS idx_handshakes_credential_id ON handshakes(credential_id);
			CREATE INDEX IF NOT EXISTS idx_refresh_jobs_next_run_at ON refresh_jobs(next_run_at);
		`,
	},
	{
		Version:     2,
		Description: "Add triggers for updated_at",
		SQL: `
			CREATE TRIGGER IF NOT EXISTS credentials_updated_at
			AFTER UPDATE ON credentials
			BEGIN
				UPDATE credentials SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
			END;

			CREATE TRIGGER IF NOT EXISTS refresh_jobs_updated_at
			AFTER UPDATE ON refresh_jobs
			BEGIN
				UPDATE refresh_jobs SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
			END;
		`,
	},
}

// Migrate applies all pending migrations in order.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	migrationLock.Lock()
	defer migrationLock.Unlock()

	// The bookkeeping table must exist before we can query it.
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int64
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
