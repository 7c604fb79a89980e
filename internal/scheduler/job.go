package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Job is the durable scheduling record for one credential's next
// refresh. At most one job exists per credential; the job keeps its
// ID across reschedules and is only removed when the credential is
// removed.
type Job struct {
	ID           string
	CredentialID string
	NextRunAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// fired marks that the callback for the current NextRunAt has
	// been dispatched. Not persisted: after a restart every loaded
	// job is eligible to fire again.
	fired bool
}

// loadJobs reads all persisted refresh jobs into memory.
func loadJobs(ctx context.Context, db *sql.DB) (map[string]*Job, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, credential_id, next_run_at, created_at, updated_at
		FROM refresh_jobs`)
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh jobs: %w", err)
	}
	defer rows.Close()

	jobs := make(map[string]*Job)
	for rows.Next() {
		j := &Job{}
		if err := rows.Scan(&j.ID, &j.CredentialID, &j.NextRunAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan refresh job: %w", err)
		}
		jobs[j.CredentialID] = j
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate refresh jobs: %w", err)
	}
	return jobs, nil
}

// insertJob persists a new refresh job. The UNIQUE constraint on
// credential_id backs up the in-memory one-job-per-credential check.
func insertJob(ctx context.Context, db *sql.DB, j *Job) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO refresh_jobs (id, credential_id, next_run_at)
		VALUES (?, ?, ?)`,
		j.ID, j.CredentialID, j.NextRunAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert refresh job: %w", err)
	}
	return nil
}

// updateJobRunTime persists a new run time for an existing job.
func updateJobRunTime(ctx context.Context, db *sql.DB, credentialID string, runAt time.Time) error {
	result, err := db.ExecContext(ctx, `
		UPDATE refresh_jobs SET next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE credential_id = ?`,
		runAt.UTC(), credentialID)
	if err != nil {
		return fmt.Errorf("failed to update refresh job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("refresh job not found for credential %s", credentialID)
	}
	return nil
}

// deleteJob removes the job for a credential. Reports whether a row
// was removed.
func deleteJob(ctx context.Context, db *sql.DB, credentialID string) (bool, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM refresh_jobs WHERE credential_id = ?`, credentialID)
	if err != nil {
		return false, fmt.Errorf("failed to delete refresh job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}
