package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Credential is the persisted OAuth token material for one
// authorization. A credential without token material is pending: it
// was created when the authorization flow started and is waiting for
// the code exchange to complete.
type Credential struct {
	ID           string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Live reports whether the credential holds token material.
func (c *Credential) Live() bool {
	return c.AccessToken != "" && c.ExpiresAt != nil
}

// Authenticated reports whether the credential holds an unexpired token.
func (c *Credential) Authenticated(now time.Time) bool {
	return c.Live() && now.Before(*c.ExpiresAt)
}

// Active reports whether the token is still outside the refresh
// buffer, i.e. far enough from expiry that it has not yet become a
// refresh candidate.
func (c *Credential) Active(now time.Time, buffer time.Duration) bool {
	return c.Live() && now.Before(c.ExpiresAt.Add(-buffer))
}

// RefreshNeeded reports whether the token is inside the refresh buffer.
func (c *Credential) RefreshNeeded(now time.Time, buffer time.Duration) bool {
	return c.Live() && !now.Before(c.ExpiresAt.Add(-buffer))
}

// validateCredential rejects writes that would break the
// token/expiry pairing: either both are set or neither is.
func validateCredential(c *Credential) error {
	if c == nil {
		return fmt.Errorf("%w: credential cannot be nil", ErrInvalidInput)
	}
	if c.ID == "" {
		return fmt.Errorf("%w: credential ID cannot be empty", ErrInvalidInput)
	}
	if (c.AccessToken != "") != (c.ExpiresAt != nil) {
		return fmt.Errorf("%w: access token and expiry must be set together", ErrInvalidInput)
	}
	return nil
}

// PutCredential inserts or updates a credential.
func (s *SQLiteStorage) PutCredential(ctx context.Context, c *Credential) error {
	if err := validateCredential(c); err != nil {
		return err
	}

	var expiresAt interface{}
	if c.ExpiresAt != nil {
		expiresAt = c.ExpiresAt.UTC()
	}

	query := `
		INSERT INTO credentials (id, access_token, refresh_token, token_type, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.AccessToken, c.RefreshToken, c.TokenType, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// GetCredential retrieves a credential by ID.
func (s *SQLiteStorage) GetCredential(ctx context.Context, id string) (*Credential, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: credential ID cannot be empty", ErrInvalidInput)
	}

	c := &Credential{}
	var accessToken, refreshToken, tokenType sql.NullString
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, access_token, refresh_token, token_type, expires_at, created_at, updated_at
		FROM credentials
		WHERE id = ?`,
		id).Scan(
		&c.ID,
		&accessToken,
		&refreshToken,
		&tokenType,
		&expiresAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: credential %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	c.AccessToken = accessToken.String
	c.RefreshToken = refreshToken.String
	c.TokenType = tokenType.String
	if expiresAt.Valid {
		t := expiresAt.Time
		c.ExpiresAt = &t
	}

	return c, nil
}

// DeleteCredential removes a credential. Deleting a credential that
// does not exist is not an error; the boolean reports whether a row
// was removed.
func (s *SQLiteStorage) DeleteCredential(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: credential ID cannot be empty", ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete credential: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListLiveCredentialIDs returns the IDs of all credentials holding
// token material, used by the startup consistency check.
func (s *SQLiteStorage) ListLiveCredentialIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM credentials
		WHERE access_token IS NOT NULL AND access_token != ''
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan credential ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credentials: %w", err)
	}
	return ids, nil
}

// SweepPendingCredentials deletes credentials that never completed
// the code exchange and are older than the cutoff. These are left
// behind when a user abandons the flow or the process crashes after
// issuing an authorization URL. Handshake rows go with them via
// ON DELETE CASCADE. Returns the number of credentials removed.
func (s *SQLiteStorage) SweepPendingCredentials(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM credentials
		WHERE (access_token IS NULL OR access_token = '')
		AND created_at < ?`,
		olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep pending credentials: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
