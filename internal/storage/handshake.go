package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// BeginHandshake atomically creates an empty credential and the
// handshake row tying the CSRF state to it. Returns the state value
// to embed in the authorization URL and the new credential ID.
func (s *SQLiteStorage) BeginHandshake(ctx context.Context) (state, credentialID string, err error) {
	state = uuid.NewString()
	credentialID = uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credentials (id) VALUES (?)`, credentialID); err != nil {
		return "", "", fmt.Errorf("failed to create pending credential: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO handshakes (state, credential_id) VALUES (?, ?)`,
		state, credentialID); err != nil {
		return "", "", fmt.Errorf("failed to create handshake: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("failed to commit handshake: %w", err)
	}
	return state, credentialID, nil
}

// ResolveHandshake looks up the credential for a state value and
// consumes the handshake in the same transaction. A state that is
// unknown or already consumed fails with ErrHandshakeNotFound; the
// caller must treat that as a CSRF or replay signal.
func (s *SQLiteStorage) ResolveHandshake(ctx context.Context, state string) (string, error) {
	if state == "" {
		return "", fmt.Errorf("%w: state cannot be empty", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var credentialID string
	err = tx.QueryRowContext(ctx,
		`SELECT credential_id FROM handshakes WHERE state = ?`, state).Scan(&credentialID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: state %s", ErrHandshakeNotFound, state)
		}
		return "", fmt.Errorf("failed to look up handshake: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM handshakes WHERE state = ?`, state); err != nil {
		return "", fmt.Errorf("failed to consume handshake: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit handshake resolution: %w", err)
	}
	return credentialID, nil
}
