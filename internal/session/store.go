package session

import (
	"context"
	"time"
)

// Store maps browser sessions to credential IDs. Sessions are the
// request layer's concern; losing them costs the user a redirect
// through the provider, nothing more, so they need not be durable.
type Store interface {
	// Create creates a new session for a credential and returns the
	// session ID.
	Create(ctx context.Context, credentialID string, duration time.Duration) (string, error)
	// Get retrieves the credential ID for a given session ID.
	Get(ctx context.Context, sessionID string) (string, error)
	// Delete removes a session.
	Delete(ctx context.Context, sessionID string) error
}
