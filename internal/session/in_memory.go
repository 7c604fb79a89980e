package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

// InMemoryStore is an in-memory implementation of the Store interface.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]sessionData
}

type sessionData struct {
	credentialID string
	expires      time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]sessionData),
	}
}

// Create creates a new session for a credential and returns the
// session ID.
func (s *InMemoryStore) Create(ctx context.Context, credentialID string, duration time.Duration) (string, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sessionID] = sessionData{
		credentialID: credentialID,
		expires:      time.Now().Add(duration),
	}

	return sessionID, nil
}

// Get retrieves the credential ID for a given session ID. Expired
// sessions are removed lazily.
func (s *InMemoryStore) Get(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.sessions[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	if time.Now().After(data.expires) {
		delete(s.sessions, sessionID)
		return "", ErrSessionNotFound
	}

	return data.credentialID, nil
}

// Delete removes a session.
func (s *InMemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// generateSessionID creates a new random session ID.
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
