// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// SessionStore implements auth.SessionStore in memory.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]auth.Session
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]auth.Session)}
}

// Put stores a session. The ttl is implied by the session expiry.
func (s *SessionStore) Put(_ context.Context, tokenHash string, session *auth.Session, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[tokenHash]; exists {
		return oops.Code("SESSION_CREATE_FAILED").Errorf("token hash already stored")
	}
	stored := *session
	stored.TokenHash = tokenHash
	s.sessions[tokenHash] = stored
	return nil
}

// Get retrieves a session by token hash.
func (s *SessionStore) Get(_ context.Context, tokenHash string) (*auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[tokenHash]
	if !ok {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if session.RevokedAt != nil {
		at := *session.RevokedAt
		session.RevokedAt = &at
	}
	return &session, nil
}

// MarkRevoked sets the revocation time once.
func (s *SessionStore) MarkRevoked(_ context.Context, tokenHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[tokenHash]
	if !ok || session.RevokedAt != nil {
		return nil
	}
	session.RevokedAt = &at
	s.sessions[tokenHash] = session
	return nil
}

// Extend moves the expiry of an unrevoked session.
func (s *SessionStore) Extend(_ context.Context, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[tokenHash]
	if !ok || session.RevokedAt != nil {
		return oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	session.ExpiresAt = expiresAt
	s.sessions[tokenHash] = session
	return nil
}

// Delete removes a session.
func (s *SessionStore) Delete(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, tokenHash)
	return nil
}

// DeleteExpiredBefore removes sessions whose expiry is at or before t.
func (s *SessionStore) DeleteExpiredBefore(_ context.Context, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for hash, session := range s.sessions {
		if !t.Before(session.ExpiresAt) {
			delete(s.sessions, hash)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Compile-time interface check.
var _ auth.SessionStore = (*SessionStore)(nil)
