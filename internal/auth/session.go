// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Session token configuration.
const (
	SessionTokenBytes = 32             // 32 bytes = 64 hex chars
	DefaultSessionTTL = 24 * time.Hour // 24 hour expiry
)

// Session is a time-bounded proof of a prior successful login.
// Only the hash of its token is ever stored.
type Session struct {
	ID        ulid.ULID
	AccountID ulid.ULID
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// IsRevoked returns true if the session was revoked.
func (s *Session) IsRevoked() bool {
	return s.RevokedAt != nil
}

// IsExpiredAt returns true if the session is past its expiry at t.
func (s *Session) IsExpiredAt(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

// GenerateSessionToken creates a secure random token and its hash.
// Returns (plaintext_token, sha256_hash, error).
// The plaintext token is sent to the client; the hash is stored.
func GenerateSessionToken() (token, hash string, err error) {
	tokenBytes := make([]byte, SessionTokenBytes)
	if _, err = rand.Read(tokenBytes); err != nil {
		return "", "", oops.Code("SESSION_TOKEN_GENERATE_FAILED").
			With("operation", "crypto/rand.Read").
			With("requested_bytes", SessionTokenBytes).
			Wrap(err)
	}

	token = hex.EncodeToString(tokenBytes)
	hash = HashSessionToken(token)

	return token, hash, nil
}

// HashSessionToken computes the SHA256 hash of a session token.
func HashSessionToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// SessionStore is the storage collaborator behind SessionManager. Records
// are keyed by token hash. Every method is atomic per key.
type SessionStore interface {
	// Put stores a new session; ttl lets the store expire the record itself.
	Put(ctx context.Context, tokenHash string, session *Session, ttl time.Duration) error

	// Get retrieves a session by token hash.
	// Returns an error wrapping ErrNotFound if none exists.
	Get(ctx context.Context, tokenHash string) (*Session, error)

	// MarkRevoked sets the revocation time if the session exists and is not
	// yet revoked. Unknown hashes are not an error.
	MarkRevoked(ctx context.Context, tokenHash string, at time.Time) error

	// Extend moves the expiry of a live, unrevoked session to expiresAt.
	// Returns an error wrapping ErrNotFound if there is no such session.
	Extend(ctx context.Context, tokenHash string, expiresAt time.Time) error

	// Delete removes a session. Unknown hashes are not an error.
	Delete(ctx context.Context, tokenHash string) error

	// DeleteExpiredBefore removes sessions whose expiry is at or before t
	// and returns how many were removed.
	DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error)
}
