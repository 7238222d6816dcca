// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// SessionRepository implements auth.SessionStore using PostgreSQL.
type SessionRepository struct {
	db DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Put stores a new session. The ttl is implied by expires_at; expired rows
// are removed by DeleteExpiredBefore.
func (r *SessionRepository) Put(ctx context.Context, tokenHash string, session *auth.Session, _ time.Duration) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sessions (token_hash, id, account_id, issued_at, expires_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		tokenHash,
		session.ID.String(),
		session.AccountID.String(),
		session.IssuedAt,
		session.ExpiresAt,
		session.RevokedAt,
	)
	if err != nil {
		return wrapErr("SESSION_CREATE_FAILED", "insert session", err)
	}
	return nil
}

// Get retrieves a session by its token hash.
func (r *SessionRepository) Get(ctx context.Context, tokenHash string) (*auth.Session, error) {
	row := r.db.QueryRow(ctx, `
		SELECT token_hash, id, account_id, issued_at, expires_at, revoked_at
		FROM sessions
		WHERE token_hash = $1
	`, tokenHash)

	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("SESSION_GET_FAILED", "get session by token hash", err)
	}
	return session, nil
}

// MarkRevoked sets revoked_at once. Unknown hashes are ignored.
func (r *SessionRepository) MarkRevoked(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sessions SET revoked_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, tokenHash, at)
	if err != nil {
		return wrapErr("SESSION_REVOKE_FAILED", "mark session revoked", err)
	}
	return nil
}

// Extend moves expires_at for an unrevoked session.
func (r *SessionRepository) Extend(ctx context.Context, tokenHash string, expiresAt time.Time) error {
	result, err := r.db.Exec(ctx, `
		UPDATE sessions SET expires_at = $2
		WHERE token_hash = $1 AND revoked_at IS NULL
	`, tokenHash, expiresAt)
	if err != nil {
		return wrapErr("SESSION_EXTEND_FAILED", "extend session", err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return nil
}

// Delete removes a session by token hash.
func (r *SessionRepository) Delete(ctx context.Context, tokenHash string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return wrapErr("SESSION_DELETE_FAILED", "delete session", err)
	}
	// Note: No ErrNotFound if no rows deleted - that's a valid state
	return nil
}

// DeleteExpiredBefore removes sessions expiring at or before t.
func (r *SessionRepository) DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, t)
	if err != nil {
		return 0, wrapErr("SESSION_DELETE_EXPIRED_FAILED", "delete expired sessions", err)
	}
	return result.RowsAffected(), nil
}

// scanSession scans a single row into a Session.
// Callers are responsible for handling pgx.ErrNoRows.
func scanSession(row pgx.Row) (*auth.Session, error) {
	var (
		tokenHash    string
		idStr        string
		accountIDStr string
		issuedAt     time.Time
		expiresAt    time.Time
		revokedAt    *time.Time
	)

	if err := row.Scan(&tokenHash, &idStr, &accountIDStr, &issuedAt, &expiresAt, &revokedAt); err != nil {
		return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_ID").
			With("operation", "parse session id").
			With("id", idStr).
			Wrap(err)
	}

	accountID, err := ulid.Parse(accountIDStr)
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_ACCOUNT_ID").
			With("operation", "parse account id").
			With("account_id", accountIDStr).
			Wrap(err)
	}

	return &auth.Session{
		ID:        id,
		AccountID: accountID,
		TokenHash: tokenHash,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		RevokedAt: revokedAt,
	}, nil
}

// Compile-time interface check.
var _ auth.SessionStore = (*SessionRepository)(nil)
