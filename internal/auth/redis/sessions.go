// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
)

const (
	// Redis hash field names for session keys.
	fieldID        = "id"
	fieldAccountID = "account_id"
	fieldIssuedAt  = "issued_at"
	fieldExpiresAt = "expires_at"
	fieldRevokedAt = "revoked_at"

	defaultPrefix = "gatekeep:"
)

// putScript creates the session hash only if the key is free, sets its
// expiry, and indexes it by expiry.
// KEYS: [1]=session key, [2]=expiry index. ARGV: [1]=id, [2]=account_id,
// [3]=issued_ms, [4]=expires_ms, [5]=token hash
var putScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'account_id', ARGV[2], 'issued_at', ARGV[3], 'expires_at', ARGV[4])
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return 1
`)

// revokeScript sets revoked_at once. Missing keys are ignored.
// KEYS: [1]=session key. ARGV: [1]=revoked_ms
var revokeScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
return redis.call('HSETNX', KEYS[1], 'revoked_at', ARGV[1])
`)

// extendScript moves the expiry of an unrevoked session.
// KEYS: [1]=session key, [2]=expiry index. ARGV: [1]=expires_ms, [2]=token hash
var extendScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 or redis.call('HEXISTS', KEYS[1], 'revoked_at') == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'expires_at', ARGV[1])
redis.call('PEXPIREAT', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// SessionStore implements auth.SessionStore on Redis. Each session is a
// hash that Redis expires on its own; a sorted set indexed by expiry lets
// DeleteExpiredBefore report what it purged.
type SessionStore struct {
	rdb    goredis.UniversalClient
	prefix string
}

// SessionStoreOption configures a SessionStore.
type SessionStoreOption func(*SessionStore)

// WithKeyPrefix namespaces every key. The default is "gatekeep:".
func WithKeyPrefix(prefix string) SessionStoreOption {
	return func(s *SessionStore) { s.prefix = prefix }
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(rdb goredis.UniversalClient, opts ...SessionStoreOption) *SessionStore {
	s := &SessionStore{rdb: rdb, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SessionStore) sessionKey(tokenHash string) string {
	return s.prefix + "session:" + tokenHash
}

func (s *SessionStore) expiryKey() string {
	return s.prefix + "sessions:expiry"
}

// Put stores a new session. The key expires at session.ExpiresAt.
func (s *SessionStore) Put(ctx context.Context, tokenHash string, session *auth.Session, _ time.Duration) error {
	created, err := putScript.Run(ctx, s.rdb,
		[]string{s.sessionKey(tokenHash), s.expiryKey()},
		session.ID.String(),
		session.AccountID.String(),
		session.IssuedAt.UnixMilli(),
		session.ExpiresAt.UnixMilli(),
		tokenHash,
	).Int()
	if err != nil {
		return wrapErr("SESSION_CREATE_FAILED", "put session", err)
	}
	if created == 0 {
		return oops.Code("SESSION_CREATE_FAILED").Errorf("token hash already stored")
	}
	return nil
}

// Get retrieves a session by token hash.
func (s *SessionStore) Get(ctx context.Context, tokenHash string) (*auth.Session, error) {
	fields, err := s.rdb.HGetAll(ctx, s.sessionKey(tokenHash)).Result()
	if err != nil {
		return nil, wrapErr("SESSION_GET_FAILED", "get session by token hash", err)
	}
	if len(fields) == 0 {
		return nil, oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return parseSession(tokenHash, fields)
}

// MarkRevoked sets the revocation time once.
func (s *SessionStore) MarkRevoked(ctx context.Context, tokenHash string, at time.Time) error {
	err := revokeScript.Run(ctx, s.rdb, []string{s.sessionKey(tokenHash)}, at.UnixMilli()).Err()
	if err != nil {
		return wrapErr("SESSION_REVOKE_FAILED", "mark session revoked", err)
	}
	return nil
}

// Extend moves the expiry of an unrevoked session.
func (s *SessionStore) Extend(ctx context.Context, tokenHash string, expiresAt time.Time) error {
	extended, err := extendScript.Run(ctx, s.rdb,
		[]string{s.sessionKey(tokenHash), s.expiryKey()},
		expiresAt.UnixMilli(),
		tokenHash,
	).Int()
	if err != nil {
		return wrapErr("SESSION_EXTEND_FAILED", "extend session", err)
	}
	if extended == 0 {
		return oops.Code("SESSION_NOT_FOUND").Wrap(auth.ErrNotFound)
	}
	return nil
}

// Delete removes a session.
func (s *SessionStore) Delete(ctx context.Context, tokenHash string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(tokenHash))
		pipe.ZRem(ctx, s.expiryKey(), tokenHash)
		return nil
	})
	if err != nil {
		return wrapErr("SESSION_DELETE_FAILED", "delete session", err)
	}
	return nil
}

// DeleteExpiredBefore removes sessions whose expiry is at or before t and
// returns how many index entries were purged. Redis may already have
// expired the hashes themselves.
func (s *SessionStore) DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error) {
	hashes, err := s.rdb.ZRangeByScore(ctx, s.expiryKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(t.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, wrapErr("SESSION_DELETE_EXPIRED_FAILED", "list expired sessions", err)
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(hashes))
	members := make([]any, 0, len(hashes))
	for _, h := range hashes {
		keys = append(keys, s.sessionKey(h))
		members = append(members, h)
	}

	var removed *goredis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, key := range keys {
			pipe.Del(ctx, key)
		}
		removed = pipe.ZRem(ctx, s.expiryKey(), members...)
		return nil
	})
	if err != nil {
		return 0, wrapErr("SESSION_DELETE_EXPIRED_FAILED", "delete expired sessions", err)
	}
	return removed.Val(), nil
}

func parseSession(tokenHash string, fields map[string]string) (*auth.Session, error) {
	id, err := ulid.Parse(fields[fieldID])
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_ID").With("id", fields[fieldID]).Wrap(err)
	}
	accountID, err := ulid.Parse(fields[fieldAccountID])
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_ACCOUNT_ID").With("account_id", fields[fieldAccountID]).Wrap(err)
	}
	issuedAt, err := parseMillis(fields[fieldIssuedAt])
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_RECORD").With("field", fieldIssuedAt).Wrap(err)
	}
	expiresAt, err := parseMillis(fields[fieldExpiresAt])
	if err != nil {
		return nil, oops.Code("SESSION_INVALID_RECORD").With("field", fieldExpiresAt).Wrap(err)
	}

	session := &auth.Session{
		ID:        id,
		AccountID: accountID,
		TokenHash: tokenHash,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}
	if raw, ok := fields[fieldRevokedAt]; ok {
		revokedAt, err := parseMillis(raw)
		if err != nil {
			return nil, oops.Code("SESSION_INVALID_RECORD").With("field", fieldRevokedAt).Wrap(err)
		}
		session.RevokedAt = &revokedAt
	}
	return session, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err //nolint:wrapcheck // callers attach the field name
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Compile-time interface check.
var _ auth.SessionStore = (*SessionStore)(nil)
