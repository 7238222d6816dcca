// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package auth provides the credential verification and session issuance
// core of Gatekeep.
//
// # Components
//
// Components are constructed once per process and passed explicitly:
//   - Argon2idHasher - derives and verifies salted password hashes
//   - AccountStore - reserves and creates accounts over AccountPersistence
//   - SessionManager - issues, validates, and revokes sessions over SessionStore
//   - Service - registration, login, and logout
//   - Sweeper - periodic purge of expired sessions and reservations
//
// # Storage
//
// Uniqueness of usernames and emails is enforced by AccountPersistence
// implementations at the storage boundary, never by in-process locking.
// Session records are keyed by the SHA-256 of the token; the token itself is
// only returned to the caller of Issue. Transient storage failures (errors
// wrapping ErrStorageUnavailable) are retried with bounded exponential
// backoff; all other errors surface immediately.
package auth
