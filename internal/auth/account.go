// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// Field validation constraints.
const (
	MinUsernameLength = 3
	MaxUsernameLength = 30
	MaxEmailLength    = 254
	MaxPhoneLength    = 32
	MaxPasswordBytes  = 1024
)

// usernameRegex matches usernames that:
// - Start with a letter (a-z, A-Z)
// - Contain only letters, numbers, and underscores
var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Account is a registered user's durable identity record.
type Account struct {
	ID          ulid.ULID
	Username    string
	Email       string
	PhoneNumber string
	Credential  CredentialHash
	CreatedAt   time.Time
}

// KeyKind names a uniqueness key space.
type KeyKind string

// Uniqueness key spaces.
const (
	KeyUsername KeyKind = "username"
	KeyEmail    KeyKind = "email"
)

// Reservation is a short-lived claim on a username and email while an
// account is being created. Username and Email keep the caller's spelling;
// the keys are normalized.
type Reservation struct {
	ID          ulid.ULID
	Username    string
	Email       string
	UsernameKey string
	EmailKey    string
	ExpiresAt   time.Time
}

// IsExpiredAt reports whether the reservation has lapsed at t.
func (r *Reservation) IsExpiredAt(t time.Time) bool {
	return !t.Before(r.ExpiresAt)
}

// NormalizeUsername returns the case-insensitive uniqueness key for a username.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// NormalizeEmail returns the case-insensitive uniqueness key for an email.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RegisterInput is the input to Service.Register.
type RegisterInput struct {
	Username    string
	Email       string
	PhoneNumber string
	Password    string
}

// Validate checks input shape. Blank checks run on every field so the
// caller gets the full set of field errors at once.
func (in RegisterInput) Validate() error {
	verr := &ValidationError{}

	username := strings.TrimSpace(in.Username)
	email := strings.TrimSpace(in.Email)
	phone := strings.TrimSpace(in.PhoneNumber)

	switch {
	case username == "":
		verr.add("username", "username is required")
	case utf8.RuneCountInString(username) < MinUsernameLength:
		verr.add("username", "username must be at least 3 characters")
	case utf8.RuneCountInString(username) > MaxUsernameLength:
		verr.add("username", "username must be at most 30 characters")
	case !usernameRegex.MatchString(username):
		verr.add("username", "username must start with a letter and contain only letters, numbers, and underscores")
	}

	switch {
	case email == "":
		verr.add("email", "email is required")
	case len(email) > MaxEmailLength:
		verr.add("email", "email is too long")
	case !looksLikeEmail(email):
		verr.add("email", "email is not a valid address")
	}

	switch {
	case phone == "":
		verr.add("phoneNumber", "phone number is required")
	case len(in.PhoneNumber) > MaxPhoneLength:
		verr.add("phoneNumber", "phone number is too long")
	}

	switch {
	case strings.TrimSpace(in.Password) == "":
		verr.add("password", "password is required")
	case len(in.Password) > MaxPasswordBytes:
		verr.add("password", "password is too long")
	}

	return verr.orNil()
}

// looksLikeEmail accepts exactly one @ with non-empty local and domain parts.
func looksLikeEmail(email string) bool {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return false
	}
	return !strings.ContainsAny(domain, "@ ") && !strings.Contains(local, " ")
}

// AccountPersistence is the storage collaborator behind AccountStore.
// Implementations enforce uniqueness of username and email keys across
// accounts and live reservations at the storage boundary.
type AccountPersistence interface {
	// ReserveUnique atomically claims both keys of r. Reservations expired
	// at now do not block the claim. Returns an error wrapping ErrDuplicate
	// if either key is held.
	ReserveUnique(ctx context.Context, r Reservation, now time.Time) error

	// Insert converts the reservation into account in one atomic step.
	// Returns an error wrapping ErrReservationExpired if the reservation is
	// missing or expired at now.
	Insert(ctx context.Context, reservationID ulid.ULID, account *Account, now time.Time) error

	// Release drops an unfinished reservation. Releasing an unknown or
	// already converted reservation is not an error.
	Release(ctx context.Context, reservationID ulid.ULID) error

	// FindByKey retrieves an account by normalized username or email.
	// Returns an error wrapping ErrNotFound if none matches.
	FindByKey(ctx context.Context, kind KeyKind, key string) (*Account, error)

	// FindByID retrieves an account by ID.
	FindByID(ctx context.Context, id ulid.ULID) (*Account, error)

	// DeleteExpiredReservations removes reservations expired at before and
	// returns how many were removed.
	DeleteExpiredReservations(ctx context.Context, before time.Time) (int64, error)
}
