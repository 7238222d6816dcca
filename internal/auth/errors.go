// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"errors"
	"sort"
	"strings"
)

// Sentinel errors. Concrete failures are oops errors that wrap one of these,
// so callers branch with errors.Is and log the oops code and context.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a username or email is already taken.
	ErrDuplicate = errors.New("duplicate account")

	// ErrValidation is returned when input fails shape checks.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidCredentials is returned by Login for any authentication failure.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnauthenticated is wrapped by every session validation failure.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrSessionExpired is returned when a session is past its expiry.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionRevoked is returned when a session was revoked.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrReservationExpired is returned when a reservation lapsed before Create.
	ErrReservationExpired = errors.New("reservation expired")

	// ErrStorageUnavailable marks a transient storage failure. Adapters wrap
	// connection-level errors with it; the retry policy only retries these.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ValidationError reports every field that failed validation.
type ValidationError struct {
	Fields map[string]string
}

// Error implements error.
func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is reports ValidationError as ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// IsUnauthenticated reports whether err means the presented session cannot be used.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, ErrUnauthenticated)
}
