// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/argon2"
)

// AlgorithmArgon2id identifies argon2id credential records.
const AlgorithmArgon2id = "argon2id"

// Minimum salt length accepted when hashing or verifying.
const minSaltLen = 16

// ErrEmptyPassword is returned when attempting to hash an empty password.
var ErrEmptyPassword = oops.Code("AUTH_EMPTY_PASSWORD").Errorf("password cannot be empty")

// Argon2Params are the argon2id cost parameters.
type Argon2Params struct {
	Time    uint32 // iterations
	Memory  uint32 // KiB
	Threads uint8
	SaltLen uint32
	KeyLen  uint32
}

// DefaultArgon2Params are the OWASP-recommended argon2id parameters.
var DefaultArgon2Params = Argon2Params{
	Time:    1,
	Memory:  64 * 1024,
	Threads: 4,
	SaltLen: 16,
	KeyLen:  32,
}

// CredentialHash is a stored password hash record.
type CredentialHash struct {
	Algorithm string
	Salt      []byte
	Time      uint32
	Memory    uint32
	Threads   uint8
	Key       []byte
}

// Encode renders the record in PHC string format:
// $argon2id$v=19$m=65536,t=1,p=4$<salt>$<key>
func (c CredentialHash) Encode() string {
	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		c.Algorithm,
		argon2.Version,
		c.Memory,
		c.Time,
		c.Threads,
		base64.RawStdEncoding.EncodeToString(c.Salt),
		base64.RawStdEncoding.EncodeToString(c.Key),
	)
}

// ParseCredentialHash decodes a PHC string produced by Encode.
func ParseCredentialHash(encoded string) (CredentialHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return CredentialHash{}, oops.Code("AUTH_INVALID_HASH").Errorf("invalid hash format")
	}

	if parts[1] != AlgorithmArgon2id {
		return CredentialHash{}, oops.Code("AUTH_INVALID_HASH").
			With("algorithm", parts[1]).
			Errorf("unsupported hash algorithm")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return CredentialHash{}, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if version != argon2.Version {
		return CredentialHash{}, oops.Code("AUTH_INVALID_HASH").
			With("version", version).
			Errorf("unsupported argon2 version")
	}

	var memory, time, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return CredentialHash{}, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if threads == 0 || threads > 255 {
		return CredentialHash{}, oops.Code("AUTH_INVALID_HASH").
			With("threads", threads).
			Errorf("threads out of range")
	}
	if time == 0 || memory == 0 {
		return CredentialHash{}, oops.Code("AUTH_INVALID_HASH").Errorf("cost parameters must be positive")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return CredentialHash{}, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}

	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return CredentialHash{}, oops.Code("AUTH_INVALID_HASH").Wrap(err)
	}
	if len(key) == 0 || len(key) > 1<<10 {
		return CredentialHash{}, oops.Code("AUTH_INVALID_HASH").
			With("key_len", len(key)).
			Errorf("invalid hash key length")
	}

	return CredentialHash{
		Algorithm: AlgorithmArgon2id,
		Salt:      salt,
		Time:      time,
		Memory:    memory,
		Threads:   uint8(threads),
		Key:       key,
	}, nil
}

// PasswordHasher derives and verifies salted password hashes.
type PasswordHasher interface {
	// Hash derives a fresh record for the password with a new random salt.
	Hash(password string) (CredentialHash, error)

	// Verify reports whether password matches the record. A malformed or
	// foreign record verifies as false.
	Verify(password string, record CredentialHash) bool
}

// Argon2idHasher implements PasswordHasher using argon2id.
type Argon2idHasher struct {
	params Argon2Params
}

// NewArgon2idHasher creates an Argon2idHasher. Zero fields in params fall back
// to DefaultArgon2Params.
func NewArgon2idHasher(params Argon2Params) *Argon2idHasher {
	if params.Time == 0 {
		params.Time = DefaultArgon2Params.Time
	}
	if params.Memory == 0 {
		params.Memory = DefaultArgon2Params.Memory
	}
	if params.Threads == 0 {
		params.Threads = DefaultArgon2Params.Threads
	}
	if params.SaltLen < minSaltLen {
		params.SaltLen = DefaultArgon2Params.SaltLen
	}
	if params.KeyLen == 0 {
		params.KeyLen = DefaultArgon2Params.KeyLen
	}
	return &Argon2idHasher{params: params}
}

// Hash produces an argon2id record of the password.
func (h *Argon2idHasher) Hash(password string) (CredentialHash, error) {
	if password == "" {
		return CredentialHash{}, ErrEmptyPassword
	}

	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return CredentialHash{}, oops.Code("AUTH_SALT_FAILED").Wrap(err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLen)

	return CredentialHash{
		Algorithm: AlgorithmArgon2id,
		Salt:      salt,
		Time:      h.params.Time,
		Memory:    h.params.Memory,
		Threads:   h.params.Threads,
		Key:       key,
	}, nil
}

// Verify recomputes the key with the record's salt and cost and compares in
// constant time.
func (h *Argon2idHasher) Verify(password string, record CredentialHash) bool {
	if record.Algorithm != AlgorithmArgon2id || len(record.Key) == 0 ||
		len(record.Salt) < minSaltLen || record.Time == 0 || record.Memory == 0 || record.Threads == 0 {
		return false
	}

	//nolint:gosec // G115: key length is bounded by ParseCredentialHash and Hash
	computed := argon2.IDKey([]byte(password), record.Salt, record.Time, record.Memory, record.Threads, uint32(len(record.Key)))

	return subtle.ConstantTimeCompare(computed, record.Key) == 1
}

// Compile-time interface check.
var _ PasswordHasher = (*Argon2idHasher)(nil)
