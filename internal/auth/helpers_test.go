// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/auth/memory"
)

// fastParams keeps argon2id cheap in tests.
var fastParams = auth.Argon2Params{Time: 1, Memory: 8, Threads: 1}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// noRetry fails fast on transient errors.
var noRetry = auth.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond}

type harness struct {
	clock    *clockwork.FakeClock
	accounts *memory.AccountPersistence
	sessions *memory.SessionStore
	store    *auth.AccountStore
	manager  *auth.SessionManager
	service  *auth.Service
}

func newHarness(t *testing.T, opts ...auth.SessionManagerOption) *harness {
	t.Helper()
	h := &harness{
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
		accounts: memory.NewAccountPersistence(),
		sessions: memory.NewSessionStore(),
	}

	var err error
	h.store, err = auth.NewAccountStore(h.accounts,
		auth.WithAccountClock(h.clock),
		auth.WithAccountLogger(discardLogger()),
	)
	require.NoError(t, err)

	h.manager, err = auth.NewSessionManager(h.sessions, append([]auth.SessionManagerOption{
		auth.WithSessionClock(h.clock),
		auth.WithSessionLogger(discardLogger()),
	}, opts...)...)
	require.NoError(t, err)

	h.service, err = auth.NewAuthService(h.store, h.manager, auth.NewArgon2idHasher(fastParams),
		auth.WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	return h
}

func validInput() auth.RegisterInput {
	return auth.RegisterInput{
		Username:    "alice",
		Email:       "alice@example.com",
		PhoneNumber: "+15550100",
		Password:    "correct horse battery staple",
	}
}
