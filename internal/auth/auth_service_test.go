// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/internal/auth/memory"
	"github.com/gatekeep/gatekeep/pkg/errutil"
)

func TestNewAuthService_NilDependencies(t *testing.T) {
	h := newHarness(t)
	hasher := auth.NewArgon2idHasher(fastParams)

	tests := []struct {
		name        string
		accounts    *auth.AccountStore
		sessions    *auth.SessionManager
		hasher      auth.PasswordHasher
		expectError string
	}{
		{"nil account store", nil, h.manager, hasher, "account store is required"},
		{"nil session manager", h.store, nil, hasher, "session manager is required"},
		{"nil password hasher", h.store, h.manager, nil, "password hasher is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := auth.NewAuthService(tt.accounts, tt.sessions, tt.hasher)
			require.Error(t, err)
			assert.Nil(t, svc)
			assert.Contains(t, err.Error(), tt.expectError)
		})
	}
}

func TestService_Scenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	account, err := h.service.Register(ctx, validInput())
	require.NoError(t, err)
	assert.Equal(t, "alice", account.Username)
	assert.NotEqual(t, validInput().Password, account.Credential.Encode())

	login, err := h.service.Login(ctx, "Alice@Example.com", validInput().Password)
	require.NoError(t, err)
	assert.Equal(t, account.ID, login.Account.ID)
	assert.NotEmpty(t, login.Token)

	who, err := h.service.ValidateSession(ctx, login.Token)
	require.NoError(t, err)
	assert.Equal(t, account.ID, who.ID)

	require.NoError(t, h.service.Logout(ctx, login.Token))

	_, err = h.service.ValidateSession(ctx, login.Token)
	require.Error(t, err)
	assert.True(t, auth.IsUnauthenticated(err))

	// Logging out twice is still success.
	require.NoError(t, h.service.Logout(ctx, login.Token))
}

func TestService_RegisterValidationRunsFirst(t *testing.T) {
	h := newHarness(t)

	in := validInput()
	in.Email = "not-an-email"
	_, err := h.service.Register(context.Background(), in)
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrValidation)
	errutil.AssertErrorCode(t, err, "AUTH_VALIDATION")

	// Nothing was reserved.
	_, err = h.store.Reserve(context.Background(), in.Username, "alice@example.com")
	require.NoError(t, err)
}

func TestService_RegisterDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.Register(ctx, validInput())
	require.NoError(t, err)

	sameEmail := validInput()
	sameEmail.Username = "alice2"
	sameEmail.Email = "ALICE@example.com"
	_, err = h.service.Register(ctx, sameEmail)
	assert.ErrorIs(t, err, auth.ErrDuplicate)

	sameName := validInput()
	sameName.Username = "Alice"
	sameName.Email = "other@example.com"
	_, err = h.service.Register(ctx, sameName)
	assert.ErrorIs(t, err, auth.ErrDuplicate)

	assert.Equal(t, 1, h.accounts.AccountCount())
}

func TestService_ConcurrentRegistrationSameEmail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			in := validInput()
			in.Username = "racer" + string(rune('a'+i))
			_, errs[i] = h.service.Register(ctx, in)
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, auth.ErrDuplicate)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, h.accounts.AccountCount())
}

func TestService_LoginFailuresAreIndistinguishable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.Register(ctx, validInput())
	require.NoError(t, err)

	_, wrongPassword := h.service.Login(ctx, "alice@example.com", "wrong")
	_, unknownEmail := h.service.Login(ctx, "nobody@example.com", "wrong")

	require.Error(t, wrongPassword)
	require.Error(t, unknownEmail)
	assert.ErrorIs(t, wrongPassword, auth.ErrInvalidCredentials)
	assert.ErrorIs(t, unknownEmail, auth.ErrInvalidCredentials)
	assert.Equal(t, wrongPassword.Error(), unknownEmail.Error())
	assert.Equal(t, errutil.Code(wrongPassword), errutil.Code(unknownEmail))
	assert.NotErrorIs(t, unknownEmail, auth.ErrNotFound)
}

// countingHasher records Verify calls so tests can check the decoy path.
type countingHasher struct {
	auth.PasswordHasher
	mu       sync.Mutex
	verifies int
}

func (c *countingHasher) Verify(password string, record auth.CredentialHash) bool {
	c.mu.Lock()
	c.verifies++
	c.mu.Unlock()
	return c.PasswordHasher.Verify(password, record)
}

func TestService_UnknownEmailStillVerifies(t *testing.T) {
	h := newHarness(t)
	hasher := &countingHasher{PasswordHasher: auth.NewArgon2idHasher(fastParams)}
	svc, err := auth.NewAuthService(h.store, h.manager, hasher, auth.WithLogger(discardLogger()))
	require.NoError(t, err)

	_, err = svc.Login(context.Background(), "nobody@example.com", "anything")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	assert.Equal(t, 1, hasher.verifies)
}

func TestService_LoginRejectsOversizedPasswordWithoutHashing(t *testing.T) {
	h := newHarness(t)
	hasher := &countingHasher{PasswordHasher: auth.NewArgon2idHasher(fastParams)}
	svc, err := auth.NewAuthService(h.store, h.manager, hasher, auth.WithLogger(discardLogger()))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = svc.Register(ctx, validInput())
	require.NoError(t, err)

	_, oversized := svc.Login(ctx, "alice@example.com", strings.Repeat("x", auth.MaxPasswordBytes+1))
	require.ErrorIs(t, oversized, auth.ErrInvalidCredentials)
	assert.Equal(t, 0, hasher.verifies)

	_, wrong := svc.Login(ctx, "alice@example.com", "wrong")
	require.Error(t, wrong)
	assert.Equal(t, wrong.Error(), oversized.Error())
	assert.Equal(t, errutil.Code(wrong), errutil.Code(oversized))
}

// medianLogin returns the median duration of n failed logins.
func medianLogin(t *testing.T, svc *auth.Service, email string, n int) time.Duration {
	t.Helper()
	samples := make([]time.Duration, n)
	for i := range samples {
		start := time.Now()
		_, err := svc.Login(context.Background(), email, "wrong password")
		samples[i] = time.Since(start)
		require.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}
	slices.Sort(samples)
	return samples[n/2]
}

func TestService_LoginFailureLatencyIsComparable(t *testing.T) {
	if testing.Short() {
		t.Skip("timing comparison uses production-sized hashing")
	}

	h := newHarness(t)
	hasher := auth.NewArgon2idHasher(auth.Argon2Params{Time: 2, Memory: 16 * 1024, Threads: 1})
	svc, err := auth.NewAuthService(h.store, h.manager, hasher, auth.WithLogger(discardLogger()))
	require.NoError(t, err)
	_, err = svc.Register(context.Background(), validInput())
	require.NoError(t, err)

	const n = 7
	known := medianLogin(t, svc, "alice@example.com", n)
	unknown := medianLogin(t, svc, "nobody@example.com", n)

	// Both paths run exactly one argon2id derivation; only scheduling noise
	// separates them.
	ratio := float64(unknown) / float64(known)
	assert.InDelta(t, 1.0, ratio, 0.5, "wrong password %v, unknown email %v", known, unknown)
}

func TestService_LoginIssuesDistinctSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.service.Register(ctx, validInput())
	require.NoError(t, err)

	a, err := h.service.Login(ctx, "alice@example.com", validInput().Password)
	require.NoError(t, err)
	b, err := h.service.Login(ctx, "alice@example.com", validInput().Password)
	require.NoError(t, err)
	assert.NotEqual(t, a.Token, b.Token)

	// Logging out one session leaves the other valid.
	require.NoError(t, h.service.Logout(ctx, a.Token))
	_, err = h.service.ValidateSession(ctx, b.Token)
	require.NoError(t, err)
}

func TestService_SessionExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc, err := auth.NewAuthService(h.store, h.manager, auth.NewArgon2idHasher(fastParams),
		auth.WithLogger(discardLogger()),
		auth.WithSessionTTL(time.Minute),
	)
	require.NoError(t, err)

	_, err = svc.Register(ctx, validInput())
	require.NoError(t, err)
	login, err := svc.Login(ctx, "alice@example.com", validInput().Password)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	_, err = svc.ValidateSession(ctx, login.Token)
	assert.ErrorIs(t, err, auth.ErrSessionExpired)
	assert.True(t, auth.IsUnauthenticated(err))
}

func TestService_RegisterReleasesOnInsertFailure(t *testing.T) {
	persistence := &mockPersistence{}
	persistence.On("ReserveUnique", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	persistence.On("Insert", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("disk full"))
	persistence.On("Release", mock.Anything, mock.Anything).Return(nil).Once()

	store, err := auth.NewAccountStore(persistence, auth.WithAccountLogger(discardLogger()))
	require.NoError(t, err)
	manager, err := auth.NewSessionManager(memory.NewSessionStore())
	require.NoError(t, err)
	svc, err := auth.NewAuthService(store, manager, auth.NewArgon2idHasher(fastParams), auth.WithLogger(discardLogger()))
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), validInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	persistence.AssertExpectations(t)
}

func TestService_ReleaseFailureIsLogged(t *testing.T) {
	persistence := &mockPersistence{}
	persistence.On("ReserveUnique", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	persistence.On("Insert", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("disk full"))
	persistence.On("Release", mock.Anything, mock.Anything).Return(errors.New("still full"))

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	store, err := auth.NewAccountStore(persistence, auth.WithAccountLogger(logger))
	require.NoError(t, err)
	manager, err := auth.NewSessionManager(memory.NewSessionStore())
	require.NoError(t, err)
	svc, err := auth.NewAuthService(store, manager, auth.NewArgon2idHasher(fastParams), auth.WithLogger(logger))
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), validInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full", "release failure does not mask the original error")
	assert.Contains(t, buf.String(), "failed to release reservation")
	assert.NotContains(t, buf.String(), validInput().Password)
}
