// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/gatekeep/internal/auth"
	"github.com/gatekeep/gatekeep/pkg/errutil"
)

// mockPersistence is a testify mock of auth.AccountPersistence.
type mockPersistence struct {
	mock.Mock
}

func (m *mockPersistence) ReserveUnique(ctx context.Context, r auth.Reservation, now time.Time) error {
	return m.Called(ctx, r, now).Error(0)
}

func (m *mockPersistence) Insert(ctx context.Context, reservationID ulid.ULID, account *auth.Account, now time.Time) error {
	return m.Called(ctx, reservationID, account, now).Error(0)
}

func (m *mockPersistence) Release(ctx context.Context, reservationID ulid.ULID) error {
	return m.Called(ctx, reservationID).Error(0)
}

func (m *mockPersistence) FindByKey(ctx context.Context, kind auth.KeyKind, key string) (*auth.Account, error) {
	args := m.Called(ctx, kind, key)
	account, _ := args.Get(0).(*auth.Account)
	return account, args.Error(1)
}

func (m *mockPersistence) FindByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	args := m.Called(ctx, id)
	account, _ := args.Get(0).(*auth.Account)
	return account, args.Error(1)
}

func (m *mockPersistence) DeleteExpiredReservations(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

var errConnReset = oops.Code("STORAGE_UNAVAILABLE").
	Wrap(errors.Join(auth.ErrStorageUnavailable, errors.New("connection reset by peer")))

func TestAccountStore_ReserveCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.store.Reserve(ctx, " Alice ", "Alice@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", r.UsernameKey)
	assert.Equal(t, "alice@example.com", r.EmailKey)
	assert.Equal(t, "Alice", r.Username)
	assert.Equal(t, h.clock.Now().Add(auth.DefaultReservationTTL), r.ExpiresAt)

	cred, err := auth.NewArgon2idHasher(fastParams).Hash("pw")
	require.NoError(t, err)

	account, err := h.store.Create(ctx, r, cred, "+15550100")
	require.NoError(t, err)
	assert.Equal(t, "Alice", account.Username)
	assert.Equal(t, "Alice@Example.com", account.Email)

	found, err := h.store.FindByEmail(ctx, "ALICE@example.COM")
	require.NoError(t, err)
	assert.Equal(t, account.ID, found.ID)

	byID, err := h.store.FindByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, account.ID, byID.ID)
}

func TestAccountStore_ReserveConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Reserve(ctx, "alice", "alice@example.com")
	require.NoError(t, err)

	_, err = h.store.Reserve(ctx, "ALICE", "other@example.com")
	assert.ErrorIs(t, err, auth.ErrDuplicate)

	_, err = h.store.Reserve(ctx, "bob", "Alice@Example.com")
	assert.ErrorIs(t, err, auth.ErrDuplicate)
	errutil.AssertErrorCode(t, err, "AUTH_DUPLICATE")
}

func TestAccountStore_ReservationLapses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.store.Reserve(ctx, "alice", "alice@example.com")
	require.NoError(t, err)

	h.clock.Advance(auth.DefaultReservationTTL)

	cred, err := auth.NewArgon2idHasher(fastParams).Hash("pw")
	require.NoError(t, err)
	_, err = h.store.Create(ctx, r, cred, "")
	assert.ErrorIs(t, err, auth.ErrReservationExpired)

	// The lapsed claim no longer blocks anyone.
	_, err = h.store.Reserve(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
}

func TestAccountStore_ReleaseFreesKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.store.Reserve(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
	require.NoError(t, h.store.Release(ctx, r))
	require.NoError(t, h.store.Release(ctx, r))
	require.NoError(t, h.store.Release(ctx, nil))

	_, err = h.store.Reserve(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
}

func TestAccountStore_PurgeExpiredReservations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Reserve(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
	_, err = h.store.Reserve(ctx, "bob", "bob@example.com")
	require.NoError(t, err)

	n, err := h.store.PurgeExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(auth.DefaultReservationTTL)
	n, err = h.store.PurgeExpiredReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestAccountStore_FindByEmailNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.FindByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestAccountStore_RetriesTransientReserve(t *testing.T) {
	persistence := &mockPersistence{}
	persistence.On("ReserveUnique", mock.Anything, mock.Anything, mock.Anything).Return(errConnReset).Twice()
	persistence.On("ReserveUnique", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	var retries int
	store, err := auth.NewAccountStore(persistence,
		auth.WithAccountLogger(discardLogger()),
		auth.WithAccountRetry(auth.RetryPolicy{
			MaxRetries: 3,
			BaseDelay:  time.Millisecond,
			OnRetry:    func(string, int, error) { retries++ },
		}),
	)
	require.NoError(t, err)

	_, err = store.Reserve(context.Background(), "alice", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, retries)
	persistence.AssertExpectations(t)
}

func TestAccountStore_ExhaustedRetriesSurfaceUnavailable(t *testing.T) {
	persistence := &mockPersistence{}
	persistence.On("FindByKey", mock.Anything, auth.KeyEmail, "alice@example.com").Return(nil, errConnReset)

	store, err := auth.NewAccountStore(persistence,
		auth.WithAccountLogger(discardLogger()),
		auth.WithAccountRetry(auth.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}),
	)
	require.NoError(t, err)

	_, err = store.FindByEmail(context.Background(), "alice@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, auth.ErrStorageUnavailable)
	assert.NotErrorIs(t, err, auth.ErrNotFound)
	persistence.AssertNumberOfCalls(t, "FindByKey", 3)
}

func TestAccountStore_CanceledCallerStillWrites(t *testing.T) {
	persistence := &mockPersistence{}
	persistence.On("ReserveUnique", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			assert.NoError(t, ctx.Err(), "write context must not inherit cancellation")
		}).
		Return(nil)

	store, err := auth.NewAccountStore(persistence, auth.WithAccountLogger(discardLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Reserve(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
}

func TestNewAccountStore_Config(t *testing.T) {
	_, err := auth.NewAccountStore(nil)
	errutil.AssertErrorCode(t, err, "AUTH_INVALID_CONFIG")

	_, err = auth.NewAccountStore(&mockPersistence{}, auth.WithReservationTTL(0))
	errutil.AssertErrorCode(t, err, "AUTH_INVALID_CONFIG")
}
