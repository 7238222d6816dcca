// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package memory provides in-process implementations of the auth storage
// collaborators. They are safe for concurrent use but only enforce
// uniqueness within a single process; production deployments use the
// postgres package.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// keyHolder is whoever currently owns a uniqueness key.
type keyHolder struct {
	accountID     ulid.ULID
	reservationID ulid.ULID
	expiresAt     time.Time
}

func (h keyHolder) isReservation() bool {
	return h.accountID.Compare(ulid.ULID{}) == 0
}

type reservation struct {
	usernameKey string
	emailKey    string
	expiresAt   time.Time
}

// AccountPersistence implements auth.AccountPersistence in memory.
type AccountPersistence struct {
	mu           sync.Mutex
	keys         map[string]keyHolder
	reservations map[ulid.ULID]reservation
	accounts     map[ulid.ULID]auth.Account
}

// NewAccountPersistence creates an empty AccountPersistence.
func NewAccountPersistence() *AccountPersistence {
	return &AccountPersistence{
		keys:         make(map[string]keyHolder),
		reservations: make(map[ulid.ULID]reservation),
		accounts:     make(map[ulid.ULID]auth.Account),
	}
}

func keyFor(kind auth.KeyKind, key string) string {
	return string(kind) + ":" + key
}

// ReserveUnique claims both keys of r or neither.
func (p *AccountPersistence) ReserveUnique(_ context.Context, r auth.Reservation, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	userKey := keyFor(auth.KeyUsername, r.UsernameKey)
	emailKey := keyFor(auth.KeyEmail, r.EmailKey)

	for _, k := range []string{userKey, emailKey} {
		holder, held := p.keys[k]
		if !held {
			continue
		}
		if holder.isReservation() && !now.Before(holder.expiresAt) {
			p.dropReservationLocked(holder.reservationID)
			continue
		}
		return oops.Code("AUTH_DUPLICATE").With("key_kind", kindOf(k)).Wrap(auth.ErrDuplicate)
	}

	holder := keyHolder{reservationID: r.ID, expiresAt: r.ExpiresAt}
	p.keys[userKey] = holder
	p.keys[emailKey] = holder
	p.reservations[r.ID] = reservation{
		usernameKey: userKey,
		emailKey:    emailKey,
		expiresAt:   r.ExpiresAt,
	}
	return nil
}

// Insert converts a live reservation into an account.
func (p *AccountPersistence) Insert(_ context.Context, reservationID ulid.ULID, account *auth.Account, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	res, ok := p.reservations[reservationID]
	if !ok || !now.Before(res.expiresAt) {
		return oops.Code("ACCOUNT_RESERVATION_EXPIRED").
			With("reservation_id", reservationID.String()).
			Wrap(auth.ErrReservationExpired)
	}

	holder := keyHolder{accountID: account.ID}
	p.keys[res.usernameKey] = holder
	p.keys[res.emailKey] = holder
	delete(p.reservations, reservationID)
	p.accounts[account.ID] = *account
	return nil
}

// Release drops an unfinished reservation.
func (p *AccountPersistence) Release(_ context.Context, reservationID ulid.ULID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropReservationLocked(reservationID)
	return nil
}

func (p *AccountPersistence) dropReservationLocked(reservationID ulid.ULID) {
	res, ok := p.reservations[reservationID]
	if !ok {
		return
	}
	for _, k := range []string{res.usernameKey, res.emailKey} {
		if holder, held := p.keys[k]; held && holder.isReservation() && holder.reservationID == reservationID {
			delete(p.keys, k)
		}
	}
	delete(p.reservations, reservationID)
}

// FindByKey retrieves an account by normalized username or email.
func (p *AccountPersistence) FindByKey(_ context.Context, kind auth.KeyKind, key string) (*auth.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	holder, ok := p.keys[keyFor(kind, key)]
	if !ok || holder.isReservation() {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("key_kind", string(kind)).Wrap(auth.ErrNotFound)
	}
	account := p.accounts[holder.accountID]
	return &account, nil
}

// FindByID retrieves an account by ID.
func (p *AccountPersistence) FindByID(_ context.Context, id ulid.ULID) (*auth.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	account, ok := p.accounts[id]
	if !ok {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").With("account_id", id.String()).Wrap(auth.ErrNotFound)
	}
	return &account, nil
}

// DeleteExpiredReservations removes reservations expired at before.
func (p *AccountPersistence) DeleteExpiredReservations(_ context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var n int64
	for id, res := range p.reservations {
		if !before.Before(res.expiresAt) {
			p.dropReservationLocked(id)
			n++
		}
	}
	return n, nil
}

// AccountCount returns the number of stored accounts.
func (p *AccountPersistence) AccountCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

func kindOf(k string) string {
	kind, _, _ := strings.Cut(k, ":")
	return kind
}

// Compile-time interface check.
var _ auth.AccountPersistence = (*AccountPersistence)(nil)
