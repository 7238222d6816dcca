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

// errReservationGone aborts an Insert transaction whose reservation lapsed.
var errReservationGone = errors.New("reservation gone")

// AccountRepository implements auth.AccountPersistence using PostgreSQL.
//
// Every uniqueness key ("username:<key>", "email:<key>") is a row in
// account_keys. A row belongs either to a reservation (reservation_id and
// expires_at set) or to an account (account_id set).
type AccountRepository struct {
	db DB
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func uniqueKey(kind auth.KeyKind, key string) string {
	return string(kind) + ":" + key
}

// ReserveUnique claims both keys in one transaction. Expired reservations on
// the same keys are removed first; a live holder makes the insert fail with
// a unique violation.
func (r *AccountRepository) ReserveUnique(ctx context.Context, res auth.Reservation, now time.Time) error {
	usernameKey := uniqueKey(auth.KeyUsername, res.UsernameKey)
	emailKey := uniqueKey(auth.KeyEmail, res.EmailKey)

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM account_keys
			WHERE key = ANY($1) AND account_id IS NULL AND expires_at <= $2
		`, []string{usernameKey, emailKey}, now); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO account_keys (key, kind, reservation_id, expires_at)
			VALUES ($1, 'username', $3, $4), ($2, 'email', $3, $4)
		`, usernameKey, emailKey, res.ID.String(), res.ExpiresAt)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("AUTH_DUPLICATE").
				With("reservation_id", res.ID.String()).
				Wrap(auth.ErrDuplicate)
		}
		return wrapErr("ACCOUNT_RESERVE_FAILED", "reserve account keys", err)
	}
	return nil
}

// Insert writes the account and hands the reservation's keys over to it.
func (r *AccountRepository) Insert(ctx context.Context, reservationID ulid.ULID, account *auth.Account, now time.Time) error {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO accounts (id, username, email, phone_number, password_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`,
			account.ID.String(),
			account.Username,
			account.Email,
			account.PhoneNumber,
			account.Credential.Encode(),
			account.CreatedAt,
		); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE account_keys
			SET account_id = $1, reservation_id = NULL, expires_at = NULL
			WHERE reservation_id = $2 AND expires_at > $3
		`, account.ID.String(), reservationID.String(), now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 2 {
			return errReservationGone
		}
		return nil
	})
	if errors.Is(err, errReservationGone) {
		return oops.Code("ACCOUNT_RESERVATION_EXPIRED").
			With("reservation_id", reservationID.String()).
			Wrap(auth.ErrReservationExpired)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("AUTH_DUPLICATE").
				With("account_id", account.ID.String()).
				Wrap(auth.ErrDuplicate)
		}
		return wrapErr("ACCOUNT_CREATE_FAILED", "insert account", err)
	}
	return nil
}

// Release drops the reservation's keys if it was never converted.
func (r *AccountRepository) Release(ctx context.Context, reservationID ulid.ULID) error {
	_, err := r.db.Exec(ctx, `
		DELETE FROM account_keys
		WHERE reservation_id = $1 AND account_id IS NULL
	`, reservationID.String())
	if err != nil {
		return wrapErr("ACCOUNT_RELEASE_FAILED", "release reservation", err)
	}
	return nil
}

// FindByKey retrieves an account through its uniqueness key.
func (r *AccountRepository) FindByKey(ctx context.Context, kind auth.KeyKind, key string) (*auth.Account, error) {
	row := r.db.QueryRow(ctx, `
		SELECT a.id, a.username, a.email, a.phone_number, a.password_hash, a.created_at
		FROM account_keys k
		JOIN accounts a ON a.id = k.account_id
		WHERE k.key = $1
	`, uniqueKey(kind, key))

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("key_kind", string(kind)).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("ACCOUNT_LOOKUP_FAILED", "find account by key", err)
	}
	return account, nil
}

// FindByID retrieves an account by ID.
func (r *AccountRepository) FindByID(ctx context.Context, id ulid.ULID) (*auth.Account, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, username, email, phone_number, password_hash, created_at
		FROM accounts
		WHERE id = $1
	`, id.String())

	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("ACCOUNT_NOT_FOUND").
			With("account_id", id.String()).
			Wrap(auth.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("ACCOUNT_LOOKUP_FAILED", "find account by id", err)
	}
	return account, nil
}

// DeleteExpiredReservations removes lapsed reservation keys and returns the
// number of distinct reservations removed.
func (r *AccountRepository) DeleteExpiredReservations(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM account_keys
			WHERE account_id IS NULL AND expires_at <= $1
			RETURNING reservation_id
		)
		SELECT COUNT(DISTINCT reservation_id) FROM deleted
	`, before).Scan(&n)
	if err != nil {
		return 0, wrapErr("ACCOUNT_PURGE_FAILED", "delete expired reservations", err)
	}
	return n, nil
}

// scanAccount scans a single row into an Account.
// Callers are responsible for handling pgx.ErrNoRows.
func scanAccount(row pgx.Row) (*auth.Account, error) {
	var (
		idStr        string
		username     string
		email        string
		phoneNumber  string
		passwordHash string
		createdAt    time.Time
	)

	if err := row.Scan(&idStr, &username, &email, &phoneNumber, &passwordHash, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err //nolint:wrapcheck // Callers wrap with context-specific info
		}
		return nil, err //nolint:wrapcheck // Callers classify transient errors
	}

	id, err := ulid.Parse(idStr)
	if err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_ID").
			With("operation", "parse account id").
			With("id", idStr).
			Wrap(err)
	}

	credential, err := auth.ParseCredentialHash(passwordHash)
	if err != nil {
		return nil, oops.Code("ACCOUNT_INVALID_HASH").
			With("operation", "parse password hash").
			With("id", idStr).
			Wrap(err)
	}

	return &auth.Account{
		ID:          id,
		Username:    username,
		Email:       email,
		PhoneNumber: phoneNumber,
		Credential:  credential,
		CreatedAt:   createdAt,
	}, nil
}

// Compile-time interface check.
var _ auth.AccountPersistence = (*AccountRepository)(nil)
