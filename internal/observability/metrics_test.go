// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"

	"github.com/gatekeep/gatekeep/internal/auth"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeSuccess},
		{&auth.ValidationError{Fields: map[string]string{"email": "required"}}, OutcomeInvalid},
		{oops.Code("AUTH_DUPLICATE").Wrap(auth.ErrDuplicate), OutcomeDuplicate},
		{oops.Wrap(auth.ErrInvalidCredentials), OutcomeDenied},
		{oops.Wrap(errors.Join(auth.ErrUnauthenticated, auth.ErrSessionExpired)), OutcomeDenied},
		{oops.Wrap(errors.Join(auth.ErrStorageUnavailable, errors.New("reset"))), OutcomeUnavailable},
		{oops.Code("ACCOUNT_RESERVATION_EXPIRED").Wrap(auth.ErrReservationExpired), OutcomeUnavailable},
		{errors.New("boom"), OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Outcome(tt.err))
		})
	}
}

func TestAuthMetrics_Hooks(t *testing.T) {
	m := NewAuthMetrics(prometheus.NewRegistry())

	m.ObserveRequest("register", oops.Wrap(auth.ErrDuplicate))
	m.ObserveRetry("insert account", 1, errors.New("reset"))
	m.ObserveRetry("insert account", 2, errors.New("reset"))
	m.ObserveSweep(auth.SweepResult{Sessions: 4, Reservations: 1})

	assert.InDelta(t, 1, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("register", OutcomeDuplicate)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.StorageRetriesTotal.WithLabelValues("insert account")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.SweptTotal.WithLabelValues("session")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SweptTotal.WithLabelValues("reservation")), 0)
}
