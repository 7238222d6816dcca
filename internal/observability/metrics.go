// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// Request outcomes recorded by AuthMetrics.
const (
	OutcomeSuccess     = "success"
	OutcomeInvalid     = "invalid"
	OutcomeDuplicate   = "duplicate"
	OutcomeDenied      = "denied"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// AuthMetrics contains the Prometheus metrics for authentication traffic.
type AuthMetrics struct {
	RequestsTotal       *prometheus.CounterVec
	StorageRetriesTotal *prometheus.CounterVec
	SweptTotal          *prometheus.CounterVec
}

// NewAuthMetrics creates and registers the auth metrics.
func NewAuthMetrics(reg prometheus.Registerer) *AuthMetrics {
	m := &AuthMetrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_auth_requests_total",
				Help: "Total number of auth operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		StorageRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_storage_retries_total",
				Help: "Total number of retried storage calls by operation",
			},
			[]string{"operation"},
		),
		SweptTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeep_swept_total",
				Help: "Total number of expired records removed by kind",
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.StorageRetriesTotal, m.SweptTotal)
	return m
}

// Outcome classifies an auth error for the outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, auth.ErrValidation):
		return OutcomeInvalid
	case errors.Is(err, auth.ErrDuplicate):
		return OutcomeDuplicate
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUnauthenticated):
		return OutcomeDenied
	case errors.Is(err, auth.ErrStorageUnavailable), errors.Is(err, auth.ErrReservationExpired):
		return OutcomeUnavailable
	default:
		return OutcomeError
	}
}

// ObserveRequest records one auth operation.
func (m *AuthMetrics) ObserveRequest(operation string, err error) {
	m.RequestsTotal.WithLabelValues(operation, Outcome(err)).Inc()
}

// ObserveRetry matches auth.RetryPolicy.OnRetry.
func (m *AuthMetrics) ObserveRetry(operation string, _ int, _ error) {
	m.StorageRetriesTotal.WithLabelValues(operation).Inc()
}

// ObserveSweep matches the auth.WithSweepHook callback.
func (m *AuthMetrics) ObserveSweep(result auth.SweepResult) {
	m.SweptTotal.WithLabelValues("session").Add(float64(result.Sessions))
	m.SweptTotal.WithLabelValues("reservation").Add(float64(result.Reservations))
}
