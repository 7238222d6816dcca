// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"errors"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds retries of transient storage failures.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64

	// BaseDelay is the first backoff; each retry doubles it (with jitter).
	BaseDelay time.Duration

	// OnRetry, if set, is called before each retry.
	OnRetry func(operation string, attempt int, err error)
}

// DefaultRetryPolicy retries three times starting at 50ms.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  50 * time.Millisecond,
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryPolicy.BaseDelay
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// do runs op, retrying only errors that wrap ErrStorageUnavailable. When the
// retries are exhausted the last error is returned with the STORAGE_UNAVAILABLE
// code. Other errors are returned unchanged on first occurrence.
func (p RetryPolicy) do(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrStorageUnavailable) {
			return err
		}
		if p.OnRetry != nil && uint64(attempt) <= p.MaxRetries {
			p.OnRetry(operation, attempt, err)
		}
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return oops.Code("STORAGE_UNAVAILABLE").
			With("operation", operation).
			With("attempts", attempt).
			Wrap(err)
	}
	return err
}

// writeContext detaches a storage write from caller cancellation so a
// submitted write is never abandoned halfway.
func writeContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
