// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package redis implements auth.SessionStore on Redis.
package redis

import (
	"context"
	"errors"
	"io"
	"net"

	goredis "github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/gatekeep/gatekeep/internal/auth"
)

// NewClient parses redisURL (e.g. "redis://localhost:6379/0") and verifies
// the connection.
func NewClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, oops.Code("REDIS_INVALID_URL").Wrap(err)
	}

	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, oops.Code("REDIS_CONNECT_FAILED").With("addr", opts.Addr).Wrap(err)
	}
	return rdb, nil
}

// isTransient reports whether err is a connection or server-state failure
// that may succeed on retry.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, goredis.Nil) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, goredis.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	for _, prefix := range []string{"LOADING", "READONLY", "MASTERDOWN", "TRYAGAIN", "CLUSTERDOWN"} {
		if goredis.HasErrorPrefix(err, prefix) {
			return true
		}
	}
	return false
}

func wrapErr(code, operation string, err error) error {
	if isTransient(err) {
		return oops.Code("STORAGE_UNAVAILABLE").
			With("operation", operation).
			Wrap(errors.Join(auth.ErrStorageUnavailable, err))
	}
	return oops.Code(code).With("operation", operation).Wrap(err)
}
