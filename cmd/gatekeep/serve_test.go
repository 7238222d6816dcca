// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/gatekeep/internal/config"
	"github.com/gatekeep/gatekeep/pkg/errutil"
)

type addrs struct {
	api     string
	metrics string
}

func startServe(t *testing.T, cfg *config.Config) (addrs, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan addrs, 1)
	done := make(chan error, 1)

	go func() {
		done <- runServe(ctx, cfg, discardLogger(), &ServeDeps{
			OnReady: func(api, metrics string) { ready <- addrs{api, metrics} },
		})
	}()

	select {
	case a := <-ready:
		t.Cleanup(cancel)
		return a, cancel, done
	case err := <-done:
		cancel()
		t.Fatalf("serve exited before ready: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("serve did not become ready")
	}
	return addrs{}, cancel, done
}

func post(t *testing.T, client *http.Client, url, body string) *http.Response {
	t.Helper()
	resp, err := client.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRunServe_EndToEnd(t *testing.T) {
	cfg := memoryConfig()
	cfg.HTTP.CookieSecure = false
	a, cancel, done := startServe(t, cfg)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar, Timeout: 5 * time.Second}
	base := "http://" + a.api

	resp := post(t, client, base+"/auth/register",
		`{"username":"alice","email":"alice@example.com","phoneNumber":"+15550100","password":"pw"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, client, base+"/auth/login", `{"email":"alice@example.com","password":"pw"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	session, err := client.Get(base + "/auth/session")
	require.NoError(t, err)
	_ = session.Body.Close()
	assert.Equal(t, http.StatusOK, session.StatusCode)

	metrics, err := http.Get("http://" + a.metrics + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(metrics.Body)
	_ = metrics.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `gatekeep_auth_requests_total{operation="login",outcome="success"} 1`)

	readiness, err := http.Get("http://" + a.metrics + "/healthz/readiness")
	require.NoError(t, err)
	_ = readiness.Body.Close()
	assert.Equal(t, http.StatusOK, readiness.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func TestRunServe_MetricsDisabled(t *testing.T) {
	cfg := memoryConfig()
	cfg.Metrics.Addr = ""
	cfg.Session.SweepInterval = 0
	a, cancel, done := startServe(t, cfg)

	assert.NotEmpty(t, a.api)
	assert.Empty(t, a.metrics)

	cancel()
	require.NoError(t, <-done)
}

func TestRunServe_StorageFailure(t *testing.T) {
	err := runServe(context.Background(), memoryConfig(), discardLogger(), &ServeDeps{
		BackendOpener: func(context.Context, *config.Config, *slog.Logger) (*backend, error) {
			return nil, errors.New("connection refused")
		},
	})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "SERVE_STORAGE_FAILED")
}

func TestRunServe_ListenFailure(t *testing.T) {
	cfg := memoryConfig()
	cfg.HTTP.Addr = "256.0.0.1:0"

	err := runServe(context.Background(), cfg, discardLogger(), nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "HTTP_LISTEN_FAILED")
}

func TestBackend_ReadyJoinsChecks(t *testing.T) {
	b := &backend{checks: []func(context.Context) error{
		func(context.Context) error { return nil },
		func(context.Context) error { return errors.New("redis down") },
	}}
	require.ErrorContains(t, b.Ready(context.Background()), "redis down")

	var closed []int
	b.closers = []func(){func() { closed = append(closed, 1) }, func() { closed = append(closed, 2) }}
	b.Close()
	assert.Equal(t, []int{2, 1}, closed)
}

func TestOpenBackend_Memory(t *testing.T) {
	b, err := openBackend(context.Background(), memoryConfig(), discardLogger())
	require.NoError(t, err)
	defer b.Close()

	assert.NotNil(t, b.accounts)
	assert.NotNil(t, b.sessions)
	require.NoError(t, b.Ready(context.Background()))
}
