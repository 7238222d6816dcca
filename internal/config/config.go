// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

// Package config loads Gatekeep configuration. Values are layered, each
// layer overriding the previous one: compiled defaults, the YAML config
// file, GATEKEEP_* environment variables, then explicitly set CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/gatekeep/gatekeep/internal/logging"
	"github.com/gatekeep/gatekeep/internal/xdg"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: GATEKEEP_HTTP__RATE_LIMIT__BURST.
const EnvPrefix = "GATEKEEP_"

// Storage driver names.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Config is the full service configuration.
type Config struct {
	HTTP         HTTPConfig         `koanf:"http"`
	Metrics      MetricsConfig      `koanf:"metrics"`
	Log          LogConfig          `koanf:"log"`
	Storage      StorageConfig      `koanf:"storage"`
	Session      SessionConfig      `koanf:"session"`
	Registration RegistrationConfig `koanf:"registration"`
	Hasher       HasherConfig       `koanf:"hasher"`
	Retry        RetryConfig        `koanf:"retry"`
}

// HTTPConfig configures the public auth API.
type HTTPConfig struct {
	Addr         string          `koanf:"addr"`
	CookieName   string          `koanf:"cookie_name"`
	CookieSecure bool            `koanf:"cookie_secure"`
	RateLimit    RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig is the per-IP limit on /auth routes. PerSecond of 0
// disables limiting.
type RateLimitConfig struct {
	PerSecond float64 `koanf:"per_second"`
	Burst     int     `koanf:"burst"`
}

// MetricsConfig configures the metrics and health listener. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// StorageConfig selects the storage drivers.
type StorageConfig struct {
	Accounts    string `koanf:"accounts"`
	Sessions    string `koanf:"sessions"`
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`
}

// SessionConfig configures session lifetime and cleanup.
type SessionConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	Sliding       bool          `koanf:"sliding"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// RegistrationConfig configures account registration.
type RegistrationConfig struct {
	ReservationTTL time.Duration `koanf:"reservation_ttl"`
}

// HasherConfig holds the Argon2id cost parameters.
type HasherConfig struct {
	Time      uint32 `koanf:"time"`
	MemoryKiB uint32 `koanf:"memory_kib"`
	Threads   uint8  `koanf:"threads"`
}

// RetryConfig bounds retries of transient storage failures.
type RetryConfig struct {
	MaxRetries uint64        `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
}

// Default returns the compiled defaults.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			CookieName:   "gatekeep_session",
			CookieSecure: true,
			RateLimit:    RateLimitConfig{PerSecond: 5, Burst: 10},
		},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9100"},
		Log:     LogConfig{Format: "json", Level: "info"},
		Storage: StorageConfig{
			Accounts: DriverPostgres,
			Sessions: DriverPostgres,
		},
		Session: SessionConfig{
			TTL:           24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Registration: RegistrationConfig{ReservationTTL: 2 * time.Minute},
		Hasher:       HasherConfig{Time: 1, MemoryKiB: 64 * 1024, Threads: 4},
		Retry:        RetryConfig{MaxRetries: 3, BaseDelay: 50 * time.Millisecond},
	}
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"http-addr":         "http.addr",
	"cookie-secure":     "http.cookie_secure",
	"metrics-addr":      "metrics.addr",
	"log-format":        "log.format",
	"log-level":         "log.level",
	"accounts-driver":   "storage.accounts",
	"sessions-driver":   "storage.sessions",
	"database-url":      "storage.database_url",
	"redis-url":         "storage.redis_url",
	"session-ttl":       "session.ttl",
	"sliding-sessions":  "session.sliding",
	"sweep-interval":    "session.sweep_interval",
	"reservation-ttl":   "registration.reservation_ttl",
	"rate-limit":        "http.rate_limit.per_second",
	"rate-limit-burst":  "http.rate_limit.burst",
	"retry-max-retries": "retry.max_retries",
}

// RegisterFlags adds the overridable settings to fs. Flag defaults mirror
// Default() for help output only; unset flags never override other layers.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("http-addr", d.HTTP.Addr, "auth API listen address")
	fs.Bool("cookie-secure", d.HTTP.CookieSecure, "set the Secure attribute on the session cookie")
	fs.String("metrics-addr", d.Metrics.Addr, "metrics/health listen address (empty = disabled)")
	fs.String("log-format", d.Log.Format, "log format (json or text)")
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	fs.String("accounts-driver", d.Storage.Accounts, "account storage driver (postgres or memory)")
	fs.String("sessions-driver", d.Storage.Sessions, "session storage driver (postgres, redis or memory)")
	fs.String("database-url", "", "PostgreSQL connection URL")
	fs.String("redis-url", "", "Redis connection URL")
	fs.Duration("session-ttl", d.Session.TTL, "session lifetime")
	fs.Bool("sliding-sessions", d.Session.Sliding, "extend sessions on every successful validation")
	fs.Duration("sweep-interval", d.Session.SweepInterval, "expired record sweep interval (0 = disabled)")
	fs.Duration("reservation-ttl", d.Registration.ReservationTTL, "registration reservation lifetime")
	fs.Float64("rate-limit", d.HTTP.RateLimit.PerSecond, "per-IP requests per second on /auth (0 = disabled)")
	fs.Int("rate-limit-burst", d.HTTP.RateLimit.Burst, "per-IP burst on /auth")
	fs.Uint64("retry-max-retries", d.Retry.MaxRetries, "retries of transient storage failures")
}

// Load builds the configuration. An empty path reads the XDG default file
// if it exists; an explicit path must exist. fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := loadFile(k, path); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		}), nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("operation", "unmarshal").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	explicit := path != ""
	if !explicit {
		var err error
		if path, err = xdg.ConfigFile(); err != nil {
			return nil
		}
	}

	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
	}
	return nil
}

// envKey turns GATEKEEP_HTTP__COOKIE_NAME into http.cookie_name.
func envKey(key, value string) (string, any) {
	key = strings.TrimPrefix(key, EnvPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", "."), value
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.HTTP.Addr == "" {
		fail("http.addr is required")
	}
	if c.HTTP.CookieName == "" {
		fail("http.cookie_name is required")
	}
	if c.HTTP.RateLimit.PerSecond < 0 {
		fail("http.rate_limit.per_second must not be negative")
	}
	if c.HTTP.RateLimit.PerSecond > 0 && c.HTTP.RateLimit.Burst < 1 {
		fail("http.rate_limit.burst must be at least 1")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		fail("log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		fail("log.level %q is not a level", c.Log.Level)
	}

	switch c.Storage.Accounts {
	case DriverPostgres, DriverMemory:
	default:
		fail("storage.accounts must be 'postgres' or 'memory', got %q", c.Storage.Accounts)
	}
	switch c.Storage.Sessions {
	case DriverPostgres, DriverRedis, DriverMemory:
	default:
		fail("storage.sessions must be 'postgres', 'redis' or 'memory', got %q", c.Storage.Sessions)
	}
	if c.UsesPostgres() && c.Storage.DatabaseURL == "" {
		fail("storage.database_url is required for the postgres driver")
	}
	if c.Storage.Sessions == DriverRedis && c.Storage.RedisURL == "" {
		fail("storage.redis_url is required for the redis driver")
	}

	if c.Session.TTL <= 0 {
		fail("session.ttl must be positive")
	}
	if c.Session.SweepInterval < 0 {
		fail("session.sweep_interval must not be negative")
	}
	if c.Registration.ReservationTTL <= 0 {
		fail("registration.reservation_ttl must be positive")
	}
	if c.Hasher.Time < 1 || c.Hasher.Threads < 1 || c.Hasher.MemoryKiB < 8*uint32(c.Hasher.Threads) {
		fail("hasher parameters are out of range")
	}
	if c.Retry.BaseDelay <= 0 {
		fail("retry.base_delay must be positive")
	}

	if len(errs) > 0 {
		return oops.Code("CONFIG_INVALID").Wrap(errors.Join(errs...))
	}
	return nil
}

// UsesPostgres reports whether any storage driver needs the database.
func (c *Config) UsesPostgres() bool {
	return c.Storage.Accounts == DriverPostgres || c.Storage.Sessions == DriverPostgres
}
