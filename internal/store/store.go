// Package store defines the key/value byte store that backs the queue and
// quota buckets, and its backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Common errors
var (
	ErrNotFound    = errors.New("key not found in store")
	ErrUnavailable = errors.New("store unavailable")
)

// Range selects bytes [Start, End) of a value. End < 0 means "to the end".
type Range struct {
	Start int64
	End   int64
}

// Full selects a whole value.
var Full = Range{Start: 0, End: -1}

// Slice applies the range to b. Out-of-range selections yield an empty slice.
func (r Range) Slice(b []byte) []byte {
	n := int64(len(b))
	start := r.Start
	if start < 0 {
		start = 0
	}
	end := r.End
	if end < 0 || end > n {
		end = n
	}
	if start >= end {
		return []byte{}
	}
	return b[start:end]
}

// IsFull reports whether the range selects the whole value.
func (r Range) IsFull() bool {
	return r.Start <= 0 && r.End < 0
}

// Store is the capability the admission engine needs from durable storage.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the selected bytes of the value at key, or ErrNotFound.
	Get(ctx context.Context, key string, r Range) ([]byte, error)

	// Put stores value at key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Close releases the backend's resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Type string `toml:"type"` // memory, sqlite, postgres, mysql, redis, valkey, memcached, bolt, s3

	// DSN is used by the SQL backends.
	DSN   string `toml:"dsn"`
	Table string `toml:"table"`

	// Path is used by the sqlite and bolt backends.
	Path string `toml:"path"`

	// Addrs lists server addresses for redis, valkey and memcached.
	Addrs    []string `toml:"addrs"`
	Password string   `toml:"password"`
	Database int      `toml:"database"`

	// S3-compatible object storage.
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseTLS    bool   `toml:"use_tls"`

	// Prefix is prepended to every key by backends sharing a namespace.
	Prefix string `toml:"prefix"`

	// Breaker wraps the backend in a circuit breaker.
	Breaker        bool   `toml:"breaker"`
	BreakerTimeout string `toml:"breaker_timeout"`
}

// Open creates a backend from configuration.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	var (
		s   Store
		err error
	)

	switch cfg.Type {
	case "", "memory":
		s = NewMemory()
	case "sqlite", "sqlite3":
		path := cfg.Path
		if path == "" {
			path = cfg.DSN
		}
		s, err = OpenSQL(ctx, DialectSQLite, path, cfg.Table)
	case "postgres", "postgresql":
		s, err = OpenSQL(ctx, DialectPostgres, cfg.DSN, cfg.Table)
	case "mysql":
		s, err = OpenSQL(ctx, DialectMySQL, cfg.DSN, cfg.Table)
	case "redis":
		s, err = NewRedis(ctx, cfg)
	case "valkey":
		s, err = NewValkey(cfg)
	case "memcached":
		s, err = NewMemcached(cfg)
	case "bolt", "bbolt":
		s, err = OpenBolt(cfg.Path, cfg.Bucket)
	case "s3", "minio":
		s, err = NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Type, err)
	}

	if cfg.Breaker {
		timeout := 30 * time.Second
		if cfg.BreakerTimeout != "" {
			d, err := time.ParseDuration(cfg.BreakerTimeout)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("invalid breaker_timeout: %w", err)
			}
			timeout = d
		}
		s = NewBreaker(s, "store-"+cfg.Type, timeout, logger)
	}

	return s, nil
}
