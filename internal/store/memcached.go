package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached stores values in memcached. Keys are limited to 250 bytes and
// values to the server's item size; ranged reads fetch the whole item.
type Memcached struct {
	client *memcache.Client
	prefix string
}

// NewMemcached creates a client for the configured servers.
func NewMemcached(cfg Config) (*Memcached, error) {
	servers := cfg.Addrs
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}

	client := memcache.New(servers...)
	client.Timeout = 2 * time.Second

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	return &Memcached{client: client, prefix: cfg.Prefix}, nil
}

func (m *Memcached) Get(_ context.Context, key string, r Range) ([]byte, error) {
	item, err := m.client.Get(m.prefix + key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memcached get: %w", err)
	}
	if r.IsFull() {
		return item.Value, nil
	}
	return append([]byte(nil), r.Slice(item.Value)...), nil
}

func (m *Memcached) Put(_ context.Context, key string, value []byte) error {
	if err := m.client.Set(&memcache.Item{Key: m.prefix + key, Value: value}); err != nil {
		return fmt.Errorf("memcached set: %w", err)
	}
	return nil
}

func (m *Memcached) Delete(_ context.Context, key string) (bool, error) {
	err := m.client.Delete(m.prefix + key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memcached delete: %w", err)
	}
	return true, nil
}

// Close is a no-op; idle connections are dropped by the server.
func (m *Memcached) Close() error {
	return nil
}
