package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores values as plain string keys. Ranged reads use GETRANGE.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the first configured address.
func NewRedis(ctx context.Context, cfg Config) (*Redis, error) {
	addr := "localhost:6379"
	if len(cfg.Addrs) > 0 {
		addr = cfg.Addrs[0]
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Redis{client: client, prefix: cfg.Prefix}, nil
}

func (r *Redis) Get(ctx context.Context, key string, rng Range) ([]byte, error) {
	key = r.prefix + key

	if rng.IsFull() {
		v, err := r.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("redis get: %w", err)
		}
		return v, nil
	}

	// GETRANGE returns an empty string for missing keys, so existence is
	// checked in the same round trip.
	var (
		exists *redis.IntCmd
		part   *redis.StringCmd
	)
	end := rng.End - 1
	if rng.End < 0 {
		end = -1
	}
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, key)
		part = pipe.GetRange(ctx, key, rng.Start, end)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis getrange: %w", err)
	}
	if exists.Val() == 0 {
		return nil, ErrNotFound
	}
	if rng.End >= 0 && rng.End <= rng.Start {
		return []byte{}, nil
	}
	return []byte(part.Val()), nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
