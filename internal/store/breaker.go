package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker wraps a Store in a circuit breaker. While the breaker is open
// every call fails fast with ErrUnavailable. A missing key is not counted
// as a failure.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps s. timeout is how long the breaker stays open before
// letting a trial request through.
func NewBreaker(s Store, name string, timeout time.Duration, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Store circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Breaker{next: s, cb: cb}
}

func wrapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (b *Breaker) Get(ctx context.Context, key string, r Range) ([]byte, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Get(ctx, key, r)
	})
	if err != nil {
		return nil, wrapBreakerErr(err)
	}
	return v.([]byte), nil
}

func (b *Breaker) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Put(ctx, key, value)
	})
	return wrapBreakerErr(err)
}

func (b *Breaker) Delete(ctx context.Context, key string) (bool, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Delete(ctx, key)
	})
	if err != nil {
		return false, wrapBreakerErr(err)
	}
	return v.(bool), nil
}

// State returns the breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) Close() error {
	return b.next.Close()
}
