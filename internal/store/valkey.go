package store

import (
	"context"
	"fmt"

	"github.com/valkey-io/valkey-go"
)

// Valkey stores values in a Valkey (or Redis protocol compatible) cluster
// through the valkey-go client, which pipelines concurrent commands
// automatically.
type Valkey struct {
	client valkey.Client
	prefix string
}

// NewValkey connects to the configured addresses.
func NewValkey(cfg Config) (*Valkey, error) {
	addrs := cfg.Addrs
	if len(addrs) == 0 {
		addrs = []string{"localhost:6379"}
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: addrs,
		Password:    cfg.Password,
		SelectDB:    cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Valkey: %w", err)
	}
	return &Valkey{client: client, prefix: cfg.Prefix}, nil
}

func (v *Valkey) Get(ctx context.Context, key string, r Range) ([]byte, error) {
	key = v.prefix + key

	if r.IsFull() {
		b, err := v.client.Do(ctx, v.client.B().Get().Key(key).Build()).AsBytes()
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("valkey get: %w", err)
		}
		return b, nil
	}

	end := r.End - 1
	if r.End < 0 {
		end = -1
	}
	res := v.client.DoMulti(ctx,
		v.client.B().Exists().Key(key).Build(),
		v.client.B().Getrange().Key(key).Start(r.Start).End(end).Build(),
	)
	n, err := res[0].AsInt64()
	if err != nil {
		return nil, fmt.Errorf("valkey exists: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	if r.End >= 0 && r.End <= r.Start {
		return []byte{}, nil
	}
	b, err := res[1].AsBytes()
	if err != nil {
		return nil, fmt.Errorf("valkey getrange: %w", err)
	}
	return b, nil
}

func (v *Valkey) Put(ctx context.Context, key string, value []byte) error {
	cmd := v.client.B().Set().Key(v.prefix + key).Value(valkey.BinaryString(value)).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey set: %w", err)
	}
	return nil
}

func (v *Valkey) Delete(ctx context.Context, key string) (bool, error) {
	n, err := v.client.Do(ctx, v.client.B().Del().Key(v.prefix+key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("valkey del: %w", err)
	}
	return n > 0, nil
}

func (v *Valkey) Close() error {
	v.client.Close()
	return nil
}
