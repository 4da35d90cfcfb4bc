package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bolt stores values in a single bucket of an embedded bbolt database.
type Bolt struct {
	db     *bolt.DB
	bucket []byte
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path, bucket string) (*Bolt, error) {
	if path == "" {
		return nil, errors.New("missing path")
	}
	if bucket == "" {
		bucket = "mailgate"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	b := &Bolt{db: db, bucket: []byte(bucket)}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return b, nil
}

func (b *Bolt) Get(_ context.Context, key string, r Range) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid for the life of the transaction
		out = append([]byte{}, r.Slice(v)...)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("bolt get: %w", err)
	}
	return out, nil
}

func (b *Bolt) Put(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("bolt put: %w", err)
	}
	return nil
}

func (b *Bolt) Delete(_ context.Context, key string) (bool, error) {
	var existed bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		existed = bkt.Get([]byte(key)) != nil
		if !existed {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("bolt delete: %w", err)
	}
	return existed, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
