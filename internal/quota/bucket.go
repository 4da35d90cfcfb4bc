package quota

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/busybox42/mailgate/internal/store"
)

const numShards = 64

// bucket is the counter pair of one (quota, key). mu serializes every
// check, charge and release on the bucket. A bucket that dropped to zero
// is removed from its shard and marked dead; goroutines that looked it up
// before removal retry.
type bucket struct {
	mu sync.Mutex

	id       string
	quotaID  string
	key      string
	messages int64
	bytes    int64
	loaded   bool
	dead     bool
}

func (b *bucket) isZero() bool {
	return b.messages == 0 && b.bytes == 0
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// record is the persisted form of a bucket.
type record struct {
	Quota    string `json:"quota"`
	Key      string `json:"key"`
	Messages int64  `json:"messages"`
	Bytes    int64  `json:"bytes"`
}

// storeKey returns the store key of a bucket. The key part is hashed so
// arbitrary addresses fit every backend's key rules.
func storeKey(quotaID, key string) string {
	sum := blake2b.Sum256([]byte(key))
	return "quota/" + quotaID + "/" + hex.EncodeToString(sum[:16])
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func (e *Enforcer) shardFor(id string) *shard {
	return &e.shards[fnv32(id)%numShards]
}

// lock returns the live bucket for id with its mutex held, creating it
// when needed and seeding it from the store on first use.
func (e *Enforcer) lock(ctx context.Context, quotaID, key string) (*bucket, error) {
	id := bucketID(quotaID, key)
	sh := e.shardFor(id)
	for {
		sh.mu.Lock()
		b := sh.buckets[id]
		if b == nil {
			b = &bucket{id: id, quotaID: quotaID, key: key}
			sh.buckets[id] = b
			e.metrics.QuotaBuckets.Inc()
		}
		sh.mu.Unlock()

		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		if !b.loaded {
			if err := e.load(ctx, b); err != nil {
				e.reclaimLocked(b)
				b.mu.Unlock()
				return nil, err
			}
		}
		return b, nil
	}
}

// unlock releases b, reclaiming it first when it is empty.
func (e *Enforcer) unlock(b *bucket) {
	e.reclaimLocked(b)
	b.mu.Unlock()
}

// reclaimLocked removes an empty bucket from its shard. The bucket lock is
// always taken before the shard lock here, while lookups never wait on a
// bucket while holding a shard lock.
func (e *Enforcer) reclaimLocked(b *bucket) {
	if b.dead || !b.isZero() {
		return
	}
	sh := e.shardFor(b.id)
	sh.mu.Lock()
	if sh.buckets[b.id] == b {
		delete(sh.buckets, b.id)
	}
	sh.mu.Unlock()
	b.dead = true
	e.metrics.QuotaBuckets.Dec()
}

func (e *Enforcer) load(ctx context.Context, b *bucket) error {
	if e.store == nil {
		b.loaded = true
		return nil
	}
	raw, err := e.store.Get(ctx, storeKey(b.quotaID, b.key), store.Full)
	if errors.Is(err, store.ErrNotFound) {
		b.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: loading bucket %s: %v", ErrStorage, b.quotaID, err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		e.logger.Warn("Discarding unreadable quota bucket",
			"quota", b.quotaID,
			"error", err,
		)
		b.loaded = true
		return nil
	}
	if rec.Messages < 0 || rec.Bytes < 0 {
		rec.Messages, rec.Bytes = 0, 0
	}
	b.messages, b.bytes = rec.Messages, rec.Bytes
	b.loaded = true
	e.metrics.ReservedMsgs.Add(float64(b.messages))
	e.metrics.ReservedBytes.Add(float64(b.bytes))
	return nil
}

// persist writes b through to the store while its lock is held, so writes
// for one key are ordered.
func (e *Enforcer) persist(ctx context.Context, b *bucket) error {
	if e.store == nil {
		return nil
	}
	k := storeKey(b.quotaID, b.key)
	if b.isZero() {
		if _, err := e.store.Delete(ctx, k); err != nil {
			e.metrics.StoreErrors.WithLabelValues("quota_delete").Inc()
			return err
		}
		return nil
	}
	raw, err := json.Marshal(record{Quota: b.quotaID, Key: b.key, Messages: b.messages, Bytes: b.bytes})
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, k, raw); err != nil {
		e.metrics.StoreErrors.WithLabelValues("quota_put").Inc()
		return err
	}
	return nil
}
