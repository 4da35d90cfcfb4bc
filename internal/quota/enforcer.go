package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/busybox42/mailgate/internal/metrics"
	"github.com/busybox42/mailgate/internal/store"
)

// Enforcer holds the quota buckets shared by all sessions.
type Enforcer struct {
	defs    []*Definition
	shards  [numShards]shard
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithStore persists bucket counts in s.
func WithStore(s store.Store) Option {
	return func(e *Enforcer) { e.store = s }
}

// WithLogger sets the logger used for store failures during release.
func WithLogger(l *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = l }
}

// NewEnforcer creates an enforcer for defs. Definitions are evaluated in
// order and must not be modified afterwards.
func NewEnforcer(defs []*Definition, opts ...Option) (*Enforcer, error) {
	ids := make(map[string]bool, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if ids[d.ID] {
			return nil, fmt.Errorf("duplicate quota id %q", d.ID)
		}
		ids[d.ID] = true
	}

	e := &Enforcer{
		defs:    defs,
		logger:  slog.Default(),
		metrics: metrics.Get(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "quota")
	for i := range e.shards {
		e.shards[i].buckets = make(map[string]*bucket)
	}
	return e, nil
}

type charge struct {
	quotaID  string
	key      string
	def      *Definition
	messages int64
	bytes    int64
}

// charges computes what req costs, merged per bucket.
func (e *Enforcer) charges(req Request) []*charge {
	byID := make(map[string]*charge)
	var out []*charge

	add := func(d *Definition, key string) {
		id := bucketID(d.ID, key)
		c := byID[id]
		if c == nil {
			c = &charge{quotaID: d.ID, key: key, def: d}
			byID[id] = c
			out = append(out, c)
		} else if d.Dedup {
			return
		}
		if d.MaxMessages > 0 {
			c.messages++
		}
		if d.MaxBytes > 0 {
			c.bytes += req.Size
		}
	}

	for _, d := range e.defs {
		if !d.Enabled {
			continue
		}
		matched := false
		if d.PerRecipient() {
			for _, rcpt := range req.Recipients {
				env := req.Env.WithRcpt(rcpt)
				if !d.Match.Match(env) {
					continue
				}
				matched = true
				if !d.IsNoop() {
					add(d, d.key(env))
				}
			}
		} else {
			env := req.Env
			env.Rcpt = ""
			if d.Match.ReferencesRecipient() {
				for _, rcpt := range req.Recipients {
					if d.Match.Match(env.WithRcpt(rcpt)) {
						matched = true
						break
					}
				}
			} else {
				matched = d.Match.Match(env)
			}
			if matched && !d.IsNoop() {
				add(d, d.key(env))
			}
		}
		if matched {
			e.metrics.QuotaMatches.WithLabelValues(d.ID).Inc()
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return bucketID(out[i].quotaID, out[i].key) < bucketID(out[j].quotaID, out[j].key)
	})
	return out
}

// Reserve charges every bucket matching req, or none of them. On success
// the caller owns the returned reservation and must release it unless its
// tokens were handed over with Detach. The returned error is an
// *ExceededError when a ceiling would be crossed, or wraps ErrStorage.
func (e *Enforcer) Reserve(ctx context.Context, req Request) (*Reservation, error) {
	charges := e.charges(req)
	res := &Reservation{e: e}
	if len(charges) == 0 {
		return res, nil
	}

	// Buckets are locked in ascending id order, which makes concurrent
	// multi-bucket reservations deadlock-free.
	locked := make([]*bucket, 0, len(charges))
	unlockAll := func() {
		for i := len(locked) - 1; i >= 0; i-- {
			e.unlock(locked[i])
		}
	}
	for _, c := range charges {
		b, err := e.lock(ctx, c.quotaID, c.key)
		if err != nil {
			unlockAll()
			return nil, err
		}
		locked = append(locked, b)
	}

	for i, c := range charges {
		b := locked[i]
		if c.def.MaxMessages > 0 && b.messages+c.messages > c.def.MaxMessages {
			unlockAll()
			e.metrics.QuotaRejections.WithLabelValues(c.quotaID, string(LimitMessages)).Inc()
			return nil, &ExceededError{QuotaID: c.quotaID, Key: c.key, Limit: LimitMessages,
				Max: c.def.MaxMessages, Current: b.messages, Charge: c.messages}
		}
		if c.def.MaxBytes > 0 && b.bytes+c.bytes > c.def.MaxBytes {
			unlockAll()
			e.metrics.QuotaRejections.WithLabelValues(c.quotaID, string(LimitSize)).Inc()
			return nil, &ExceededError{QuotaID: c.quotaID, Key: c.key, Limit: LimitSize,
				Max: c.def.MaxBytes, Current: b.bytes, Charge: c.bytes}
		}
	}

	for i, c := range charges {
		b := locked[i]
		b.messages += c.messages
		b.bytes += c.bytes
		if err := e.persist(ctx, b); err != nil {
			// Undo every charge applied so far, including this one.
			for j := i; j >= 0; j-- {
				lb := locked[j]
				lb.messages -= charges[j].messages
				lb.bytes -= charges[j].bytes
				if j < i {
					if perr := e.persist(context.WithoutCancel(ctx), lb); perr != nil {
						e.logger.ErrorContext(ctx, "Failed to roll back quota bucket",
							"quota", lb.quotaID,
							"error", perr,
						)
					}
				}
			}
			unlockAll()
			return nil, fmt.Errorf("%w: saving bucket %s: %v", ErrStorage, c.quotaID, err)
		}
		res.tokens = append(res.tokens, Token{QuotaID: c.quotaID, Key: c.key, Messages: c.messages, Bytes: c.bytes})
		e.metrics.ReservedMsgs.Add(float64(c.messages))
		e.metrics.ReservedBytes.Add(float64(c.bytes))
	}
	unlockAll()

	e.logger.DebugContext(ctx, "Quota reserved",
		"buckets", len(res.tokens),
		"size", req.Size,
	)
	return res, nil
}

// ReleaseTokens returns the capacity held by tokens. Counters never drop
// below zero. Store failures are logged; the in-memory counters are
// released regardless.
func (e *Enforcer) ReleaseTokens(ctx context.Context, tokens []Token) {
	sorted := append([]Token(nil), tokens...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].bucketID() < sorted[j].bucketID() })

	for _, t := range sorted {
		b, err := e.lock(ctx, t.QuotaID, t.Key)
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to load quota bucket for release",
				"quota", t.QuotaID,
				"error", err,
			)
			continue
		}
		msgs, bytes := min(t.Messages, b.messages), min(t.Bytes, b.bytes)
		if msgs != t.Messages || bytes != t.Bytes {
			e.logger.WarnContext(ctx, "Quota release exceeds bucket content",
				"quota", t.QuotaID,
				"messages", t.Messages,
				"bytes", t.Bytes,
			)
		}
		b.messages -= msgs
		b.bytes -= bytes
		e.metrics.ReservedMsgs.Sub(float64(msgs))
		e.metrics.ReservedBytes.Sub(float64(bytes))
		if err := e.persist(ctx, b); err != nil {
			e.logger.ErrorContext(ctx, "Failed to save released quota bucket",
				"quota", t.QuotaID,
				"error", err,
			)
		}
		e.unlock(b)
	}
}

// Usage returns the in-memory content of a bucket.
func (e *Enforcer) Usage(quotaID, key string) Usage {
	id := bucketID(quotaID, key)
	sh := e.shardFor(id)
	sh.mu.Lock()
	b := sh.buckets[id]
	sh.mu.Unlock()

	u := Usage{QuotaID: quotaID, Key: key}
	if b == nil {
		return u
	}
	b.mu.Lock()
	if !b.dead {
		u.Messages, u.Bytes = b.messages, b.bytes
	}
	b.mu.Unlock()
	return u
}

// Snapshot returns every non-empty bucket held in memory, sorted by quota
// and key.
func (e *Enforcer) Snapshot() []Usage {
	var all []*bucket
	for i := range e.shards {
		sh := &e.shards[i]
		sh.mu.Lock()
		for _, b := range sh.buckets {
			all = append(all, b)
		}
		sh.mu.Unlock()
	}

	out := make([]Usage, 0, len(all))
	for _, b := range all {
		b.mu.Lock()
		if !b.dead && !b.isZero() {
			out = append(out, Usage{QuotaID: b.quotaID, Key: b.key, Messages: b.messages, Bytes: b.bytes})
		}
		b.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QuotaID != out[j].QuotaID {
			return out[i].QuotaID < out[j].QuotaID
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Reservation is the capacity charged for one candidate message.
type Reservation struct {
	e      *Enforcer
	mu     sync.Mutex
	tokens []Token
}

// Tokens returns a copy of the charges held.
func (r *Reservation) Tokens() []Token {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Token(nil), r.tokens...)
}

// Release returns the reserved capacity. Only the first call has an
// effect.
func (r *Reservation) Release(ctx context.Context) {
	if t := r.take(); len(t) > 0 {
		r.e.ReleaseTokens(ctx, t)
	}
}

// Detach hands the tokens over to the caller; later Release calls do
// nothing. It is used once the tokens are stored with a queued message.
func (r *Reservation) Detach() []Token {
	return r.take()
}

func (r *Reservation) take() []Token {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tokens
	r.tokens = nil
	return t
}
