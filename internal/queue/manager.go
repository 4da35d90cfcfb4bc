// Package queue hands admitted messages over to the queue store and returns
// their quota reservations once they are delivered, discarded or expired.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/mailgate/internal/message"
	"github.com/busybox42/mailgate/internal/metrics"
	"github.com/busybox42/mailgate/internal/quota"
	"github.com/busybox42/mailgate/internal/store"
)

var (
	// ErrNotFound is returned for unknown or already completed messages.
	ErrNotFound = errors.New("message not found in queue")
	// ErrInvalidID is returned for IDs that are not queue IDs.
	ErrInvalidID = errors.New("invalid queue id")
)

// Completion reasons
const (
	ReasonDelivered = "delivered"
	ReasonExpired   = "expired"
	ReasonDiscarded = "discarded"
)

// Record is the metadata stored next to a queued message body.
type Record struct {
	ID       string           `json:"id"`
	Envelope message.Envelope `json:"envelope"`
	// Size is the size as received, StoredSize includes added headers.
	Size       int64         `json:"size"`
	StoredSize int64         `json:"stored_size"`
	Tokens     []quota.Token `json:"tokens,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// Releaser returns quota capacity.
type Releaser interface {
	ReleaseTokens(ctx context.Context, tokens []quota.Token)
}

// Config holds queue settings.
type Config struct {
	TTL            time.Duration
	ExpireInterval time.Duration
}

// Stats describes the messages currently queued by this process.
type Stats struct {
	Count       int       `json:"count"`
	OldestAt    time.Time `json:"oldest_at,omitempty"`
	NextExpiry  time.Time `json:"next_expiry,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// Manager writes candidates to the store and tracks their expiry.
type Manager struct {
	store    store.Store
	releaser Releaser
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu         sync.Mutex
	index      map[string]entry
	completing map[string]bool

	// indexMu orders snapshots and writes of the persisted index.
	indexMu sync.Mutex
}

type entry struct {
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires"`
}

// indexKey holds the expiry index so a restarted process can find the
// messages queued before it.
const indexKey = "queue/index"

// NewManager creates a queue manager on top of s. Released tokens are
// passed to rel.
func NewManager(s store.Store, rel Releaser, cfg Config, logger *slog.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * 24 * time.Hour
	}
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      s,
		releaser:   rel,
		cfg:        cfg,
		logger:     logger.With("component", "queue"),
		metrics:    metrics.Get(),
		now:        time.Now,
		index:      make(map[string]entry),
		completing: make(map[string]bool),
	}
}

// Load merges the persisted expiry index into memory and returns how many
// messages it added. It is called once at startup, before Run.
func (m *Manager) Load(ctx context.Context) (int, error) {
	raw, err := m.store.Get(ctx, indexKey, store.Full)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading queue index: %w", err)
	}
	var persisted map[string]entry
	if err := json.Unmarshal(raw, &persisted); err != nil {
		return 0, fmt.Errorf("decoding queue index: %w", err)
	}

	m.mu.Lock()
	n := 0
	for id, e := range persisted {
		if validID(id) != nil {
			continue
		}
		if _, ok := m.index[id]; ok {
			continue
		}
		m.index[id] = e
		n++
	}
	m.mu.Unlock()
	m.metrics.QueueSize.Add(float64(n))

	if n > 0 {
		m.logger.InfoContext(ctx, "Loaded queue index", "count", n)
	}
	return n, nil
}

// saveIndex writes the current index to the store, or removes it when the
// queue is empty.
func (m *Manager) saveIndex(ctx context.Context) error {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()

	m.mu.Lock()
	n := len(m.index)
	raw, err := json.Marshal(m.index)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding queue index: %w", err)
	}

	if n == 0 {
		_, err = m.store.Delete(ctx, indexKey)
	} else {
		err = m.store.Put(ctx, indexKey, raw)
	}
	if err != nil {
		m.metrics.StoreErrors.WithLabelValues("queue_index").Inc()
		return fmt.Errorf("saving queue index: %w", err)
	}
	return nil
}

// NewID returns a fresh queue ID.
func NewID() string {
	return uuid.NewString()
}

func bodyKey(id string) string { return "msg/" + id + "/body" }
func metaKey(id string) string { return "msg/" + id + "/meta" }

func validID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Enqueue stores cand together with the reservation tokens it holds. The
// body is written before the metadata, so a record that can be read always
// has its body. On failure nothing stays behind and the caller keeps
// ownership of the tokens.
func (m *Manager) Enqueue(ctx context.Context, cand *message.Candidate, tokens []quota.Token) error {
	if cand.ID == "" {
		cand.ID = NewID()
	}
	if err := validID(cand.ID); err != nil {
		return err
	}

	body, err := cand.Bytes()
	if err != nil {
		return err
	}

	now := m.now()
	rec := Record{
		ID:         cand.ID,
		Envelope:   cand.Envelope,
		Size:       cand.Size,
		StoredSize: int64(len(body)),
		Tokens:     tokens,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.cfg.TTL),
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding queue record: %w", err)
	}

	if err := m.store.Put(ctx, bodyKey(cand.ID), body); err != nil {
		m.metrics.StoreErrors.WithLabelValues("queue_put").Inc()
		return fmt.Errorf("storing message body: %w", err)
	}
	if err := m.store.Put(ctx, metaKey(cand.ID), meta); err != nil {
		m.metrics.StoreErrors.WithLabelValues("queue_put").Inc()
		if _, derr := m.store.Delete(context.WithoutCancel(ctx), bodyKey(cand.ID)); derr != nil {
			m.logger.WarnContext(ctx, "Failed to remove orphaned message body",
				"queue_id", cand.ID,
				"error", derr,
			)
		}
		return fmt.Errorf("storing queue record: %w", err)
	}

	m.mu.Lock()
	m.index[cand.ID] = entry{Created: rec.CreatedAt, Expires: rec.ExpiresAt}
	m.mu.Unlock()
	if err := m.saveIndex(ctx); err != nil {
		m.forget(cand.ID)
		cleanup := context.WithoutCancel(ctx)
		for _, k := range []string{metaKey(cand.ID), bodyKey(cand.ID)} {
			if _, derr := m.store.Delete(cleanup, k); derr != nil {
				m.logger.WarnContext(ctx, "Failed to remove unindexed message",
					"queue_id", cand.ID,
					"error", derr,
				)
			}
		}
		return err
	}
	m.metrics.QueueSize.Inc()

	m.logger.InfoContext(ctx, "message_queued",
		"queue_id", cand.ID,
		"from_envelope", cand.Envelope.Sender,
		"to_count", len(cand.Envelope.Recipients),
		"message_size", cand.Size,
		"stored_size", rec.StoredSize,
		"expires_at", rec.ExpiresAt.Format(time.RFC3339),
	)
	return nil
}

// Get returns the record of a queued message.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	raw, err := m.store.Get(ctx, metaKey(id), store.Full)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading queue record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding queue record %s: %w", id, err)
	}
	return &rec, nil
}

// ReadBody returns the selected bytes of a queued message.
func (m *Manager) ReadBody(ctx context.Context, id string, r store.Range) ([]byte, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	b, err := m.store.Get(ctx, bodyKey(id), r)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading message body: %w", err)
	}
	return b, nil
}

// Complete removes a queued message and releases its quota reservation.
// It reports whether this call removed the message; concurrent or repeated
// completions of one message release its capacity once.
func (m *Manager) Complete(ctx context.Context, id, reason string) (bool, error) {
	if err := validID(id); err != nil {
		return false, err
	}
	// Backends cannot all report existence atomically on delete, so a
	// completion is claimed here first.
	if !m.claim(id) {
		return false, nil
	}
	defer m.unclaim(id)

	rec, err := m.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		m.drop(ctx, id)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	existed, err := m.store.Delete(ctx, metaKey(id))
	if err != nil {
		m.metrics.StoreErrors.WithLabelValues("queue_delete").Inc()
		return false, fmt.Errorf("removing queue record: %w", err)
	}
	if !existed {
		m.drop(ctx, id)
		return false, nil
	}

	// From here on the record is gone; cleanup must not be cut short.
	ctx = context.WithoutCancel(ctx)
	if _, err := m.store.Delete(ctx, bodyKey(id)); err != nil {
		m.metrics.StoreErrors.WithLabelValues("queue_delete").Inc()
		m.logger.WarnContext(ctx, "Failed to remove message body",
			"queue_id", id,
			"error", err,
		)
	}
	m.drop(ctx, id)
	if m.releaser != nil && len(rec.Tokens) > 0 {
		m.releaser.ReleaseTokens(ctx, rec.Tokens)
	}
	m.metrics.QueueCompleted.WithLabelValues(reason).Inc()

	m.logger.InfoContext(ctx, "message_completed",
		"queue_id", id,
		"reason", reason,
		"age", m.now().Sub(rec.CreatedAt).String(),
	)
	return true, nil
}

func (m *Manager) claim(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completing[id] {
		return false
	}
	m.completing[id] = true
	return true
}

func (m *Manager) unclaim(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.completing, id)
}

// drop removes id from the index, in memory and in the store.
func (m *Manager) drop(ctx context.Context, id string) {
	if !m.forget(id) {
		return
	}
	m.metrics.QueueSize.Dec()
	if err := m.saveIndex(ctx); err != nil {
		m.logger.WarnContext(ctx, "Failed to update queue index",
			"queue_id", id,
			"error", err,
		)
	}
}

func (m *Manager) forget(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[id]
	delete(m.index, id)
	return ok
}

// Len returns the number of messages queued by this process.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// GetStats returns the current queue statistics
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Count: len(m.index), LastUpdated: m.now()}
	for _, e := range m.index {
		if s.OldestAt.IsZero() || e.Created.Before(s.OldestAt) {
			s.OldestAt = e.Created
		}
		if s.NextExpiry.IsZero() || e.Expires.Before(s.NextExpiry) {
			s.NextExpiry = e.Expires
		}
	}
	return s
}

// Run completes expired messages every ExpireInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ExpireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.ExpireNow(ctx); n > 0 {
				m.logger.InfoContext(ctx, "Expired queued messages", "count", n)
			}
		case <-ctx.Done():
			m.logger.Debug("Expiry loop stopped")
			return nil
		}
	}
}

// ExpireNow completes every message whose TTL has elapsed and returns how
// many were removed.
func (m *Manager) ExpireNow(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	var due []string
	for id, e := range m.index {
		if !e.Expires.After(now) {
			due = append(due, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(due)

	n := 0
	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		done, err := m.Complete(ctx, id, ReasonExpired)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to expire queued message",
				"queue_id", id,
				"error", err,
			)
			continue
		}
		if done {
			n++
		}
	}
	return n
}
