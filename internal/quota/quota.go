// Package quota enforces message count and byte ceilings on buckets keyed by
// envelope fields. Buckets are shared by every session; a reservation
// either charges every matching bucket or none of them.
package quota

import (
	"errors"
	"fmt"
	"strings"

	"github.com/busybox42/mailgate/internal/expr"
)

// ErrStorage wraps failures of the backing store while reserving.
var ErrStorage = errors.New("quota store failure")

// LimitKind names the ceiling a reservation ran into.
type LimitKind string

const (
	LimitMessages LimitKind = "messages"
	LimitSize     LimitKind = "size"
)

// Definition is one configured quota. A zero ceiling is unset.
type Definition struct {
	ID          string
	Match       *expr.Expr
	Keys        []expr.Field
	MaxMessages int64
	MaxBytes    int64
	Enabled     bool

	// Dedup charges a bucket once per message even when several recipients
	// derive the same key. By default every recipient is charged.
	Dedup bool
}

// PerRecipient reports whether the definition is evaluated once per
// recipient, which is the case when its key contains a recipient field.
func (d *Definition) PerRecipient() bool {
	for _, k := range d.Keys {
		if k.IsRecipient() {
			return true
		}
	}
	return false
}

// IsNoop reports whether the definition has no ceiling.
func (d *Definition) IsNoop() bool {
	return d.MaxMessages <= 0 && d.MaxBytes <= 0
}

// Validate checks the definition for configuration errors.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return errors.New("quota id is required")
	}
	if strings.ContainsAny(d.ID, "/\x00") {
		return fmt.Errorf("quota id %q contains a reserved character", d.ID)
	}
	if d.MaxMessages < 0 || d.MaxBytes < 0 {
		return fmt.Errorf("quota %s: ceilings must not be negative", d.ID)
	}
	seen := make(map[expr.Field]bool, len(d.Keys))
	for _, k := range d.Keys {
		switch k {
		case expr.FieldSender, expr.FieldSenderDomain, expr.FieldRcpt, expr.FieldRcptDomain, expr.FieldRemoteIP:
		default:
			return fmt.Errorf("quota %s: %s cannot be used as a key", d.ID, k)
		}
		if seen[k] {
			return fmt.Errorf("quota %s: duplicate key %s", d.ID, k)
		}
		seen[k] = true
	}
	return nil
}

// key derives the bucket key of d for env.
func (d *Definition) key(env expr.Env) string {
	if len(d.Keys) == 0 {
		return ""
	}
	parts := make([]string, len(d.Keys))
	for i, f := range d.Keys {
		parts[i] = env.Value(f)
	}
	return strings.Join(parts, "|")
}

// Token is one charge held against a bucket. Tokens are persisted with a
// queued message so capacity can be returned after a restart.
type Token struct {
	QuotaID  string `json:"quota"`
	Key      string `json:"key"`
	Messages int64  `json:"messages,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
}

func (t Token) bucketID() string {
	return bucketID(t.QuotaID, t.Key)
}

func bucketID(quotaID, key string) string {
	return quotaID + "\x00" + key
}

// Request describes the message being reserved for.
type Request struct {
	// Env carries the session values. Its Rcpt field is ignored; recipients
	// are taken from Recipients.
	Env        expr.Env
	Recipients []string
	Size       int64
}

// ExceededError is returned when a reservation would take a bucket above
// its ceiling.
type ExceededError struct {
	QuotaID string
	Key     string
	Limit   LimitKind
	Max     int64
	Current int64
	Charge  int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota %s exceeded for %q: %s %d + %d > %d",
		e.QuotaID, e.Key, e.Limit, e.Current, e.Charge, e.Max)
}

// Usage is the current content of a bucket.
type Usage struct {
	QuotaID  string `json:"quota"`
	Key      string `json:"key"`
	Messages int64  `json:"messages"`
	Bytes    int64  `json:"bytes"`
}
