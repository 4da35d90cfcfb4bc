package quota

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailgate/internal/expr"
	"github.com/busybox42/mailgate/internal/store"
)

func request(sender string, size int64, rcpts ...string) Request {
	return Request{
		Env: expr.Env{
			RemoteIP: netip.MustParseAddr("10.0.0.5"),
			Sender:   sender,
			Helo:     "client.example",
		},
		Recipients: rcpts,
		Size:       size,
	}
}

func senderQuota() *Definition {
	return &Definition{
		ID:          "sender",
		Match:       expr.MustParse("sender = 'john@doe.org'"),
		Keys:        []expr.Field{expr.FieldSender},
		MaxMessages: 1,
		Enabled:     true,
	}
}

func domainQuota(dedup bool) *Definition {
	return &Definition{
		ID:       "domain",
		Match:    expr.MustParse("rcpt_domain = 'foobar.org'"),
		Keys:     []expr.Field{expr.FieldRcptDomain},
		MaxBytes: 450,
		Enabled:  true,
		Dedup:    dedup,
	}
}

func newEnforcer(t *testing.T, defs ...*Definition) *Enforcer {
	t.Helper()
	e, err := NewEnforcer(defs)
	require.NoError(t, err)
	return e
}

func TestSenderMessageQuota(t *testing.T) {
	e := newEnforcer(t, senderQuota())
	ctx := context.Background()

	res, err := e.Reserve(ctx, request("John@Doe.org", 100, "bill@foobar.org"))
	require.NoError(t, err)
	assert.Equal(t, Usage{QuotaID: "sender", Key: "john@doe.org", Messages: 1}, e.Usage("sender", "john@doe.org"))

	_, err = e.Reserve(ctx, request("john@doe.org", 100, "jane@foobar.org"))
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded), "got %v", err)
	assert.Equal(t, "sender", exceeded.QuotaID)
	assert.Equal(t, LimitMessages, exceeded.Limit)

	// Other senders are not affected.
	other, err := e.Reserve(ctx, request("jane@doe.org", 100, "bill@foobar.org"))
	require.NoError(t, err)
	assert.Empty(t, other.Tokens())

	res.Release(ctx)
	assert.Equal(t, int64(0), e.Usage("sender", "john@doe.org").Messages)

	_, err = e.Reserve(ctx, request("john@doe.org", 100, "bill@foobar.org"))
	assert.NoError(t, err)
}

func TestDomainQuotaCountsEveryRecipient(t *testing.T) {
	e := newEnforcer(t, domainQuota(false))
	ctx := context.Background()

	res, err := e.Reserve(ctx, request("a@b.c", 200, "x@foobar.org", "y@foobar.org", "z@other.org"))
	require.NoError(t, err)
	assert.Equal(t, []Token{{QuotaID: "domain", Key: "foobar.org", Bytes: 400}}, res.Tokens())

	_, err = e.Reserve(ctx, request("a@b.c", 100, "x@foobar.org"))
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, LimitSize, exceeded.Limit)
	assert.Equal(t, int64(400), exceeded.Current)

	_, err = e.Reserve(ctx, request("a@b.c", 50, "x@foobar.org"))
	assert.NoError(t, err)
	assert.Equal(t, int64(450), e.Usage("domain", "foobar.org").Bytes)
}

func TestDomainQuotaDedup(t *testing.T) {
	e := newEnforcer(t, domainQuota(true))

	res, err := e.Reserve(context.Background(), request("a@b.c", 200, "x@foobar.org", "y@foobar.org"))
	require.NoError(t, err)
	assert.Equal(t, []Token{{QuotaID: "domain", Key: "foobar.org", Bytes: 200}}, res.Tokens())
}

func TestReserveIsAllOrNothing(t *testing.T) {
	rcptQuota := &Definition{
		ID:       "rcpt",
		Match:    expr.MustParse("rcpt = 'jane@domain.net'"),
		Keys:     []expr.Field{expr.FieldRcpt},
		MaxBytes: 450,
		Enabled:  true,
	}
	e := newEnforcer(t, domainQuota(false), rcptQuota)
	ctx := context.Background()

	_, err := e.Reserve(ctx, request("a@b.c", 300, "jane@domain.net"))
	require.NoError(t, err)

	// 300 fits the domain quota but the recipient quota is already at 300.
	_, err = e.Reserve(ctx, request("a@b.c", 300, "x@foobar.org", "jane@domain.net"))
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "rcpt", exceeded.QuotaID)

	assert.Equal(t, int64(0), e.Usage("domain", "foobar.org").Bytes)
	assert.Equal(t, []Usage{{QuotaID: "rcpt", Key: "jane@domain.net", Bytes: 300}}, e.Snapshot())
}

func TestReleaseIsIdempotent(t *testing.T) {
	e := newEnforcer(t, senderQuota(), domainQuota(false))
	ctx := context.Background()

	res, err := e.Reserve(ctx, request("john@doe.org", 100, "x@foobar.org"))
	require.NoError(t, err)
	other, err := e.Reserve(ctx, request("jane@doe.org", 100, "x@foobar.org"))
	require.NoError(t, err)
	assert.Len(t, e.Snapshot(), 2)

	res.Release(ctx)
	res.Release(ctx)
	assert.Equal(t, []Usage{{QuotaID: "domain", Key: "foobar.org", Bytes: 100}}, e.Snapshot())

	other.Release(ctx)
	assert.Empty(t, e.Snapshot())

	var nilRes *Reservation
	nilRes.Release(ctx)
}

func TestDetachTransfersTokens(t *testing.T) {
	e := newEnforcer(t, senderQuota())
	ctx := context.Background()

	res, err := e.Reserve(ctx, request("john@doe.org", 10, "x@y.z"))
	require.NoError(t, err)
	tokens := res.Detach()
	require.Len(t, tokens, 1)

	res.Release(ctx)
	assert.Equal(t, int64(1), e.Usage("sender", "john@doe.org").Messages)

	e.ReleaseTokens(ctx, tokens)
	assert.Empty(t, e.Snapshot())

	// Releasing again cannot drive a bucket negative.
	e.ReleaseTokens(ctx, tokens)
	assert.Empty(t, e.Snapshot())
}

func TestDefinitionWithoutCeilingNeverRejects(t *testing.T) {
	e := newEnforcer(t, &Definition{
		ID:      "observe",
		Keys:    []expr.Field{expr.FieldSender},
		Enabled: true,
	})
	for i := 0; i < 5; i++ {
		res, err := e.Reserve(context.Background(), request("a@b.c", 1<<20, "x@y.z"))
		require.NoError(t, err)
		assert.Empty(t, res.Tokens())
	}
	assert.Empty(t, e.Snapshot())
}

func TestDisabledDefinitionIsIgnored(t *testing.T) {
	d := senderQuota()
	d.Enabled = false
	e := newEnforcer(t, d)
	for i := 0; i < 3; i++ {
		_, err := e.Reserve(context.Background(), request("john@doe.org", 1, "x@y.z"))
		require.NoError(t, err)
	}
}

func TestMessageScopedDefinitionMatchesAnyRecipient(t *testing.T) {
	e := newEnforcer(t, &Definition{
		ID:          "to-jane",
		Match:       expr.MustParse("rcpt = 'jane@domain.net'"),
		Keys:        []expr.Field{expr.FieldSender},
		MaxMessages: 1,
		Enabled:     true,
	})
	ctx := context.Background()

	res, err := e.Reserve(ctx, request("a@b.c", 1, "bob@domain.net", "jane@domain.net"))
	require.NoError(t, err)
	assert.Equal(t, []Token{{QuotaID: "to-jane", Key: "a@b.c", Messages: 1}}, res.Tokens())

	res, err = e.Reserve(ctx, request("a@b.c", 1, "bob@domain.net"))
	require.NoError(t, err)
	assert.Empty(t, res.Tokens())
}

func TestConcurrentReserveNeverOvershoots(t *testing.T) {
	d := senderQuota()
	d.MaxMessages = 10
	e := newEnforcer(t, d)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Reserve(context.Background(), request("john@doe.org", 10, "x@y.z"))
			if err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted.Load())
	assert.Equal(t, int64(10), e.Usage("sender", "john@doe.org").Messages)
}

func TestConcurrentMultiBucketReservations(t *testing.T) {
	perRcpt := &Definition{
		ID:          "rcpt",
		Keys:        []expr.Field{expr.FieldRcpt},
		MaxMessages: 1000,
		Enabled:     true,
	}
	perSender := &Definition{
		ID:       "sender",
		Keys:     []expr.Field{expr.FieldSender},
		MaxBytes: 1 << 30,
		Enabled:  true,
	}
	e := newEnforcer(t, perRcpt, perSender)

	rcpts := []string{"a@x.org", "b@x.org", "c@x.org", "d@x.org"}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Alternate recipient order between goroutines.
			list := append([]string(nil), rcpts...)
			if i%2 == 1 {
				for l, r := 0, len(list)-1; l < r; l, r = l+1, r-1 {
					list[l], list[r] = list[r], list[l]
				}
			}
			for j := 0; j < 20; j++ {
				res, err := e.Reserve(context.Background(), request(fmt.Sprintf("s%d@x.org", i%3), 100, list...))
				if assert.NoError(t, err) {
					res.Release(context.Background())
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, e.Snapshot())
}

func TestBucketsPersistAcrossEnforcers(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	first, err := NewEnforcer([]*Definition{senderQuota()}, WithStore(mem))
	require.NoError(t, err)
	res, err := first.Reserve(ctx, request("john@doe.org", 10, "x@y.z"))
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Len())

	second, err := NewEnforcer([]*Definition{senderQuota()}, WithStore(mem))
	require.NoError(t, err)
	_, err = second.Reserve(ctx, request("john@doe.org", 10, "x@y.z"))
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded), "got %v", err)

	second.ReleaseTokens(ctx, res.Detach())
	assert.Equal(t, 0, mem.Len())

	_, err = second.Reserve(ctx, request("john@doe.org", 10, "x@y.z"))
	assert.NoError(t, err)
}

type brokenStore struct {
	*store.Memory
	failPut bool
}

func (b *brokenStore) Put(ctx context.Context, key string, value []byte) error {
	if b.failPut {
		return errors.New("write failed")
	}
	return b.Memory.Put(ctx, key, value)
}

func TestStorageFailureRollsBack(t *testing.T) {
	bs := &brokenStore{Memory: store.NewMemory()}
	e, err := NewEnforcer([]*Definition{senderQuota(), domainQuota(false)}, WithStore(bs))
	require.NoError(t, err)
	ctx := context.Background()

	bs.failPut = true
	_, err = e.Reserve(ctx, request("john@doe.org", 100, "x@foobar.org"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.Empty(t, e.Snapshot())
	assert.Equal(t, 0, bs.Len())

	bs.failPut = false
	_, err = e.Reserve(ctx, request("john@doe.org", 100, "x@foobar.org"))
	assert.NoError(t, err)
}

func TestNewEnforcerValidates(t *testing.T) {
	tests := []struct {
		name string
		defs []*Definition
	}{
		{"missing id", []*Definition{{Enabled: true}}},
		{"duplicate id", []*Definition{senderQuota(), senderQuota()}},
		{"negative ceiling", []*Definition{{ID: "x", MaxBytes: -1}}},
		{"helo key", []*Definition{{ID: "x", Keys: []expr.Field{expr.FieldHeloDomain}}}},
		{"duplicate key", []*Definition{{ID: "x", Keys: []expr.Field{expr.FieldSender, expr.FieldSender}}}},
		{"slash in id", []*Definition{{ID: "a/b"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEnforcer(tt.defs)
			assert.Error(t, err)
		})
	}
}
