package admission

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailgate/internal/expr"
	"github.com/busybox42/mailgate/internal/headers"
	"github.com/busybox42/mailgate/internal/message"
	"github.com/busybox42/mailgate/internal/metrics"
	"github.com/busybox42/mailgate/internal/queue"
	"github.com/busybox42/mailgate/internal/quota"
	"github.com/busybox42/mailgate/internal/smtperr"
	"github.com/busybox42/mailgate/internal/store"
)

type fixture struct {
	ctrl  *Controller
	quota *quota.Enforcer
	queue *queue.Manager
	store *store.Memory
}

func sessionLimits() Limits {
	hundred := int64(100)
	return Limits{
		Messages: expr.NewRules("session.data.limits.messages", []expr.Rule[int64]{
			{If: expr.MustParse("remote_ip = '10.0.0.1'"), Then: 1},
		}, &hundred),
		ReceivedHeaders: 3,
	}
}

func testQuotas() []*quota.Definition {
	return []*quota.Definition{
		{
			ID:          "sender",
			Match:       expr.MustParse("sender = 'john@doe.org'"),
			Keys:        []expr.Field{expr.FieldSender},
			MaxMessages: 1,
			Enabled:     true,
		},
		{
			ID:       "domain",
			Match:    expr.MustParse("rcpt_domain = 'foobar.org'"),
			Keys:     []expr.Field{expr.FieldRcptDomain},
			MaxBytes: 450,
			Enabled:  true,
		},
		{
			ID:       "rcpt",
			Match:    expr.MustParse("rcpt = 'jane@domain.net'"),
			Keys:     []expr.Field{expr.FieldRcpt},
			MaxBytes: 450,
			Enabled:  true,
		},
	}
}

func newFixture(t *testing.T, limits Limits, policy headers.Policy) *fixture {
	t.Helper()
	enf, err := quota.NewEnforcer(testQuotas())
	require.NoError(t, err)
	mem := store.NewMemory()
	q := queue.NewManager(mem, enf, queue.Config{}, nil)
	ctrl := NewController(Config{
		Limits:  limits,
		Quota:   enf,
		Headers: headers.NewApplier("mx.example.org", policy),
		Queue:   q,
	})
	return &fixture{ctrl: ctrl, quota: enf, queue: q, store: mem}
}

func newSession(ip, from string, rcpts ...string) *Session {
	s := NewSession("test", netip.MustParseAddr(ip))
	s.SetHelo("client.example")
	s.Mail(from)
	for _, r := range rcpts {
		s.Rcpt(r)
	}
	return s
}

// sized returns a message of exactly n bytes.
func sized(n int) []byte {
	hdr := "Subject: test\r\n\r\n"
	return []byte(hdr + strings.Repeat("x", n-len(hdr)))
}

func requireStatus(t *testing.T, err error, tmpl smtperr.Error) {
	t.Helper()
	var se *smtperr.Error
	require.True(t, errors.As(err, &se), "expected *smtperr.Error, got %v", err)
	assert.Equal(t, tmpl.Code, se.Code)
	assert.Equal(t, tmpl.EnhancedCode, se.EnhancedCode)
	assert.Equal(t, tmpl.Kind, se.Kind)
}

func TestDataWithoutRecipients(t *testing.T) {
	f := newFixture(t, sessionLimits(), headers.Policy{})
	sess := newSession("10.0.0.2", "bill@foobar.org")

	_, err := f.ctrl.Data(context.Background(), sess, sized(100))
	requireStatus(t, err, smtperr.NoRecipients)
	assert.False(t, smtperr.IsTemporary(err))

	requireStatus(t, f.ctrl.Precheck(sess), smtperr.NoRecipients)
	assert.NoError(t, f.ctrl.CheckRcpt(sess, "a@example.net"))
}

func TestSessionMessageCap(t *testing.T) {
	f := newFixture(t, sessionLimits(), headers.Policy{})
	ctx := context.Background()

	t.Run("limited client", func(t *testing.T) {
		sess := newSession("10.0.0.1", "bill@example.org", "a@example.net")
		_, err := f.ctrl.Data(ctx, sess, sized(100))
		require.NoError(t, err)

		sess.Reset()
		sess.Mail("bill@example.org")
		sess.Rcpt("a@example.net")
		requireStatus(t, f.ctrl.Precheck(sess), smtperr.SessionLimit)
		requireStatus(t, f.ctrl.CheckRcpt(sess, "b@example.net"), smtperr.SessionLimit)
		_, err = f.ctrl.Data(ctx, sess, sized(100))
		requireStatus(t, err, smtperr.SessionLimit)
		assert.True(t, smtperr.IsTemporary(err))
		assert.Equal(t, int64(1), sess.Accepted())
	})

	t.Run("other client", func(t *testing.T) {
		sess := newSession("10.0.0.2", "bill@example.org", "a@example.net")
		for i := 0; i < 5; i++ {
			_, err := f.ctrl.Data(ctx, sess, sized(100))
			require.NoError(t, err)
		}
		assert.Equal(t, int64(5), sess.Accepted())
	})
}

func TestConditionalHeaders(t *testing.T) {
	on := func() expr.Rules[bool] {
		no := false
		return expr.NewRules("session.data.add-headers", []expr.Rule[bool]{
			{If: expr.MustParse("remote_ip = '10.0.0.3'"), Then: true},
		}, &no)
	}
	policy := headers.Policy{
		Received: on(), ReceivedSPF: on(), AuthResults: on(),
		MessageID: on(), Date: on(), ReturnPath: on(),
	}
	f := newFixture(t, sessionLimits(), policy)
	ctx := context.Background()

	fields := []string{"Received:", "Received-Spf:", "Authentication-Results:", "Message-Id:", "Date:", "Return-Path:"}

	id, err := f.ctrl.Data(ctx, newSession("10.0.0.3", "bill@example.org", "a@example.net"), sized(100))
	require.NoError(t, err)
	body, err := f.queue.ReadBody(ctx, id, store.Full)
	require.NoError(t, err)
	for _, field := range fields {
		assert.Contains(t, string(body), field)
	}
	assert.Contains(t, string(body), id)

	id, err = f.ctrl.Data(ctx, newSession("10.0.0.4", "bill@example.org", "a@example.net"), sized(100))
	require.NoError(t, err)
	body, err = f.queue.ReadBody(ctx, id, store.Full)
	require.NoError(t, err)
	for _, field := range fields {
		assert.NotContains(t, string(body), field)
	}
}

func TestSenderQuota(t *testing.T) {
	f := newFixture(t, sessionLimits(), headers.Policy{})
	ctx := context.Background()

	first, err := f.ctrl.Data(ctx, newSession("10.0.0.2", "john@doe.org", "bill@example.net"), sized(100))
	require.NoError(t, err)

	_, err = f.ctrl.Data(ctx, newSession("10.0.0.2", "john@doe.org", "bill@example.net"), sized(100))
	requireStatus(t, err, smtperr.QuotaExceeded)
	assert.True(t, smtperr.IsTemporary(err))

	done, err := f.queue.Complete(ctx, first, queue.ReasonDelivered)
	require.NoError(t, err)
	require.True(t, done)

	_, err = f.ctrl.Data(ctx, newSession("10.0.0.2", "john@doe.org", "bill@example.net"), sized(100))
	assert.NoError(t, err)
}

func TestDomainByteQuota(t *testing.T) {
	f := newFixture(t, sessionLimits(), headers.Policy{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		id, err := f.ctrl.Data(ctx, newSession("10.0.0.2", "bill@example.org", "jdoe@foobar.org"), sized(200))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, int64(400), f.quota.Usage("domain", "foobar.org").Bytes)

	_, err := f.ctrl.Data(ctx, newSession("10.0.0.2", "bill@example.org", "jdoe@foobar.org"), sized(100))
	requireStatus(t, err, smtperr.QuotaExceeded)

	// Other domains are unaffected.
	_, err = f.ctrl.Data(ctx, newSession("10.0.0.2", "bill@example.org", "jdoe@other.org"), sized(100))
	require.NoError(t, err)

	_, err = f.queue.Complete(ctx, ids[0], queue.ReasonExpired)
	require.NoError(t, err)
	_, err = f.ctrl.Data(ctx, newSession("10.0.0.2", "bill@example.org", "jdoe@foobar.org"), sized(100))
	assert.NoError(t, err)
	assert.Equal(t, int64(300), f.quota.Usage("domain", "foobar.org").Bytes)
}

func TestRecipientQuotaRejectsWholeMessage(t *testing.T) {
	f := newFixture(t, sessionLimits(), headers.Policy{})
	ctx := context.Background()

	_, err := f.ctrl.Data(ctx, newSession("10.0.0.2", "bill@example.org", "jane@domain.net"), sized(400))
	require.NoError(t, err)

	// Fits the domain quota but not the recipient quota.
	_, err = f.ctrl.Data(ctx, newSession("10.0.0.2", "bill@example.org", "a@foobar.org", "jane@domain.net"), sized(100))
	requireStatus(t, err, smtperr.QuotaExceeded)
	assert.Equal(t, int64(0), f.quota.Usage("domain", "foobar.org").Bytes)
}

func TestLoopDetection(t *testing.T) {
	f := newFixture(t, sessionLimits(), headers.Policy{})
	ctx := context.Background()

	hop := "Received: from a by b; Mon, 1 Jan 2024 00:00:00 +0000\r\n"
	two := []byte(strings.Repeat(hop, 2) + "Subject: x\r\n\r\nbody\r\n")
	three := []byte(strings.Repeat(hop, 3) + "Subject: x\r\n\r\nbody\r\n")

	_, err := f.ctrl.Data(ctx, newSession("10.0.0.2", "bill@example.org", "a@example.net"), two)
	require.NoError(t, err)

	loops := metrics.Get().Rejections.WithLabelValues("loop")
	before := testutil.ToFloat64(loops)

	_, err = f.ctrl.Data(ctx, newSession("10.0.0.2", "john@doe.org", "a@foobar.org"), three)
	requireStatus(t, err, smtperr.Loop)
	assert.Equal(t, before+1, testutil.ToFloat64(loops))
	assert.True(t, smtperr.IsTemporary(err))
	assert.Empty(t, f.quota.Snapshot())
}

func TestLoopCheckDisabled(t *testing.T) {
	limits := sessionLimits()
	limits.ReceivedHeaders = 0
	f := newFixture(t, limits, headers.Policy{})

	raw := []byte(strings.Repeat("Received: from a by b; Mon, 1 Jan 2024 00:00:00 +0000\r\n", 50) + "\r\nbody\r\n")
	_, err := f.ctrl.Data(context.Background(), newSession("10.0.0.2", "a@b.c", "d@e.f"), raw)
	assert.NoError(t, err)
}

func TestMalformedMessage(t *testing.T) {
	f := newFixture(t, sessionLimits(), headers.Policy{})

	_, err := f.ctrl.Data(context.Background(), newSession("10.0.0.2", "john@doe.org", "a@foobar.org"), []byte("not a header\r\n\r\n"))
	requireStatus(t, err, smtperr.Malformed)
	assert.False(t, smtperr.IsTemporary(err))
	assert.Empty(t, f.quota.Snapshot())
}

func TestMessageSizeLimit(t *testing.T) {
	limits := sessionLimits()
	limits.Size = expr.Const("session.data.limits.size", int64(150))
	f := newFixture(t, limits, headers.Policy{})
	ctx := context.Background()

	_, err := f.ctrl.Data(ctx, newSession("10.0.0.2", "a@b.c", "d@e.f"), sized(150))
	require.NoError(t, err)

	_, err = f.ctrl.Data(ctx, newSession("10.0.0.2", "a@b.c", "d@e.f"), sized(151))
	requireStatus(t, err, smtperr.TooBig)
}

func TestMissingDefaultIsConfigurationError(t *testing.T) {
	limits := Limits{
		Messages: expr.NewRules[int64]("session.data.limits.messages", []expr.Rule[int64]{
			{If: expr.MustParse("remote_ip = '10.0.0.1'"), Then: 1},
		}, nil),
	}
	f := newFixture(t, limits, headers.Policy{})

	_, err := f.ctrl.Data(context.Background(), newSession("10.0.0.2", "a@b.c", "d@e.f"), sized(100))
	requireStatus(t, err, smtperr.Config)
}

type failingQueue struct{}

func (failingQueue) Enqueue(ctx context.Context, _ *message.Candidate, _ []quota.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.New("queue store offline")
}

func TestStorageFailureReleasesReservation(t *testing.T) {
	enf, err := quota.NewEnforcer(testQuotas())
	require.NoError(t, err)
	ctrl := NewController(Config{Limits: sessionLimits(), Quota: enf, Queue: failingQueue{}})

	sess := newSession("10.0.0.2", "john@doe.org", "a@foobar.org", "jane@domain.net")
	_, err = ctrl.Data(context.Background(), sess, sized(100))
	requireStatus(t, err, smtperr.Storage)
	assert.Empty(t, enf.Snapshot())
	assert.Equal(t, int64(0), sess.Accepted())

	t.Run("cancelled session", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := ctrl.Data(ctx, sess, sized(100))
		requireStatus(t, err, smtperr.Storage)
		assert.Empty(t, enf.Snapshot())
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "QUOTA", AwaitingQuota.String())
	assert.Equal(t, "REJECTED", Rejected.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestIsLoop(t *testing.T) {
	assert.False(t, IsLoop(2, 3))
	assert.True(t, IsLoop(3, 3))
	assert.False(t, IsLoop(100, 0))
}
