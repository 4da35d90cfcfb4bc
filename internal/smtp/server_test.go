package smtp

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailgate/internal/admission"
	"github.com/busybox42/mailgate/internal/expr"
	"github.com/busybox42/mailgate/internal/headers"
	"github.com/busybox42/mailgate/internal/queue"
	"github.com/busybox42/mailgate/internal/quota"
	"github.com/busybox42/mailgate/internal/store"
)

type testServer struct {
	addr  string
	srv   *Server
	queue *queue.Manager
	quota *quota.Enforcer
}

func startServer(t *testing.T, limits admission.Limits, maxBytes int64) *testServer {
	t.Helper()

	enf, err := quota.NewEnforcer([]*quota.Definition{{
		ID:          "sender",
		Match:       expr.MustParse("sender = 'john@doe.org'"),
		Keys:        []expr.Field{expr.FieldSender},
		MaxMessages: 1,
		Enabled:     true,
	}})
	require.NoError(t, err)

	q := queue.NewManager(store.NewMemory(), enf, queue.Config{}, nil)
	ctrl := admission.NewController(admission.Config{
		Limits:  limits,
		Quota:   enf,
		Headers: headers.NewApplier("mx.example.org", headers.Policy{Received: expr.Const("received", true)}),
		Queue:   q,
	})

	srv, err := NewServer(Config{
		Hostname:        "mx.example.org",
		MaxMessageBytes: maxBytes,
		MaxRecipients:   10,
	}, ctrl, nil)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &testServer{addr: l.Addr().String(), srv: srv, queue: q, quota: enf}
}

func dial(t *testing.T, addr string) *gosmtp.Client {
	t.Helper()
	c, err := gosmtp.Dial(addr)
	require.NoError(t, err)
	require.NoError(t, c.Hello("client.example"))
	t.Cleanup(func() { c.Close() })
	return c
}

func send(c *gosmtp.Client, from string, to []string, body string) error {
	if err := c.Mail(from, nil); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	return w.Close()
}

func requireReply(t *testing.T, err error, code int, enhanced gosmtp.EnhancedCode) {
	t.Helper()
	var se *gosmtp.SMTPError
	require.True(t, errors.As(err, &se), "expected SMTP error, got %v", err)
	assert.Equal(t, code, se.Code)
	assert.Equal(t, enhanced, se.EnhancedCode)
}

const testBody = "From: john@doe.org\r\nSubject: hi\r\n\r\nhello\r\n"

func TestAcceptAndQueue(t *testing.T) {
	ts := startServer(t, admission.Limits{}, 0)
	c := dial(t, ts.addr)

	require.NoError(t, send(c, "bill@example.net", []string{"jane@example.org"}, testBody))
	assert.Equal(t, 1, ts.queue.Len())

	require.NoError(t, c.Quit())
}

func TestQuotaRejectionOverSMTP(t *testing.T) {
	ts := startServer(t, admission.Limits{}, 0)
	c := dial(t, ts.addr)

	require.NoError(t, send(c, "john@doe.org", []string{"jane@example.org"}, testBody))
	err := send(c, "john@doe.org", []string{"jane@example.org"}, testBody)
	requireReply(t, err, 452, gosmtp.EnhancedCode{4, 3, 1})

	// The session stays usable after a rejection.
	require.NoError(t, c.Reset())
	require.NoError(t, send(c, "other@doe.org", []string{"jane@example.org"}, testBody))
	assert.Equal(t, 2, ts.queue.Len())
}

func TestSessionCapOverSMTP(t *testing.T) {
	one := int64(1)
	limits := admission.Limits{Messages: expr.NewRules[int64]("messages", nil, &one)}
	ts := startServer(t, limits, 0)
	c := dial(t, ts.addr)

	require.NoError(t, send(c, "a@example.net", []string{"b@example.org"}, testBody))

	// The cap is enforced before DATA, so the client never sends the body.
	require.NoError(t, c.Mail("a@example.net", nil))
	err := c.Rcpt("b@example.org", nil)
	requireReply(t, err, 452, gosmtp.EnhancedCode{4, 4, 5})

	_, err = c.Data()
	requireReply(t, err, 502, gosmtp.EnhancedCode{5, 5, 1})
	assert.Equal(t, 1, ts.queue.Len())
}

func TestDataWithoutRecipientsOverSMTP(t *testing.T) {
	ts := startServer(t, admission.Limits{}, 0)
	c := dial(t, ts.addr)

	require.NoError(t, c.Mail("a@example.net", nil))
	_, err := c.Data()
	requireReply(t, err, 502, gosmtp.EnhancedCode{5, 5, 1})
	assert.Equal(t, 0, ts.queue.Len())

	// The transaction is still open and can be completed.
	require.NoError(t, c.Rcpt("b@example.org", nil))
	w, err := c.Data()
	require.NoError(t, err)
	_, err = w.Write([]byte(testBody))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, 1, ts.queue.Len())
}

func TestMessageTooLargeOverSMTP(t *testing.T) {
	ts := startServer(t, admission.Limits{}, 128)
	c := dial(t, ts.addr)

	err := send(c, "a@example.net", []string{"b@example.org"}, testBody+strings.Repeat("x", 512)+"\r\n")
	requireReply(t, err, 552, gosmtp.EnhancedCode{5, 3, 4})
	assert.Equal(t, 0, ts.queue.Len())
}

func TestLoopOverSMTP(t *testing.T) {
	ts := startServer(t, admission.Limits{ReceivedHeaders: 2}, 0)
	c := dial(t, ts.addr)

	body := strings.Repeat("Received: from a by b; Mon, 1 Jan 2024 00:00:00 +0000\r\n", 3) + testBody
	err := send(c, "a@example.net", []string{"b@example.org"}, body)
	requireReply(t, err, 450, gosmtp.EnhancedCode{4, 4, 6})
}

func TestToSMTPErrorHidesInternalErrors(t *testing.T) {
	se := toSMTPError(errors.New("connection refused to db01"))
	assert.Equal(t, 451, se.Code)
	assert.Equal(t, gosmtp.EnhancedCode{4, 3, 0}, se.EnhancedCode)
	assert.NotContains(t, se.Message, "db01")
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{Hostname: "mx"}, nil, nil)
	assert.Error(t, err)
	_, err = NewServer(Config{}, admission.NewController(admission.Config{}), nil)
	assert.Error(t, err)
}
