package api

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailgate/internal/expr"
	"github.com/busybox42/mailgate/internal/message"
	"github.com/busybox42/mailgate/internal/queue"
	"github.com/busybox42/mailgate/internal/quota"
	"github.com/busybox42/mailgate/internal/store"
)

const testMessage = "Subject: hello\r\n\r\nbody\r\n"

type apiFixture struct {
	ts    *httptest.Server
	queue *queue.Manager
	quota *quota.Enforcer
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	return newAPIFixtureWithConfig(t, Config{Version: "test"})
}

func newAPIFixtureWithConfig(t *testing.T, cfg Config) *apiFixture {
	t.Helper()

	enf, err := quota.NewEnforcer([]*quota.Definition{{
		ID:          "sender",
		Keys:        []expr.Field{expr.FieldSender},
		MaxMessages: 10,
		Enabled:     true,
	}})
	require.NoError(t, err)
	q := queue.NewManager(store.NewMemory(), enf, queue.Config{}, nil)

	srv, err := NewServer(cfg, q, enf, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{ts: ts, queue: q, quota: enf}
}

// admit reserves quota for a message from sender and queues it.
func (f *apiFixture) admit(t *testing.T, sender string) string {
	t.Helper()
	ctx := context.Background()

	cand, err := message.Parse(message.Envelope{Sender: sender, Recipients: []string{"rcpt@example.org"}}, []byte(testMessage))
	require.NoError(t, err)
	res, err := f.quota.Reserve(ctx, quota.Request{
		Env:        expr.Env{Sender: sender},
		Recipients: cand.Envelope.Recipients,
		Size:       cand.Size,
	})
	require.NoError(t, err)

	cand.ID = queue.NewID()
	require.NoError(t, f.queue.Enqueue(ctx, cand, res.Tokens()))
	res.Detach()
	return cand.ID
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (f *apiFixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestNewServer(t *testing.T) {
	t.Run("default listen address", func(t *testing.T) {
		srv, err := NewServer(Config{}, queue.NewManager(store.NewMemory(), nil, queue.Config{}, nil), nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:8025", srv.config.ListenAddr)
	})

	t.Run("queue is required", func(t *testing.T) {
		_, err := NewServer(Config{}, nil, nil, nil)
		assert.Error(t, err)
	})
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	f.admit(t, "john@doe.org")

	resp, body := f.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthStats
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.ServerVersion)
	assert.Equal(t, 1, health.Queue.Count)
	assert.Equal(t, 1, health.Quota.Buckets)
	assert.Equal(t, int64(1), health.Quota.ReservedMessages)
}

func TestQuotaUsage(t *testing.T) {
	f := newAPIFixture(t)
	f.admit(t, "john@doe.org")
	f.admit(t, "john@doe.org")
	f.admit(t, "jane@doe.org")

	resp, body := f.get(t, "/api/quota?quota=sender")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var usage []quota.Usage
	require.NoError(t, json.Unmarshal(body, &usage))
	require.Len(t, usage, 2)
	assert.Equal(t, "jane@doe.org", usage[0].Key)
	assert.Equal(t, int64(1), usage[0].Messages)
	assert.Equal(t, "john@doe.org", usage[1].Key)
	assert.Equal(t, int64(2), usage[1].Messages)

	_, body = f.get(t, "/api/quota?quota=other")
	assert.JSONEq(t, "[]", string(body))
}

func TestGetMessageAndBody(t *testing.T) {
	f := newAPIFixture(t)
	id := f.admit(t, "john@doe.org")

	resp, body := f.get(t, "/api/queue/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec queue.Record
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "john@doe.org", rec.Envelope.Sender)

	resp, body = f.get(t, "/api/queue/"+id+"/body")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "message/rfc822", resp.Header.Get("Content-Type"))
	assert.Equal(t, testMessage, string(body))

	_, body = f.get(t, "/api/queue/"+id+"/body?offset=9&length=5")
	assert.Equal(t, "hello", string(body))

	_, body = f.get(t, "/api/queue/"+id+"/body?offset=18")
	assert.Equal(t, "body\r\n", string(body))

	resp, _ = f.get(t, "/api/queue/"+id+"/body?offset=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetMessageErrors(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.get(t, "/api/queue/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "/api/queue/"+queue.NewID())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCompleteReleasesQuota(t *testing.T) {
	f := newAPIFixture(t)
	id := f.admit(t, "john@doe.org")
	assert.Equal(t, int64(1), f.quota.Usage("sender", "john@doe.org").Messages)

	resp := f.post(t, "/api/queue/"+id+"/complete", `{"reason":"delivered"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), f.quota.Usage("sender", "john@doe.org").Messages)
	assert.Equal(t, 0, f.queue.Len())

	resp = f.post(t, "/api/queue/"+id+"/complete", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCompleteValidation(t *testing.T) {
	f := newAPIFixture(t)
	id := f.admit(t, "john@doe.org")

	resp := f.post(t, "/api/queue/"+id+"/complete", `{"reason":"lost"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.post(t, "/api/queue/"+id+"/complete", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.get(t, "/api/queue/"+id+"/complete")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, 1, f.queue.Len())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.admit(t, "john@doe.org")

	resp, body := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "mailgate_queue_size")
}

func TestParseRange(t *testing.T) {
	r, err := parseRange("", "")
	require.NoError(t, err)
	assert.True(t, r.IsFull())

	r, err = parseRange("10", "5")
	require.NoError(t, err)
	assert.Equal(t, store.Range{Start: 10, End: 15}, r)

	_, err = parseRange("x", "")
	assert.Error(t, err)
	_, err = parseRange("0", "-3")
	assert.Error(t, err)

	// Start plus length must not wrap around to an open-ended range.
	_, err = parseRange("10", "9223372036854775807")
	assert.Error(t, err)
	r, err = parseRange("1", "9223372036854775806")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), r.End)
}

func TestAuthTokenProtectsAPIRoutes(t *testing.T) {
	f := newAPIFixtureWithConfig(t, Config{Version: "test", AuthToken: "s3cret"})
	id := f.admit(t, "john@doe.org")

	do := func(method, path, token string) int {
		req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(`{"reason":"delivered"}`))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, do("GET", "/health", ""))
	assert.Equal(t, http.StatusUnauthorized, do("GET", "/api/queue/"+id, ""))
	assert.Equal(t, http.StatusUnauthorized, do("POST", "/api/queue/"+id+"/complete", "wrong"))
	assert.Equal(t, 1, f.queue.Len())

	assert.Equal(t, http.StatusOK, do("GET", "/api/queue/"+id, "s3cret"))
	assert.Equal(t, http.StatusOK, do("POST", "/api/queue/"+id+"/complete", "s3cret"))
	assert.Equal(t, 0, f.queue.Len())
}
