package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifygw/internal/outbox"
	"notifygw/internal/render"
	"notifygw/internal/session"
	"notifygw/pkg/logx"
)

type fakeSession struct {
	mu       sync.Mutex
	usable   bool
	err      error
	sent     []string
	restarts int
	panicky  bool
}

func (f *fakeSession) IsUsable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usable
}

func (f *fakeSession) Send(_ context.Context, recipient, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicky {
		panic("transport exploded")
	}
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, recipient+"|"+body)
	return "msg-1", nil
}

func (f *fakeSession) Snapshot() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := session.Status{State: session.Reconnecting, StateName: "reconnecting", RetryCount: 2}
	if f.usable {
		st = session.Status{State: session.Connected, StateName: "connected", ConnectedAt: time.Now().Add(-90 * time.Second)}
	}
	return st
}

func (f *fakeSession) Restart() {
	f.mu.Lock()
	f.restarts++
	f.mu.Unlock()
}

type fakeChallenges struct {
	png  []byte
	code string
}

func (c *fakeChallenges) Visual() ([]byte, time.Time, bool) {
	return c.png, time.Now(), c.png != nil
}

func (c *fakeChallenges) PairingCode() (string, time.Time, bool) {
	return c.code, time.Now(), c.code != ""
}

func (c *fakeChallenges) Pending() bool         { return c.png != nil || c.code != "" }
func (c *fakeChallenges) Stale(time.Time) bool { return false }

func newTestRouter(sess Session, q *outbox.Queue, pub Challenges) http.Handler {
	h := NewHandler(Config{SendTimeout: time.Second}, sess, q, pub, render.NewNormalizer("91"), logx.Nop())
	return Router(h, RouterOptions{})
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var m map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m), "body=%q", rr.Body.String())
	}
	return rr, m
}

func TestSendDirectWhenConnected(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{usable: true}
	q := outbox.NewQueue(10)
	h := newTestRouter(sess, q, &fakeChallenges{})

	rr, m := do(t, h, http.MethodPost, "/api/send", `{"to":"98765-43210","message":"hello"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, "msg-1", m["messageId"])
	assert.Equal(t, []string{"919876543210|hello"}, sess.sent)
	assert.Zero(t, q.Len())
}

func TestSendQueuesWhenDisconnected(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{}
	q := outbox.NewQueue(10)
	h := newTestRouter(sess, q, &fakeChallenges{})

	rr, m := do(t, h, http.MethodPost, "/api/send", `{"to":"9876543210","message":"hello"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, true, m["queued"])
	assert.Nil(t, m["error"])

	queued := q.Snapshot()
	require.Len(t, queued, 1)
	assert.Equal(t, "919876543210", queued[0].Recipient)
	assert.Zero(t, queued[0].Attempts)
}

func TestDirectFailureQueuesAsRetry(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{usable: true, err: errors.New("remote timeout")}
	q := outbox.NewQueue(10)
	h := newTestRouter(sess, q, &fakeChallenges{})

	rr, m := do(t, h, http.MethodPost, "/api/notify-admin", `{"phone":"9876543210","message":"maintenance"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, false, m["success"])
	assert.Equal(t, true, m["queued"])
	assert.Contains(t, m["error"], "remote timeout")
	require.Equal(t, 1, q.Snapshot()[0].Attempts)
}

func TestNotConnectedRaceQueuesCleanly(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{usable: true, err: session.ErrNotConnected}
	q := outbox.NewQueue(10)
	h := newTestRouter(sess, q, &fakeChallenges{})

	rr, m := do(t, h, http.MethodPost, "/api/send", `{"to":"9876543210","message":"x"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, true, m["queued"])
	assert.Nil(t, m["error"])
	assert.Zero(t, q.Snapshot()[0].Attempts)
}

func TestQueueFullReturns503(t *testing.T) {
	t.Parallel()
	q := outbox.NewQueue(1)
	require.NoError(t, q.Enqueue(outbox.NewMessage("1", "b", "raw")))
	h := newTestRouter(&fakeSession{}, q, &fakeChallenges{})

	rr, m := do(t, h, http.MethodPost, "/api/send", `{"to":"9876543210","message":"x"}`)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, false, m["success"])
	assert.NotEmpty(t, m["error"])
}

func TestValidation(t *testing.T) {
	t.Parallel()
	h := newTestRouter(&fakeSession{}, outbox.NewQueue(10), &fakeChallenges{})
	cases := []struct {
		path, body string
		want       int
	}{
		{"/api/send", `{"to":"9876543210"}`, http.StatusBadRequest},
		{"/api/send", `{"message":"x"}`, http.StatusBadRequest},
		{"/api/send", `not json`, http.StatusBadRequest},
		{"/api/notify-task", `{"phone":"9876543210"}`, http.StatusBadRequest},
		{"/api/notify-reminder", `{"taskTitle":"t"}`, http.StatusBadRequest},
		{"/api/notify-admin", `{"phone":"9876543210"}`, http.StatusBadRequest},
		{"/api/notify-task-status", `{"phone":"9876543210","taskTitle":"t","newStatus":"done"}`, http.StatusBadRequest},
		{"/api/notify-task-completion", `{"phone":"9876543210","taskTitle":"t"}`, http.StatusAccepted},
		{"/api/notify-task-revocation", `{"phone":"9876543210","taskTitle":"t","reason":"dup"}`, http.StatusAccepted},
		{"/api/notify-task-status", `{"phone":"9876543210","taskTitle":"t","previousStatus":"open","newStatus":"done"}`, http.StatusAccepted},
		{"/api/send", `{"to":"---","message":"x"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rr, m := do(t, h, http.MethodPost, tc.path, tc.body)
		require.Equal(t, tc.want, rr.Code, "%s %s", tc.path, tc.body)
		if tc.want == http.StatusBadRequest {
			assert.Equal(t, false, m["success"])
		}
	}
	_, m := do(t, h, http.MethodPost, "/api/notify-task", `{"phone":"9876543210"}`)
	assert.Equal(t, "Missing required parameters", m["error"])
}

func TestHealth(t *testing.T) {
	t.Parallel()
	q := outbox.NewQueue(10)
	require.NoError(t, q.Enqueue(outbox.NewMessage("1", "b", "raw")))

	rr, m := do(t, newTestRouter(&fakeSession{}, q, &fakeChallenges{}), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "reconnecting", m["status"])
	assert.Equal(t, false, m["connected"])
	assert.Equal(t, "0s", m["uptime"])
	assert.Equal(t, float64(1), m["queueSize"])
	assert.Equal(t, float64(2), m["retryCount"])

	_, m = do(t, newTestRouter(&fakeSession{usable: true}, q, &fakeChallenges{}), http.MethodGet, "/health", "")
	assert.Equal(t, true, m["connected"])
	assert.Equal(t, "1m 30s", m["uptime"])
}

func TestChallengeEndpoints(t *testing.T) {
	t.Parallel()
	pub := &fakeChallenges{}
	h := newTestRouter(&fakeSession{}, outbox.NewQueue(10), pub)

	_, m := do(t, h, http.MethodGet, "/qr-status", "")
	assert.Equal(t, false, m["qrAvailable"])
	assert.Equal(t, false, m["connected"])

	rr, _ := do(t, h, http.MethodGet, "/qr.png", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	rr, _ = do(t, h, http.MethodGet, "/pairing-code", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	pub.png = []byte("\x89PNG fake")
	pub.code = "ABCD-1234"

	_, m = do(t, h, http.MethodGet, "/qr-status", "")
	assert.Equal(t, true, m["qrAvailable"])
	assert.Equal(t, true, m["pairingCodeAvailable"])

	rr, _ = do(t, h, http.MethodGet, "/qr.png", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
	assert.Equal(t, pub.png, rr.Body.Bytes())

	_, m = do(t, h, http.MethodGet, "/pairing-code", "")
	assert.Equal(t, "ABCD-1234", m["pairingCode"])
}

func TestRestartAndMethodRouting(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{}
	h := newTestRouter(sess, outbox.NewQueue(10), &fakeChallenges{})

	rr, m := do(t, h, http.MethodPost, "/api/restart", "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, 1, sess.restarts)

	rr, _ = do(t, h, http.MethodGet, "/api/send", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr, _ = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	h := newTestRouter(&fakeSession{usable: true, panicky: true}, outbox.NewQueue(10), &fakeChallenges{})
	rr, m := do(t, h, http.MethodPost, "/api/send", `{"to":"9876543210","message":"x"}`)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, false, m["success"])
}
