package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifygw/pkg/logx"
)

type call struct {
	method string
	body   string
}

type fakeAPI struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	f.mu.Lock()
	f.calls = append(f.calls, call{method: method, body: string(b)})
	f.mu.Unlock()

	result := map[string]any{"message_id": 1, "date": 0, "chat": map[string]any{"id": 42, "type": "group"}}
	if method == "sendPhoto" {
		result["photo"] = []map[string]any{{"file_id": "f1", "file_unique_id": "u1", "width": 64, "height": 64}}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func (f *fakeAPI) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func newOperator(t *testing.T) (*Operator, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	op, err := New(Config{Token: "123:abc", ChatID: 42, ThreadID: 7, APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	return op, api
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	_, err := New(Config{ChatID: 1}, logx.Nop())
	require.Error(t, err)
	_, err = New(Config{Token: "x"}, logx.Nop())
	require.Error(t, err)
}

func TestSendTextAndPairingCode(t *testing.T) {
	t.Parallel()
	op, api := newOperator(t)

	require.NoError(t, op.SendText(context.Background(), "session logged out"))
	require.NoError(t, op.SendPairingCode(context.Background(), "AB<CD"))

	calls := api.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "sendMessage", calls[0].method)
	assert.Contains(t, calls[0].body, "session logged out")
	assert.Contains(t, calls[0].body, "42")
	assert.Contains(t, calls[1].body, "AB\\u0026lt;CD")
}

func TestSendChallengeImage(t *testing.T) {
	t.Parallel()
	op, api := newOperator(t)

	require.NoError(t, op.SendChallengeImage(context.Background(), []byte("\x89PNG\r\n"), "scan me"))
	calls := api.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, "sendPhoto", calls[0].method)
	assert.Contains(t, calls[0].body, "scan me")
}

func TestCanceledContextSendsNothing(t *testing.T) {
	t.Parallel()
	op, api := newOperator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, op.SendText(ctx, "x"), context.Canceled)
	require.ErrorIs(t, op.SendPairingCode(ctx, "x"), context.Canceled)
	require.ErrorIs(t, op.SendChallengeImage(ctx, nil, ""), context.Canceled)
	require.Empty(t, api.snapshot())
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	lines := strings.Repeat("abcdefghi\n", 5)
	chunks := splitText(lines, 25)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 25)
		assert.False(t, strings.HasSuffix(c, "\n"))
	}
	assert.Equal(t, strings.TrimRight(lines, "\n"), strings.Join(chunks, "\n"))

	long := strings.Repeat("x", 23)
	assert.Equal(t, []string{"xxxxxxxxxx", "xxxxxxxxxx", "xxx"}, splitText(long, 10))
}
