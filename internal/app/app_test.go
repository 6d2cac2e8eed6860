package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifygw/internal/config"
	"notifygw/internal/transport/loopback"
	"notifygw/pkg/logx"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func envMap(m map[string]string) config.LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func testConfig(t *testing.T) string {
	dir := t.TempDir()
	return writeConfig(t, `
http:
  addr: "127.0.0.1:0"
session:
  name: main
  backoff_base: 5ms
  backoff_cap: 10ms
credentials:
  driver: file
  path: `+filepath.Join(dir, "auth")+`
challenge:
  dir: `+dir+`
queue:
  send_delay: 1ms
logging:
  level: error
`)
}

func startApp(t *testing.T, opts Options) *App {
	t.Helper()
	a, err := NewApp(opts)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopUnknown)
	})
	return a
}

func postJSON(t *testing.T, url string, body any) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestAppServesAndSends(t *testing.T) {
	lb := loopback.New(logx.Nop())
	a := startApp(t, Options{
		ConfigPath: testConfig(t),
		Env:        envMap(map[string]string{"DEFAULT_COUNTRY_CODE": "44"}),
		Transport:  lb,
	})
	require.NotEmpty(t, a.Addr())
	base := "http://" + a.Addr()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var h map[string]any
		if json.NewDecoder(resp.Body).Decode(&h) != nil {
			return false
		}
		return h["connected"] == true
	}, 3*time.Second, 10*time.Millisecond)

	code, out := postJSON(t, base+"/api/send", map[string]string{"to": "7700900123", "message": "hi"})
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, true, out["success"])

	sent := lb.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "447700900123", sent[0].Recipient)
	assert.Equal(t, "hi", sent[0].Body)
}

func TestAppQueuesUntilAuthenticated(t *testing.T) {
	lb := loopback.New(logx.Nop(), loopback.WithChallenge())
	a := startApp(t, Options{ConfigPath: testConfig(t), Env: envMap(nil), Transport: lb})
	base := "http://" + a.Addr()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/qr.png")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 10*time.Millisecond)

	code, out := postJSON(t, base+"/api/send", map[string]string{"to": "9876543210", "message": "later"})
	require.Equal(t, http.StatusAccepted, code, out)
	assert.Equal(t, true, out["queued"])
	assert.Empty(t, lb.Sent())

	require.True(t, lb.Authenticate([]byte("creds")))
	// The session follower kicks the drainer on connect.
	require.Eventually(t, func() bool { return len(lb.Sent()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "919876543210", lb.Sent()[0].Recipient)
}

func TestAppRejectsInvalidConfig(t *testing.T) {
	p := writeConfig(t, "queue:\n  interval: soon\n")
	_, err := NewApp(Options{ConfigPath: p, Env: envMap(nil), Transport: loopback.New(logx.Nop())})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.interval")
}

func TestAppStopWithoutStart(t *testing.T) {
	a, err := NewApp(Options{ConfigPath: testConfig(t), Env: envMap(nil), Transport: loopback.New(logx.Nop())})
	require.NoError(t, err)
	require.NoError(t, a.Stop(context.Background(), StopUnknown))
}

func TestOpenCredentials(t *testing.T) {
	store, name, err := OpenCredentials(Options{ConfigPath: testConfig(t), Env: envMap(nil)})
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, "main", name)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, name, []byte("blob")))
	got, err := store.Load(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), got)
}

func TestAppRequiresTransportDriver(t *testing.T) {
	_, err := NewApp(Options{ConfigPath: testConfig(t), Env: envMap(nil)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport.driver is required")

	a, err := NewApp(Options{ConfigPath: testConfig(t), Env: envMap(map[string]string{"BRIDGE_URL": "http://127.0.0.1:1"})})
	require.NoError(t, err)
	require.NoError(t, a.Stop(context.Background(), StopUnknown))
}

func TestAppLoopbackWhenNamed(t *testing.T) {
	p := writeConfig(t, `
http:
  addr: "127.0.0.1:0"
transport:
  driver: loopback
credentials:
  path: `+filepath.Join(t.TempDir(), "auth")+`
challenge:
  dir: `+t.TempDir()+`
logging:
  level: error
`)
	a, err := NewApp(Options{ConfigPath: p, Env: envMap(nil)})
	require.NoError(t, err)
	require.NoError(t, a.Stop(context.Background(), StopUnknown))
}
