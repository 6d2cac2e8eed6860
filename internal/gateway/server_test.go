package gateway

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notifygw/pkg/logx"
)

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	srv := NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}), logx.Nop())

	require.NoError(t, srv.Start("127.0.0.1:0"))
	require.Error(t, srv.Start("127.0.0.1:0"))
	addr := srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, "ok", string(body))

	errCh := srv.Err()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.Empty(t, srv.Addr())

	select {
	case err, ok := <-errCh:
		require.False(t, ok, "unexpected serve error %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("error channel not closed")
	}
	require.NoError(t, srv.Stop(ctx))
}
