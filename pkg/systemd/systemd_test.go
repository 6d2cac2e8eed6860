package systemd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notifygw/pkg/logx"
)

func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", sock)
	return conn
}

func recv(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := New(logx.Nop())
	require.False(t, n.Ready())
	require.False(t, n.Status("idle"))
}

func TestNotifyStates(t *testing.T) {
	conn := listen(t)
	n := New(logx.Nop())

	require.True(t, n.Ready())
	require.Equal(t, "READY=1", recv(t, conn))

	require.True(t, n.Status("connected\nqueue=0"))
	require.Equal(t, "STATUS=connected queue=0", recv(t, conn))
	require.False(t, n.Status("connected queue=0"))

	require.True(t, n.Stopping())
	require.Equal(t, "STOPPING=1", recv(t, conn))
}

func TestWatchdogPings(t *testing.T) {
	conn := listen(t)
	t.Setenv("WATCHDOG_USEC", "40000")
	t.Setenv("WATCHDOG_PID", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		New(logx.Nop()).Watchdog(ctx)
	}()
	require.Equal(t, "WATCHDOG=1", recv(t, conn))
	cancel()
	<-done
}

func TestWatchdogDisabledReturns(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	New(logx.Nop()).Watchdog(context.Background())
}
