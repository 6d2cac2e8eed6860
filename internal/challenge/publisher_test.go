package challenge

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notifygw/internal/eventbus"
	"notifygw/pkg/logx"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

type fakeMirror struct {
	mu     sync.Mutex
	images int
	codes  []string
	err    error
}

func (m *fakeMirror) SendChallengeImage(_ context.Context, png []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images++
	return m.err
}

func (m *fakeMirror) SendPairingCode(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, code)
	return m.err
}

func (m *fakeMirror) snapshot() (int, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.images, append([]string(nil), m.codes...)
}

func TestPublishVisualChallengeWritesPNG(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var term bytes.Buffer
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeChallenge)
	defer unsub()

	p, err := New(Config{Dir: dir, Size: 128, Terminal: true, TerminalOut: &term}, bus, nil, logx.Nop())
	require.NoError(t, err)
	require.False(t, p.Pending())

	path, err := p.PublishVisualChallenge("2@payload,one")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, FileName), path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(b, pngMagic))
	require.NotEmpty(t, term.String())

	img, at, ok := p.Visual()
	require.True(t, ok)
	require.Equal(t, b, img)
	require.False(t, at.IsZero())
	require.True(t, p.Pending())
	require.Equal(t, KindQR, (<-events).Data)

	// Overwrite in place.
	_, err = p.PublishVisualChallenge("2@payload,two")
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	p.Clear()
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	_, _, ok = p.Visual()
	require.False(t, ok)
	require.False(t, p.Pending())
}

func TestPairingCodeAndMirror(t *testing.T) {
	t.Parallel()
	m := &fakeMirror{err: errors.New("telegram down")}
	p, err := New(Config{Dir: t.TempDir(), Size: 64}, nil, m, logx.Nop())
	require.NoError(t, err)

	require.Error(t, p.PublishPairingCode("  "))
	require.NoError(t, p.PublishPairingCode("ABCD-EFGH"))
	code, _, ok := p.PairingCode()
	require.True(t, ok)
	require.Equal(t, "ABCD-EFGH", code)

	_, err = p.PublishVisualChallenge("payload")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		images, codes := m.snapshot()
		return images == 1 && len(codes) == 1
	}, time.Second, 5*time.Millisecond)

	p.Clear()
	_, _, ok = p.PairingCode()
	require.False(t, ok)
}

func TestStaleAfterGrace(t *testing.T) {
	t.Parallel()
	p, err := New(Config{Dir: t.TempDir(), Size: 64, Grace: time.Minute}, nil, nil, logx.Nop())
	require.NoError(t, err)
	require.False(t, p.Stale(time.Now()))

	require.NoError(t, p.PublishPairingCode("12345678"))
	require.False(t, p.Stale(time.Now()))
	require.True(t, p.Stale(time.Now().Add(2*time.Minute)))
}

func TestNewRemovesLeftoverArtifact(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	leftover := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(leftover, []byte("old"), 0o644))

	_, err := New(Config{Dir: dir}, nil, nil, logx.Nop())
	require.NoError(t, err)
	_, err = os.Stat(leftover)
	require.True(t, os.IsNotExist(err))

	_, err = New(Config{}, nil, nil, logx.Nop())
	require.Error(t, err)
}

type blockingMirror struct {
	started  chan struct{}
	returned chan error
}

func (m *blockingMirror) SendChallengeImage(ctx context.Context, _ []byte, _ string) error {
	return m.block(ctx)
}

func (m *blockingMirror) SendPairingCode(ctx context.Context, _ string) error {
	return m.block(ctx)
}

func (m *blockingMirror) block(ctx context.Context) error {
	close(m.started)
	<-ctx.Done()
	m.returned <- ctx.Err()
	return ctx.Err()
}

func TestCloseCancelsInFlightMirror(t *testing.T) {
	t.Parallel()
	m := &blockingMirror{started: make(chan struct{}), returned: make(chan error, 1)}
	p, err := New(Config{Dir: t.TempDir(), Size: 64}, nil, m, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, p.PublishPairingCode("1234-5678"))
	select {
	case <-m.started:
	case <-time.After(time.Second):
		t.Fatal("mirror send never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	select {
	case err := <-m.returned:
		require.ErrorIs(t, err, context.Canceled)
	default:
		t.Fatal("Close returned before the mirror send finished")
	}
}
