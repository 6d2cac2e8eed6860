package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifygw/internal/eventbus"
	"notifygw/internal/outbox"
	"notifygw/internal/schedule"
	"notifygw/internal/session"
	"notifygw/pkg/logx"
)

type fakeSession struct {
	mu sync.Mutex
	st session.Status
}

func (f *fakeSession) Snapshot() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeSession) set(bus eventbus.Bus, st session.State) {
	f.mu.Lock()
	from := f.st.State
	f.st = session.Status{State: st, StateName: st.String()}
	if st == session.Connected {
		f.st.ConnectedAt = time.Now().Add(-time.Hour)
	}
	f.mu.Unlock()
	bus.Publish(eventbus.Event{Type: eventbus.TypeSessionState, Data: session.StateChange{From: from, To: st}})
}

type counter struct {
	mu    sync.Mutex
	kicks int
	lines []string
}

func (c *counter) Kick() {
	c.mu.Lock()
	c.kicks++
	c.mu.Unlock()
}

func (c *counter) Status(line string) bool {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
	return true
}

func (c *counter) snapshot() (int, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kicks, append([]string(nil), c.lines...)
}

func newReporter(t *testing.T) (*Reporter, *fakeSession, *counter, *schedule.Service, eventbus.Bus, *outbox.Queue) {
	t.Helper()
	bus := eventbus.New()
	sess := &fakeSession{st: session.Status{State: session.Uninitialized, StateName: "uninitialized"}}
	q := outbox.NewQueue(10)
	c := &counter{}
	sched := schedule.New(logx.Nop())
	r := New(Config{}, sess, q, c, c, sched, bus, logx.Nop())
	return r, sess, c, sched, bus, q
}

func TestReportArmsOnlyWhileConnected(t *testing.T) {
	t.Parallel()
	r, sess, _, sched, bus, _ := newReporter(t)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	require.Error(t, r.Start(context.Background()))

	require.False(t, r.Active())
	_, ok := sched.Interval(jobName)
	require.False(t, ok)

	sess.set(bus, session.Connected)
	require.Eventually(t, r.Active, time.Second, 2*time.Millisecond)
	every, ok := sched.Interval(jobName)
	require.True(t, ok)
	assert.Equal(t, DefaultInterval, every)

	r.Apply(Config{Interval: 5 * time.Second})
	every, _ = sched.Interval(jobName)
	assert.Equal(t, 5*time.Second, every)

	sess.set(bus, session.Reconnecting)
	require.Eventually(t, func() bool { return !r.Active() }, time.Second, 2*time.Millisecond)
	_, ok = sched.Interval(jobName)
	require.False(t, ok)
}

func TestReportKicksAndUpdatesStatusLine(t *testing.T) {
	t.Parallel()
	r, sess, c, _, bus, q := newReporter(t)
	require.NoError(t, q.Enqueue(outbox.NewMessage("919876543210", "hi", "raw")))

	r.Report(context.Background())
	kicks, _ := c.snapshot()
	require.Zero(t, kicks, "silent while not connected")

	sess.set(bus, session.Connected)
	r.Report(context.Background())
	kicks, lines := c.snapshot()
	require.Equal(t, 1, kicks)
	require.NotEmpty(t, lines)
	assert.Equal(t, "connected for 1h 0m 0s, queue 1", lines[len(lines)-1])
}

func TestStartWhenAlreadyConnected(t *testing.T) {
	t.Parallel()
	r, sess, c, _, _, _ := newReporter(t)
	sess.st = session.Status{State: session.Connected, StateName: "connected", ConnectedAt: time.Now()}

	require.NoError(t, r.Start(context.Background()))
	require.True(t, r.Active())
	_, lines := c.snapshot()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "connected for 0s")

	require.NoError(t, r.Stop(context.Background()))
	require.False(t, r.Active())
}

func TestFormatUptime(t *testing.T) {
	t.Parallel()
	cases := map[time.Duration]string{
		0:                                  "0s",
		-time.Second:                       "0s",
		59 * time.Second:                   "59s",
		61 * time.Second:                   "1m 1s",
		2*time.Hour + 5*time.Second:        "2h 0m 5s",
		26*time.Hour + 3*time.Minute + 4e9: "1d 2h 3m 4s",
	}
	for d, want := range cases {
		assert.Equal(t, want, FormatUptime(d), d.String())
	}
}

func TestConcurrentReconcileKeepsScheduleInStep(t *testing.T) {
	t.Parallel()
	r, sess, _, sched, bus, _ := newReporter(t)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					sess.set(bus, session.Connected)
				} else {
					sess.set(bus, session.Reconnecting)
				}
				r.reconcile()
			}(i)
		}
		wg.Wait()

		sess.set(bus, session.Reconnecting)
		r.reconcile()
		_, armed := sched.Interval(jobName)
		require.False(t, armed, "round %d: armed while disconnected", round)
		require.False(t, r.Active(), "round %d", round)
	}

	sess.set(bus, session.Connected)
	r.reconcile()
	_, armed := sched.Interval(jobName)
	require.True(t, armed)
}
