// Package status runs the periodic health report that is active only while
// the session is connected.
package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifygw/internal/eventbus"
	"notifygw/internal/outbox"
	rtsup "notifygw/internal/runtime/supervisor"
	"notifygw/internal/schedule"
	"notifygw/internal/session"
	"notifygw/pkg/logx"
)

const (
	DefaultInterval = 60 * time.Second
	jobName         = "status.report"
)

type Config struct {
	Interval time.Duration
}

type Session interface {
	Snapshot() session.Status
}

// Kicker requests an opportunistic drain.
type Kicker interface {
	Kick()
}

// StatusLine receives a one-line summary (systemd STATUS=).
type StatusLine interface {
	Status(line string) bool
}

type Reporter struct {
	sess   Session
	queue  *outbox.Queue
	kicker Kicker
	line   StatusLine
	sched  *schedule.Service
	bus    eventbus.Bus
	log    logx.Logger

	// schedMu orders arm and Remove so the schedule follows the latest
	// observed state. Taken before mu.
	schedMu sync.Mutex

	mu       sync.Mutex
	interval time.Duration
	active   bool
	rt       *rtsup.Supervisor
}

// New builds a reporter. kicker and line may be nil.
func New(cfg Config, sess Session, queue *outbox.Queue, kicker Kicker, line StatusLine, sched *schedule.Service, bus eventbus.Bus, log logx.Logger) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{
		sess:     sess,
		queue:    queue,
		kicker:   kicker,
		line:     line,
		sched:    sched,
		bus:      bus,
		log:      log.With(logx.String("comp", "status")),
		interval: cfg.Interval,
	}
}

// Start follows session state changes and arms the report while connected.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.rt != nil {
		r.mu.Unlock()
		return errors.New("status reporter already started")
	}
	events, unsub := r.bus.Subscribe(16, eventbus.TypeSessionState)
	r.rt = rtsup.New(ctx, rtsup.WithLogger(r.log))
	r.rt.Go0("status.follow", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if _, ok := ev.Data.(session.StateChange); ok {
					r.reconcile()
				}
			}
		}
	})
	r.mu.Unlock()

	r.reconcile()
	return nil
}

func (r *Reporter) Stop(ctx context.Context) error {
	r.schedMu.Lock()
	r.mu.Lock()
	rt := r.rt
	r.rt = nil
	r.active = false
	r.mu.Unlock()
	r.sched.Remove(jobName)
	r.schedMu.Unlock()
	if rt == nil {
		return nil
	}
	return rt.Stop(ctx)
}

// Apply changes the report interval, rescheduling if active.
func (r *Reporter) Apply(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	r.schedMu.Lock()
	defer r.schedMu.Unlock()
	r.mu.Lock()
	changed := cfg.Interval != r.interval
	r.interval = cfg.Interval
	active := r.active
	r.mu.Unlock()
	if changed && active {
		r.arm()
	}
}

func (r *Reporter) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// reconcile arms or disarms the report to match the current session state.
func (r *Reporter) reconcile() {
	r.schedMu.Lock()
	defer r.schedMu.Unlock()

	st := r.sess.Snapshot()
	r.setLine(st)

	r.mu.Lock()
	if r.rt == nil {
		r.mu.Unlock()
		return
	}
	want := st.State == session.Connected
	if want == r.active {
		r.mu.Unlock()
		return
	}
	r.active = want
	r.mu.Unlock()

	if want {
		r.arm()
		return
	}
	r.sched.Remove(jobName)
}

// arm requires schedMu.
func (r *Reporter) arm() {
	r.mu.Lock()
	every := r.interval
	r.mu.Unlock()
	if err := r.sched.Every(jobName, every, r.Report); err != nil {
		r.log.Warn("schedule status report failed", logx.Err(err))
	}
}

// Report logs uptime and queue depth and nudges the drainer. It does
// nothing unless the session is connected.
func (r *Reporter) Report(ctx context.Context) {
	st := r.sess.Snapshot()
	if st.State != session.Connected {
		return
	}
	stats := r.queue.Stats()
	up := time.Since(st.ConnectedAt)
	r.log.Info("gateway status",
		logx.String("uptime", FormatUptime(up)),
		logx.Int("queue_size", r.queue.Len()),
		logx.Int("queue_pending", stats.Queued),
		logx.Int("queue_in_flight", stats.InFlight),
	)
	r.setLine(st)
	if r.kicker != nil {
		r.kicker.Kick()
	}
}

func (r *Reporter) setLine(st session.Status) {
	if r.line == nil {
		return
	}
	var b strings.Builder
	b.WriteString(st.StateName)
	if st.State == session.Connected {
		fmt.Fprintf(&b, " for %s", FormatUptime(time.Since(st.ConnectedAt)))
	} else if st.RetryCount > 0 {
		fmt.Fprintf(&b, " (retry %d)", st.RetryCount)
	}
	fmt.Fprintf(&b, ", queue %d", r.queue.Len())
	r.line.Status(b.String())
}

// FormatUptime renders d as "1d 2h 3m 4s", omitting leading zero units.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	days := secs / 86400
	hours := secs % 86400 / 3600
	mins := secs % 3600 / 60
	secs %= 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if days > 0 || hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if days > 0 || hours > 0 || mins > 0 {
		parts = append(parts, fmt.Sprintf("%dm", mins))
	}
	parts = append(parts, fmt.Sprintf("%ds", secs))
	return strings.Join(parts, " ")
}
