package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"notifygw/internal/eventbus"
	"notifygw/internal/metrics"
	rtsup "notifygw/internal/runtime/supervisor"
	"notifygw/internal/schedule"
	"notifygw/internal/session"
	"notifygw/pkg/logx"
)

const (
	DefaultDrainInterval = 15 * time.Second
	DefaultSendDelay     = time.Second
	DefaultBatchMax      = 5
	DefaultRetryMax      = 5

	jobName = "outbox.drain"
)

type Config struct {
	Interval  time.Duration
	SendDelay time.Duration
	BatchMax  int
	RetryMax  int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultDrainInterval
	}
	if c.SendDelay <= 0 {
		c.SendDelay = DefaultSendDelay
	}
	if c.BatchMax <= 0 {
		c.BatchMax = DefaultBatchMax
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	return c
}

// Sender is the live session as seen by the drain loop.
type Sender interface {
	IsUsable() bool
	Send(ctx context.Context, recipient, body string) (string, error)
}

// DropEvent is published on the bus when a message exhausts its retries.
type DropEvent struct {
	Message Message
	Err     string
}

// Result summarizes one drain cycle.
type Result struct {
	Skipped  bool
	Sent     int
	Requeued int
	Dropped  int
	Returned int
}

// Drainer delivers queued messages on a schedule and on demand (Kick).
// At most one cycle runs at a time.
type Drainer struct {
	q      *Queue
	sender Sender
	sched  *schedule.Service
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	running sync.Mutex
	kickCh  chan struct{}
	rt      *rtsup.Supervisor
}

func NewDrainer(cfg Config, q *Queue, sender Sender, sched *schedule.Service, bus eventbus.Bus, log logx.Logger) *Drainer {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Drainer{
		q:       q,
		sender:  sender,
		sched:   sched,
		bus:     bus,
		log:     log.With(logx.String("comp", "outbox")),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.SendDelay), 1),
		kickCh:  make(chan struct{}, 1),
	}
}

// Start registers the periodic job and the kick loop.
func (d *Drainer) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rt != nil {
		return errors.New("drainer already started")
	}
	if d.sched != nil {
		if err := d.sched.Every(jobName, d.cfg.Interval, func(ctx context.Context) { d.DrainOnce(ctx) }); err != nil {
			return err
		}
	}
	d.rt = rtsup.New(ctx, rtsup.WithLogger(d.log))
	d.rt.GoRestart("outbox.kick", d.kickLoop)
	d.log.Info("drain loop started", logx.Duration("interval", d.cfg.Interval), logx.Int("batch_max", d.cfg.BatchMax))
	return nil
}

func (d *Drainer) Stop(ctx context.Context) error {
	d.mu.Lock()
	rt := d.rt
	d.rt = nil
	d.mu.Unlock()
	if d.sched != nil {
		d.sched.Remove(jobName)
	}
	if rt == nil {
		return nil
	}
	return rt.Stop(ctx)
}

// Kick requests a drain cycle soon. It never blocks.
func (d *Drainer) Kick() {
	select {
	case d.kickCh <- struct{}{}:
	default:
	}
}

// Apply updates tuning at runtime.
func (d *Drainer) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	old := d.cfg
	d.cfg = cfg
	if cfg.SendDelay != old.SendDelay {
		d.limiter.SetLimit(rate.Every(cfg.SendDelay))
	}
	started := d.rt != nil
	d.mu.Unlock()

	if started && d.sched != nil && cfg.Interval != old.Interval {
		if err := d.sched.Every(jobName, cfg.Interval, func(ctx context.Context) { d.DrainOnce(ctx) }); err != nil {
			d.log.Warn("reschedule drain failed", logx.Err(err))
		}
	}
}

func (d *Drainer) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Drainer) kickLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.kickCh:
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce runs one cycle. A cycle already in progress makes this a no-op.
func (d *Drainer) DrainOnce(ctx context.Context) Result {
	if !d.running.TryLock() {
		return Result{Skipped: true}
	}
	defer d.running.Unlock()

	if !d.sender.IsUsable() {
		return Result{}
	}
	cfg := d.config()
	batch := d.q.PopBatch(cfg.BatchMax)
	if len(batch) == 0 {
		return Result{}
	}

	var res Result
	i := 0
	defer func() {
		// Unresolved messages go back before the panic propagates.
		if r := recover(); r != nil {
			d.q.Return(batch[i:])
			panic(r)
		}
	}()
	for ; i < len(batch); i++ {
		m := batch[i]
		if ctx.Err() != nil || !d.sender.IsUsable() {
			d.q.Return(batch[i:])
			res.Returned += len(batch) - i
			break
		}
		if err := d.limiter.Wait(ctx); err != nil {
			d.q.Return(batch[i:])
			res.Returned += len(batch) - i
			break
		}

		id, err := d.sender.Send(ctx, m.Recipient, m.Body)
		if err == nil {
			d.q.Done(m)
			res.Sent++
			metrics.MessagesSent.WithLabelValues("queued").Inc()
			d.log.Debug("queued message delivered", logx.String("id", m.ID), logx.String("message_id", id), logx.Int("attempts", m.Attempts+1))
			continue
		}
		if errors.Is(err, session.ErrNotConnected) {
			d.q.Return(batch[i:])
			res.Returned += len(batch) - i
			break
		}

		m.Attempts++
		metrics.MessagesFailed.Inc()
		if m.Attempts < cfg.RetryMax {
			d.q.Requeue(m)
			res.Requeued++
			d.log.Warn("queued message failed; requeued", logx.String("id", m.ID), logx.Int("attempts", m.Attempts), logx.Err(err))
			continue
		}
		d.q.Done(m)
		res.Dropped++
		metrics.MessagesDropped.Inc()
		d.log.Error("queued message dropped after retries", logx.String("id", m.ID), logx.String("kind", m.Kind), logx.Int("attempts", m.Attempts), logx.Err(err))
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeMessageDropped, Data: DropEvent{Message: m, Err: err.Error()}})
		}
	}

	if res.Sent+res.Requeued+res.Dropped > 0 {
		d.log.Info("drain cycle finished",
			logx.Int("sent", res.Sent), logx.Int("requeued", res.Requeued),
			logx.Int("dropped", res.Dropped), logx.Int("remaining", d.q.Len()))
	}
	return res
}
