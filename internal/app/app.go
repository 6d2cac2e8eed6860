// Package app wires the gateway components together and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notifygw/internal/challenge"
	"notifygw/internal/config"
	"notifygw/internal/credstore"
	"notifygw/internal/eventbus"
	"notifygw/internal/gateway"
	"notifygw/internal/operator/telegram"
	"notifygw/internal/outbox"
	rtsup "notifygw/internal/runtime/supervisor"
	"notifygw/internal/schedule"
	"notifygw/internal/session"
	"notifygw/internal/status"
	"notifygw/internal/transport"
	"notifygw/internal/transport/bridge"
	"notifygw/internal/transport/loopback"
	"notifygw/pkg/logx"
	"notifygw/pkg/systemd"
)

type Options struct {
	ConfigPath string
	// Env replaces the process environment lookup.
	Env config.LookupFunc
	// Transport overrides transport.driver.
	Transport transport.Transport
}

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    credstore.Store
	tr       transport.Transport
	pub      *challenge.Publisher
	sess     *session.Supervisor
	queue    *outbox.Queue
	drainer  *outbox.Drainer
	sched    *schedule.Service
	reporter *status.Reporter
	server   *gateway.Server
	sd       *systemd.Notifier

	addr string
	rt   *rtsup.Supervisor
}

func newManager(opts Options) *config.Manager {
	m := config.NewManager(opts.ConfigPath)
	if opts.Env != nil {
		m.SetEnv(opts.Env)
	}
	return m
}

func NewApp(opts Options) (a *App, err error) {
	cfgm := newManager(opts)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	var closers []func()
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	}()

	// Operator chat doubles as challenge mirror and log sink. Keep the
	// interfaces nil when it is not configured.
	var (
		sink   logx.OperatorSink
		mirror challenge.Mirror
	)
	if oc, ok := mapOperator(cfg); ok {
		op, err := telegram.New(oc, logx.NewConsole(cfg.Logging.Level))
		if err != nil {
			return nil, fmt.Errorf("operator: %w", err)
		}
		sink, mirror = op, op
	}

	logSvc, log := logx.New(mapLogging(cfg), sink)
	closers = append(closers, func() { _ = logSvc.Close() })
	root := log
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	cc, err := mapCredentials(cfg)
	if err != nil {
		return nil, err
	}
	store, err := credstore.Open(cc, root)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	closers = append(closers, func() { _ = store.Close() })

	tr := opts.Transport
	if tr == nil {
		if tr, err = openTransport(cfg, root); err != nil {
			return nil, err
		}
	}

	chc, err := mapChallenge(cfg)
	if err != nil {
		return nil, err
	}
	pub, err := challenge.New(chc, bus, mirror, root)
	if err != nil {
		return nil, fmt.Errorf("challenge: %w", err)
	}

	sc, err := mapSession(cfg)
	if err != nil {
		return nil, err
	}
	sess := session.New(sc, tr, store, pub, bus, root)

	queue := outbox.NewQueue(cfg.Queue.Capacity)
	sched := schedule.New(root)
	dc, err := mapDrainer(cfg)
	if err != nil {
		return nil, err
	}
	drainer := outbox.NewDrainer(dc, queue, sess, sched, bus, root)

	sd := systemd.New(root)
	stc, err := mapStatus(cfg)
	if err != nil {
		return nil, err
	}
	reporter := status.New(stc, sess, queue, drainer, sd, sched, bus, root)

	gc, err := mapGateway(cfg)
	if err != nil {
		return nil, err
	}
	h := gateway.NewHandler(gc, sess, queue, pub, mapNormalizer(cfg), root)
	server := gateway.NewServer(gateway.Router(h, gateway.RouterOptions{Pprof: cfg.HTTP.Pprof}), root)

	log.Info("gateway configured",
		logx.String("session", sc.Name),
		logx.String("transport", transportName(cfg, opts)),
		logx.String("credentials", cc.Driver),
		logx.Bool("credentials_sealed", cc.Passphrase != ""),
		logx.Bool("operator", sink != nil),
		logx.Int("queue_capacity", cfg.Queue.Capacity),
	)

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		tr:       tr,
		pub:      pub,
		sess:     sess,
		queue:    queue,
		drainer:  drainer,
		sched:    sched,
		reporter: reporter,
		server:   server,
		sd:       sd,
		addr:     mapAddr(cfg),
	}, nil
}

func transportName(cfg *config.Config, opts Options) string {
	if opts.Transport != nil {
		return fmt.Sprintf("%T", opts.Transport)
	}
	return strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))
}

func openTransport(cfg *config.Config, log logx.Logger) (transport.Transport, error) {
	log = log.With(logx.String("comp", "transport"))
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "bridge":
		bc, err := mapBridge(cfg)
		if err != nil {
			return nil, err
		}
		tr, err := bridge.New(bc, log)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		return tr, nil
	case "loopback":
		var opts []loopback.Option
		if cfg.Transport.Challenge {
			opts = append(opts, loopback.WithChallenge())
		}
		log.Warn("loopback transport in use; messages are not delivered")
		return loopback.New(log, opts...), nil
	case "":
		// loopback acknowledges every send, so it is never the default.
		return nil, errors.New("transport.driver is required (bridge, or loopback for local testing); set BRIDGE_URL or transport.driver")
	default:
		return nil, fmt.Errorf("unknown transport.driver: %s", cfg.Transport.Driver)
	}
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.rt == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.rt.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.rt == nil {
		return nil
	}
	return a.rt.Err()
}

// Addr is the bound HTTP address once started.
func (a *App) Addr() string { return a.server.Addr() }

// Restart drops the session and reconnects from stored credentials.
func (a *App) Restart() {
	a.log.Info("session restart requested")
	a.sess.Restart()
}

func (a *App) Start(ctx context.Context) error {
	a.rt = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.rt.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateLive)

	a.sched.Start(c)
	if err := a.drainer.Start(c); err != nil {
		return err
	}
	if err := a.reporter.Start(c); err != nil {
		return err
	}
	a.followSession()
	if err := a.sess.Start(c); err != nil {
		return err
	}

	if err := a.server.Start(a.addr); err != nil {
		return fmt.Errorf("http listen %s: %w", a.addr, err)
	}
	serveErr := a.server.Err()
	a.rt.Go("http.serve", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case err, ok := <-serveErr:
			if ok && err != nil {
				return err
			}
			return nil
		}
	})

	a.watchConfig()
	a.rt.Go0("systemd.watchdog", a.sd.Watchdog)
	a.sd.Ready()

	a.log.Info("gateway started", logx.String("addr", a.Addr()))
	return nil
}

// followSession reacts to state changes that need attention outside the
// supervisor: a drain right after (re)connecting and an operator alert on
// terminal states.
func (a *App) followSession() {
	events, unsub := a.bus.Subscribe(32, eventbus.TypeSessionState)
	a.rt.Go0("session.follow", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				ch, ok := ev.Data.(session.StateChange)
				if !ok {
					continue
				}
				switch ch.To {
				case session.Connected:
					a.drainer.Kick()
				case session.LoggedOut:
					a.log.Error("session logged out; re-authenticate via /qr.png or /pairing-code, then POST /api/restart",
						logx.Int("queue_size", a.queue.Len()))
				case session.Failed:
					a.log.Error("session failed after retry ceiling; POST /api/restart to try again",
						logx.String("last_error", a.sess.Snapshot().LastError))
				}
			}
		}
	})
}

func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.rt.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.rt.Go("config.watch", a.cfgm.Watch)
}

// validateLive rejects a reload whose live sections cannot be mapped.
func validateLive(_ context.Context, cfg *config.Config) error {
	if _, err := mapDrainer(cfg); err != nil {
		return err
	}
	if _, err := mapStatus(cfg); err != nil {
		return err
	}
	if cfg.Queue.Capacity < 0 {
		return errors.New("queue.capacity must not be negative")
	}
	return nil
}

// applyConfig applies the live sections of a reloaded config.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogging(next))
	a.queue.SetCapacity(next.Queue.Capacity)
	if dc, err := mapDrainer(next); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.drainer.Apply(dc)
	}
	if sc, err := mapStatus(next); err != nil {
		a.log.Warn("invalid status config; keeping previous", logx.Err(err))
	} else {
		a.reporter.Apply(sc)
	}

	var pending []string
	for _, s := range sections {
		if !config.Live[s] {
			pending = append(pending, s)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(pending, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.rt == nil {
		// Never started.
		_ = a.pub.Close(ctx)
		_ = a.store.Close()
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.rt.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		start := time.Now()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 5*time.Second, a.server.Stop)
	step("status", time.Second, a.reporter.Stop)
	step("outbox", 2*time.Second, a.drainer.Stop)
	step("scheduler", 2*time.Second, a.sched.Stop)
	step("session", 5*time.Second, a.sess.Stop)
	step("challenge", time.Second, a.pub.Close)
	step("credentials", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.rt.Wait)

	if n := a.queue.Len(); n > 0 {
		a.log.Warn("undelivered messages discarded at shutdown", logx.Int("count", n))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// OpenCredentials opens only the credential store named by the config, for
// offline maintenance. It returns the store and the session record name.
func OpenCredentials(opts Options) (credstore.Store, string, error) {
	cfg, err := newManager(opts).Load()
	if err != nil {
		return nil, "", err
	}
	cc, err := mapCredentials(cfg)
	if err != nil {
		return nil, "", err
	}
	store, err := credstore.Open(cc, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return nil, "", err
	}
	name := strings.TrimSpace(cfg.Session.Name)
	if name == "" {
		name = session.DefaultName
	}
	return store, name, nil
}
