// Package schedule runs named interval jobs on a robfig/cron scheduler.
//
// Jobs are wrapped with panic recovery and skip-if-still-running, so a slow
// cycle never overlaps the next one. Registering a name again replaces the
// previous entry, which is how interval changes are applied at runtime.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifygw/pkg/logx"
)

type entry struct {
	id    cron.EntryID
	every time.Duration
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context

	entries map[string]entry
	started bool
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "schedule"))
	cl := cronLogger{log: log}
	return &Service{
		log:    log,
		parser: cron.NewParser(cron.Descriptor),
		c: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		), cron.WithLogger(cl)),
		ctx:     context.Background(),
		entries: map[string]entry{},
	}
}

// Start runs the scheduler. Jobs receive ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	if ctx != nil {
		s.ctx = ctx
	}
	s.started = true
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.entries)))
}

// Stop halts the scheduler and waits for running jobs (bounded by ctx).
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	done := s.c.Stop().Done()
	s.mu.Unlock()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Every registers job to run at the given interval, replacing any previous
// job with the same name. Intervals below one second are rounded up by cron.
func (s *Service) Every(name string, every time.Duration, job func(ctx context.Context)) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule: job name is required")
	}
	if every <= 0 {
		return fmt.Errorf("schedule: %s: interval must be positive", name)
	}
	if job == nil {
		return fmt.Errorf("schedule: %s: job is nil", name)
	}
	sched, err := s.parser.Parse("@every " + every.String())
	if err != nil {
		return fmt.Errorf("schedule: %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[name]; ok {
		s.c.Remove(old.id)
	}
	id := s.c.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		job(ctx)
	}))
	s.entries[name] = entry{id: id, every: every}
	s.log.Debug("job scheduled", logx.String("job", name), logx.Duration("every", every))
	return nil
}

// Remove unregisters name. Removing an unknown name is a no-op.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[name]; ok {
		s.c.Remove(e.id)
		delete(s.entries, name)
		s.log.Debug("job removed", logx.String("job", name))
	}
}

// Interval returns the registered interval for name.
func (s *Service) Interval(name string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	return e.every, ok
}

// Next returns the next activation time of name (zero before Start).
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	return s.c.Entry(e.id).Next, true
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
