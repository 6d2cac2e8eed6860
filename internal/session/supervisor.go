// Package session owns the single authenticated chat session.
//
// Supervisor runs one goroutine that is the sole owner of the transport
// session. Transport events are translated into state-machine inputs and fed
// through transition, which rejects edges that are not legal. Reconnects use
// exponential backoff with a hard retry ceiling.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notifygw/internal/credstore"
	"notifygw/internal/eventbus"
	"notifygw/internal/metrics"
	rtsup "notifygw/internal/runtime/supervisor"
	"notifygw/internal/transport"
	"notifygw/pkg/logx"
)

// ErrNotConnected is returned by Send when the session is not usable.
var ErrNotConnected = errors.New("session not connected")

var errRestart = errors.New("operator restart")

const (
	DefaultName           = "default"
	DefaultRetryMax       = 5
	DefaultSendTimeout    = 60 * time.Second
	DefaultConnectTimeout = 30 * time.Second
	credentialsTimeout    = 10 * time.Second
)

// Challenges receives authentication challenges while the session is
// waiting for the operator.
type Challenges interface {
	PublishVisualChallenge(payload string) (string, error)
	PublishPairingCode(code string) error
	Clear()
	Pending() bool
}

type Config struct {
	// Name keys the stored credential record.
	Name string
	// BotPhone enables pairing-code challenges when non-empty.
	BotPhone       string
	RetryMax       int
	Backoff        Backoff
	SendTimeout    time.Duration
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

type Supervisor struct {
	cfg   Config
	tr    transport.Transport
	creds credstore.Store
	pub   Challenges
	bus   eventbus.Bus
	log   logx.Logger

	restartCh chan struct{}

	// blob is the last known credential record. Owned by the run goroutine.
	blob []byte

	mu          sync.RWMutex
	state       State
	since       time.Time
	retries     int
	connectedAt time.Time
	lastErr     string
	sess        transport.Session

	// sendMu serializes writes to the transport session.
	sendMu sync.Mutex

	rtMu sync.Mutex
	rt   *rtsup.Supervisor
}

func New(cfg Config, tr transport.Transport, creds credstore.Store, pub Challenges, bus eventbus.Bus, log logx.Logger) *Supervisor {
	if pub == nil {
		pub = noopChallenges{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{
		cfg:       cfg.withDefaults(),
		tr:        tr,
		creds:     creds,
		pub:       pub,
		bus:       bus,
		log:       log.With(logx.String("comp", "session")),
		restartCh: make(chan struct{}, 1),
		state:     Uninitialized,
		since:     time.Now(),
	}
}

// Start launches the run goroutine. It fails if already started.
func (s *Supervisor) Start(ctx context.Context) error {
	s.rtMu.Lock()
	defer s.rtMu.Unlock()
	if s.rt != nil {
		return errors.New("session supervisor already started")
	}
	s.rt = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.rt.GoRestart("session.run", s.run, rtsup.WithRestartBackoff(s.cfg.Backoff.Base, s.cfg.Backoff.Cap))
	return nil
}

// Stop cancels the run goroutine and waits for it (bounded by ctx).
func (s *Supervisor) Stop(ctx context.Context) error {
	s.rtMu.Lock()
	rt := s.rt
	s.rtMu.Unlock()
	if rt == nil {
		return nil
	}
	return rt.Stop(ctx)
}

// Restart tears down the current session, returns to Uninitialized and
// reconnects. It is accepted in every state, terminal ones included.
func (s *Supervisor) Restart() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsUsable reports whether Send can be attempted.
func (s *Supervisor) IsUsable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == Connected && s.sess != nil
}

func (s *Supervisor) Snapshot() Status {
	s.mu.RLock()
	st := Status{
		State:       s.state,
		StateName:   s.state.String(),
		RetryCount:  s.retries,
		ConnectedAt: s.connectedAt,
		Since:       s.since,
		LastError:   s.lastErr,
	}
	s.mu.RUnlock()
	st.ChallengePending = s.pub.Pending()
	return st
}

// Send delivers one message through the live session. It never retries.
func (s *Supervisor) Send(ctx context.Context, recipient, body string) (string, error) {
	s.mu.RLock()
	state, sess := s.state, s.sess
	s.mu.RUnlock()
	if state != Connected || sess == nil {
		return "", ErrNotConnected
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	id, err := sess.Send(ctx, recipient, body)
	if errors.Is(err, transport.ErrClosed) {
		return "", ErrNotConnected
	}
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", recipient, err)
	}
	return id, nil
}

func (s *Supervisor) run(ctx context.Context) error {
	if !s.resume(ctx) {
		return nil
	}
	s.blob = s.loadCredentials(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		reason, err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errRestart) {
			s.restart(ctx)
			continue
		}
		delay, retry := s.afterClose(ctx, reason, err)
		if !s.wait(ctx, delay, retry) {
			return nil
		}
	}
}

// resume prepares a (re)entry into run. After a panic the session may have
// been left mid-flight: a live state falls back to Reconnecting, and a
// terminal state keeps waiting for the operator. It returns false when ctx
// is done.
func (s *Supervisor) resume(ctx context.Context) bool {
	switch cur := s.State(); {
	case cur == Connected || cur == AwaitingChallenge:
		s.transition(Reconnecting, "session loop restarted")
	case cur.Terminal():
		return s.wait(ctx, 0, false)
	}
	return true
}

// connectOnce opens a session and pumps its events until it closes.
func (s *Supervisor) connectOnce(ctx context.Context) (transport.CloseReason, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	sess, err := s.tr.Connect(cctx, transport.ConnectOptions{Session: s.cfg.Name, Credentials: s.blob})
	cancel()
	if err != nil {
		return transport.ReasonConnectionLost, err
	}

	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sess = nil
		s.mu.Unlock()
		if err := sess.Close(); err != nil {
			s.log.Debug("session close failed", logx.Err(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return transport.ReasonUnknown, ctx.Err()
		case <-s.restartCh:
			return transport.ReasonUnknown, errRestart
		case ev, ok := <-sess.Events():
			if !ok {
				return transport.ReasonConnectionLost, errors.New("event stream ended")
			}
			switch ev.Kind {
			case transport.EventOpen:
				s.transition(Connected, "session opened")
			case transport.EventChallenge:
				s.onChallenge(ctx, sess, ev.Challenge)
			case transport.EventCredentials:
				s.persist(ctx, ev.Credentials)
			case transport.EventClose:
				return ev.Reason, ev.Err
			}
		}
	}
}

// afterClose classifies a finished session. retry=false means the state is
// terminal and only a restart continues.
func (s *Supervisor) afterClose(ctx context.Context, reason transport.CloseReason, err error) (delay time.Duration, retry bool) {
	s.setLastError(reason, err)
	cur := s.State()
	s.log.Warn("session closed", logx.String("state", cur.String()), logx.String("reason", string(reason)), logx.Err(err))

	if reason.Terminal() {
		hadCreds := len(s.blob) > 0
		s.forgetCredentials(ctx)
		if cur == Uninitialized {
			if hadCreds {
				// Stored credentials were rejected: start a fresh login.
				return 0, true
			}
		} else {
			s.transition(LoggedOut, string(reason))
			return 0, false
		}
	}

	if cur != Reconnecting {
		s.transition(Reconnecting, string(reason))
	}

	s.mu.Lock()
	n := s.retries
	if n >= s.cfg.RetryMax {
		s.mu.Unlock()
		s.transition(Failed, fmt.Sprintf("gave up after %d retries", n))
		return 0, false
	}
	s.retries++
	s.mu.Unlock()
	metrics.SessionRetries.Set(float64(n + 1))

	delay = s.cfg.Backoff.Delay(n)
	s.log.Info("reconnect scheduled", logx.Int("attempt", n+1), logx.Duration("delay", delay))
	return delay, true
}

// wait blocks for the backoff delay, or indefinitely when retry is false. A
// restart interrupts either wait. It returns false when ctx is done.
func (s *Supervisor) wait(ctx context.Context, delay time.Duration, retry bool) bool {
	var timer <-chan time.Time
	if retry {
		if delay <= 0 {
			return true
		}
		t := time.NewTimer(delay)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.restartCh:
		s.restart(ctx)
		return true
	case <-timer:
		return true
	}
}

func (s *Supervisor) restart(ctx context.Context) {
	s.log.Info("operator restart")
	s.mu.Lock()
	s.retries = 0
	s.mu.Unlock()
	s.transition(Uninitialized, "operator restart")
	s.blob = s.loadCredentials(ctx)
}

func (s *Supervisor) onChallenge(ctx context.Context, sess transport.Session, ch *transport.Challenge) {
	cur := s.State()
	if cur == Connected || cur.Terminal() {
		s.log.Warn("ignoring challenge", logx.String("state", cur.String()))
		return
	}
	entering := cur != AwaitingChallenge
	if entering && !s.transition(AwaitingChallenge, "challenge issued") {
		return
	}

	if ch != nil && ch.QR != "" {
		if path, err := s.pub.PublishVisualChallenge(ch.QR); err != nil {
			s.log.Warn("publish visual challenge failed", logx.Err(err))
		} else {
			metrics.ChallengesPublished.WithLabelValues("qr").Inc()
			s.log.Info("visual challenge published", logx.String("path", path))
		}
	}

	if !entering || s.cfg.BotPhone == "" {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	s.sendMu.Lock()
	code, err := sess.RequestPairingCode(pctx, s.cfg.BotPhone)
	s.sendMu.Unlock()
	if err != nil {
		s.log.Warn("pairing code request failed", logx.Err(err))
		return
	}
	if err := s.pub.PublishPairingCode(code); err != nil {
		s.log.Warn("publish pairing code failed", logx.Err(err))
		return
	}
	metrics.ChallengesPublished.WithLabelValues("pairing_code").Inc()
	s.log.Info("pairing code published")
}

// transition moves to the target state if the edge is legal.
func (s *Supervisor) transition(to State, reason string) bool {
	now := time.Now()
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return true
	}
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.log.Warn("illegal transition rejected", logx.String("from", from.String()), logx.String("to", to.String()), logx.String("reason", reason))
		return false
	}
	s.state = to
	s.since = now
	switch to {
	case Connected:
		s.retries = 0
		s.connectedAt = now
		s.lastErr = ""
	case Uninitialized:
		s.retries = 0
	}
	retries := s.retries
	s.mu.Unlock()

	if from == AwaitingChallenge {
		s.pub.Clear()
	}
	metrics.SetState(to.String(), StateNames())
	metrics.SessionRetries.Set(float64(retries))
	s.log.Info("session state changed", logx.String("from", from.String()), logx.String("to", to.String()), logx.String("reason", reason))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeSessionState,
			Time: now,
			Data: StateChange{From: from, To: to, Reason: reason, At: now},
		})
	}
	return true
}

func (s *Supervisor) setLastError(reason transport.CloseReason, err error) {
	msg := string(reason)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", reason, err)
	}
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

func (s *Supervisor) loadCredentials(ctx context.Context) []byte {
	if s.creds == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, credentialsTimeout)
	defer cancel()
	b, err := s.creds.Load(ctx, s.cfg.Name)
	if errors.Is(err, credstore.ErrNotFound) {
		s.log.Info("no stored credentials; a challenge will be required")
		return nil
	}
	if err != nil {
		s.log.Warn("load credentials failed", logx.Err(err))
		return nil
	}
	s.log.Info("stored credentials loaded", logx.Int("bytes", len(b)))
	return b
}

func (s *Supervisor) persist(ctx context.Context, blob []byte) {
	s.blob = append([]byte(nil), blob...)
	if s.creds == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, credentialsTimeout)
	defer cancel()
	if err := s.creds.Save(ctx, s.cfg.Name, blob); err != nil {
		s.log.Error("save credentials failed", logx.Err(err))
		return
	}
	s.log.Debug("credentials persisted", logx.Int("bytes", len(blob)))
}

func (s *Supervisor) forgetCredentials(ctx context.Context) {
	s.blob = nil
	if s.creds == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, credentialsTimeout)
	defer cancel()
	if err := s.creds.Delete(ctx, s.cfg.Name); err != nil {
		s.log.Error("delete credentials failed", logx.Err(err))
		return
	}
	s.log.Info("stored credentials deleted")
}

type noopChallenges struct{}

func (noopChallenges) PublishVisualChallenge(string) (string, error) { return "", nil }
func (noopChallenges) PublishPairingCode(string) error               { return nil }
func (noopChallenges) Clear()                                        {}
func (noopChallenges) Pending() bool                                 { return false }
