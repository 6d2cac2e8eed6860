// Package loopback is an in-process transport for local development. Every
// session opens immediately and messages are logged instead of delivered.
//
// The Transport also exposes hooks (Drop, Challenge, FailSends) so the
// gateway can be exercised end to end without a real network.
package loopback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifygw/internal/transport"
	"notifygw/pkg/logx"
)

// Message is a delivered message as recorded by the loopback.
type Message struct {
	ID        string
	Recipient string
	Body      string
	At        time.Time
}

type Transport struct {
	log logx.Logger

	mu          sync.Mutex
	cur         *session
	connects    int
	sent        []Message
	sendErr     error
	connectErr  error
	requireAuth bool
	pairingCode string
}

type Option func(*Transport)

// WithChallenge makes sessions without credentials start with a QR challenge
// instead of opening immediately.
func WithChallenge() Option { return func(t *Transport) { t.requireAuth = true } }

func New(log logx.Logger, opts ...Option) *Transport {
	t := &Transport{log: log, pairingCode: "LOOP-0000"}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	s := &session{t: t, events: make(chan transport.Event, 8)}
	t.cur = s
	if t.requireAuth && len(opts.Credentials) == 0 {
		s.events <- transport.Event{Kind: transport.EventChallenge, Challenge: &transport.Challenge{QR: "loopback:" + uuid.NewString()}}
	} else {
		s.events <- transport.Event{Kind: transport.EventOpen}
	}
	t.log.Debug("loopback session opened", logx.String("session", opts.Session), logx.Int("connects", t.connects))
	return s, nil
}

// Connects reports how many times Connect has been called.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Sent returns a copy of every message delivered so far.
func (t *Transport) Sent() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.sent...)
}

// FailSends makes every subsequent Send return err (nil restores delivery).
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

// FailConnects makes every subsequent Connect return err.
func (t *Transport) FailConnects(err error) {
	t.mu.Lock()
	t.connectErr = err
	t.mu.Unlock()
}

// Authenticate completes an outstanding challenge: it rotates credentials and
// opens the current session.
func (t *Transport) Authenticate(creds []byte) bool {
	return t.inject(
		transport.Event{Kind: transport.EventCredentials, Credentials: creds},
		transport.Event{Kind: transport.EventOpen},
	)
}

// Challenge pushes a fresh QR challenge on the current session.
func (t *Transport) Challenge(qr string) bool {
	return t.inject(transport.Event{Kind: transport.EventChallenge, Challenge: &transport.Challenge{QR: qr}})
}

// Drop closes the current session with reason.
func (t *Transport) Drop(reason transport.CloseReason) bool {
	t.mu.Lock()
	s := t.cur
	t.cur = nil
	t.mu.Unlock()
	if s == nil {
		return false
	}
	return s.finish(transport.Event{Kind: transport.EventClose, Reason: reason})
}

func (t *Transport) inject(evs ...transport.Event) bool {
	t.mu.Lock()
	s := t.cur
	t.mu.Unlock()
	if s == nil {
		return false
	}
	for _, ev := range evs {
		if !s.push(ev) {
			return false
		}
	}
	return true
}

func (t *Transport) record(recipient, body string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return "", t.sendErr
	}
	m := Message{ID: uuid.NewString(), Recipient: recipient, Body: body, At: time.Now()}
	t.sent = append(t.sent, m)
	t.log.Info("loopback delivered message", logx.String("to", recipient), logx.String("message_id", m.ID))
	return m.ID, nil
}

type session struct {
	t *Transport

	mu     sync.Mutex
	closed bool
	events chan transport.Event
}

func (s *session) Events() <-chan transport.Event { return s.events }

func (s *session) push(ev transport.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *session) finish(ev transport.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	select {
	case s.events <- ev:
	default:
	}
	close(s.events)
	return true
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) Send(ctx context.Context, recipient, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.isClosed() {
		return "", transport.ErrClosed
	}
	return s.t.record(recipient, body)
}

func (s *session) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if s.isClosed() {
		return "", transport.ErrClosed
	}
	if phone == "" {
		return "", errors.New("loopback: phone is required")
	}
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.t.pairingCode, nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	s.t.mu.Lock()
	if s.t.cur == s {
		s.t.cur = nil
	}
	s.t.mu.Unlock()
	return nil
}
