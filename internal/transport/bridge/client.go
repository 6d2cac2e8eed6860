// Package bridge implements transport.Transport against a session bridge
// sidecar that speaks JSON over HTTP.
package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifygw/internal/transport"
	"notifygw/pkg/logx"
)

const (
	defaultPollWait = 25 * time.Second
	maxErrorBody    = 512
)

type Config struct {
	BaseURL string
	Token   string
	// PollWait is the long-poll window requested from the bridge.
	PollWait time.Duration
	// HTTPClient overrides the default client. Its Timeout must exceed PollWait.
	HTTPClient *http.Client
}

type Transport struct {
	base   string
	token  string
	wait   time.Duration
	client *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Transport, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("bridge: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("bridge: parse base url: %w", err)
	}
	wait := cfg.PollWait
	if wait <= 0 {
		wait = defaultPollWait
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: wait + 10*time.Second}
	}
	return &Transport{base: base, token: cfg.Token, wait: wait, client: hc, log: log}, nil
}

type createRequest struct {
	Session     string `json:"session"`
	Credentials string `json:"credentials,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

type wireEvent struct {
	Type        string `json:"type"`
	QR          string `json:"qr,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
	Credentials string `json:"credentials,omitempty"`
}

type eventsResponse struct {
	Cursor int64       `json:"cursor"`
	Events []wireEvent `json:"events"`
}

type pairingRequest struct {
	Phone string `json:"phone"`
}

type pairingResponse struct {
	Code string `json:"code"`
}

type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

func (t *Transport) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Session, error) {
	req := createRequest{Session: opts.Session}
	if len(opts.Credentials) > 0 {
		req.Credentials = base64.StdEncoding.EncodeToString(opts.Credentials)
	}
	var resp createResponse
	if err := t.do(ctx, http.MethodPost, "/v1/sessions", req, nil, &resp); err != nil {
		return nil, fmt.Errorf("bridge: create session: %w", err)
	}
	if resp.ID == "" {
		return nil, errors.New("bridge: create session: missing id in response")
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		t:      t,
		id:     resp.ID,
		events: make(chan transport.Event, 16),
		cancel: cancel,
		done:   make(chan struct{}),
		log:    t.log.With(logx.String("bridge_session", resp.ID)),
	}
	go s.poll(pollCtx)
	return s, nil
}

func (t *Transport) do(ctx context.Context, method, path string, in any, hdr http.Header, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError is returned for non-2xx bridge responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d body=%q", e.Code, e.Body)
}

type session struct {
	t   *Transport
	id  string
	log logx.Logger

	events chan transport.Event
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

func (s *session) Events() <-chan transport.Event { return s.events }

func (s *session) path(suffix string) string {
	return "/v1/sessions/" + url.PathEscape(s.id) + suffix
}

func (s *session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) Send(ctx context.Context, recipient, body string) (string, error) {
	if s.isClosed() {
		return "", transport.ErrClosed
	}
	hdr := http.Header{}
	hdr.Set("Idempotency-Key", uuid.NewString())
	var resp sendResponse
	if err := s.t.do(ctx, http.MethodPost, s.path("/messages"), sendRequest{To: recipient, Body: body}, hdr, &resp); err != nil {
		return "", fmt.Errorf("bridge: send: %w", err)
	}
	if resp.MessageID == "" {
		return "", errors.New("bridge: send: missing messageId in response")
	}
	return resp.MessageID, nil
}

func (s *session) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	if s.isClosed() {
		return "", transport.ErrClosed
	}
	var resp pairingResponse
	if err := s.t.do(ctx, http.MethodPost, s.path("/pairing-code"), pairingRequest{Phone: phone}, nil, &resp); err != nil {
		return "", fmt.Errorf("bridge: pairing code: %w", err)
	}
	if resp.Code == "" {
		return "", errors.New("bridge: pairing code: empty code in response")
	}
	return resp.Code, nil
}

// Close stops polling and deletes the remote session. It waits for the poll
// goroutine so Events is closed when Close returns.
func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = s.t.do(ctx, http.MethodDelete, s.path(""), nil, nil, nil)
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("bridge: delete session: %w", err)
		}
	})
	return err
}

func (s *session) poll(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	var cursor int64
	wait := s.t.wait.String()
	for {
		q := url.Values{}
		q.Set("cursor", strconv.FormatInt(cursor, 10))
		q.Set("wait", wait)

		var resp eventsResponse
		err := s.t.do(ctx, http.MethodGet, s.path("/events?"+q.Encode()), nil, nil, &resp)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			reason := transport.ReasonConnectionLost
			var se *StatusError
			if errors.As(err, &se) && se.Code == http.StatusNotFound {
				reason = transport.ReasonBadSession
			}
			s.log.Warn("event poll failed", logx.Err(err))
			s.emit(ctx, transport.Event{Kind: transport.EventClose, Reason: reason, Err: err})
			return
		}
		cursor = resp.Cursor

		for _, we := range resp.Events {
			ev, ok := s.translate(we)
			if !ok {
				continue
			}
			if !s.emit(ctx, ev) {
				return
			}
			if ev.Kind == transport.EventClose {
				return
			}
		}
	}
}

func (s *session) emit(ctx context.Context, ev transport.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *session) translate(we wireEvent) (transport.Event, bool) {
	switch transport.EventKind(we.Type) {
	case transport.EventOpen:
		return transport.Event{Kind: transport.EventOpen}, true
	case transport.EventChallenge:
		return transport.Event{Kind: transport.EventChallenge, Challenge: &transport.Challenge{QR: we.QR}}, true
	case transport.EventCredentials:
		b, err := base64.StdEncoding.DecodeString(we.Credentials)
		if err != nil || len(b) == 0 {
			s.log.Warn("ignoring malformed credentials event", logx.Err(err))
			return transport.Event{}, false
		}
		return transport.Event{Kind: transport.EventCredentials, Credentials: b}, true
	case transport.EventClose:
		ev := transport.Event{Kind: transport.EventClose, Reason: parseReason(we.Reason)}
		if we.Error != "" {
			ev.Err = errors.New(we.Error)
		}
		return ev, true
	default:
		s.log.Debug("ignoring unknown bridge event", logx.String("type", we.Type))
		return transport.Event{}, false
	}
}

func parseReason(s string) transport.CloseReason {
	switch r := transport.CloseReason(strings.ToLower(strings.TrimSpace(s))); r {
	case transport.ReasonLoggedOut, transport.ReasonConnectionLost, transport.ReasonTimedOut,
		transport.ReasonRestartRequired, transport.ReasonReplaced, transport.ReasonBadSession:
		return r
	default:
		return transport.ReasonUnknown
	}
}
