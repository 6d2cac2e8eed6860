// Package transport defines the narrow seam between the connection
// supervisor and whatever speaks to the chat network.
//
// A Transport opens Sessions. A Session reports what happens on the wire as a
// stream of Events (open, close, challenge, credential rotation) and accepts
// outbound text messages. Everything protocol specific stays behind this
// interface so a defective or replaced backend never leaks into the state
// machine.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Session methods after Close.
var ErrClosed = errors.New("transport: session closed")

type EventKind string

const (
	// EventOpen means the session is authenticated and can send.
	EventOpen EventKind = "open"
	// EventClose is always the last event of a session.
	EventClose EventKind = "close"
	// EventChallenge carries a fresh out-of-band authentication challenge.
	EventChallenge EventKind = "challenge"
	// EventCredentials carries rotated credential material to persist.
	EventCredentials EventKind = "credentials"
)

// CloseReason classifies why a session ended.
type CloseReason string

const (
	ReasonUnknown         CloseReason = "unknown"
	ReasonLoggedOut       CloseReason = "logged_out"
	ReasonConnectionLost  CloseReason = "connection_lost"
	ReasonTimedOut        CloseReason = "timed_out"
	ReasonRestartRequired CloseReason = "restart_required"
	ReasonReplaced        CloseReason = "replaced"
	ReasonBadSession      CloseReason = "bad_session"
)

// Terminal reports whether the remote side revoked the session. Terminal
// closes must not be retried automatically.
func (r CloseReason) Terminal() bool { return r == ReasonLoggedOut }

// Challenge is an out-of-band proof request. QR is the payload to encode as
// a scannable image; it may be empty when only pairing codes are offered.
type Challenge struct {
	QR string
}

type Event struct {
	Kind        EventKind
	Challenge   *Challenge
	Credentials []byte
	Reason      CloseReason
	Err         error
}

// ConnectOptions configures a new session.
type ConnectOptions struct {
	// Session names the logical session (one credential record per name).
	Session string
	// Credentials resumes a previous session when non-empty.
	Credentials []byte
}

type Transport interface {
	// Connect starts a session. A returned error means the backend could not
	// be reached at all; authentication outcomes arrive as Events.
	Connect(ctx context.Context, opts ConnectOptions) (Session, error)
}

type Session interface {
	// Events is closed after the EventClose event has been delivered, or
	// once Close returns.
	Events() <-chan Event
	// Send delivers body to recipient (normalized digits) and returns the
	// network's message id.
	Send(ctx context.Context, recipient, body string) (messageID string, err error)
	// RequestPairingCode asks the network for a numeric pairing code bound
	// to phone. Only meaningful while a challenge is outstanding.
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	Close() error
}
