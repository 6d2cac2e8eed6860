package session

import "time"

// State is the connection state of the single chat session.
type State int

const (
	Uninitialized State = iota
	AwaitingChallenge
	Connected
	Reconnecting
	LoggedOut
	Failed
)

var stateNames = [...]string{
	Uninitialized:     "uninitialized",
	AwaitingChallenge: "awaiting_challenge",
	Connected:         "connected",
	Reconnecting:      "reconnecting",
	LoggedOut:         "logged_out",
	Failed:            "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal states are left only through an operator restart.
func (s State) Terminal() bool { return s == LoggedOut || s == Failed }

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{Uninitialized, AwaitingChallenge, Connected, Reconnecting, LoggedOut, Failed}
}

// StateNames returns the String form of AllStates.
func StateNames() []string {
	out := make([]string, 0, len(stateNames))
	for _, s := range AllStates() {
		out = append(out, s.String())
	}
	return out
}

var edges = map[State][]State{
	Uninitialized:     {AwaitingChallenge, Connected, Reconnecting},
	AwaitingChallenge: {Connected, Reconnecting, LoggedOut},
	Connected:         {Reconnecting, LoggedOut},
	Reconnecting:      {Connected, AwaitingChallenge, LoggedOut, Failed},
}

// CanTransition reports whether from -> to is a legal edge. Any state may
// return to Uninitialized (operator restart).
func CanTransition(from, to State) bool {
	if to == Uninitialized {
		return true
	}
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange is published on the event bus for every transition.
type StateChange struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State            State     `json:"-"`
	StateName        string    `json:"state"`
	RetryCount       int       `json:"retryCount"`
	ConnectedAt      time.Time `json:"connectedAt,omitempty"`
	Since            time.Time `json:"since"`
	LastError        string    `json:"lastError,omitempty"`
	ChallengePending bool      `json:"challengePending"`
}
