package session

import "time"

const (
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 60 * time.Second
)

// Backoff computes reconnect delays: min(Base * 2^n, Cap). No jitter.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before attempt n (n = retries already made).
func (b Backoff) Delay(n int) time.Duration {
	base, ceil := b.Base, b.Cap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceil <= 0 {
		ceil = DefaultBackoffCap
	}
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		if d >= ceil {
			return ceil
		}
		d *= 2
	}
	return min(d, ceil)
}
