// Package outbox holds messages that could not be delivered immediately and
// drains them once the session is usable again.
package outbox

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifygw/internal/metrics"
)

const DefaultCapacity = 500

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("outbound queue full")

// Message is a rendered notification waiting for delivery.
type Message struct {
	ID         string    `json:"id"`
	Recipient  string    `json:"recipient"`
	Body       string    `json:"-"`
	Kind       string    `json:"kind"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
}

// NewMessage returns a message with a fresh ID.
func NewMessage(recipient, body, kind string) Message {
	return Message{ID: uuid.NewString(), Recipient: recipient, Body: body, Kind: kind}
}

// Queue is a bounded FIFO. Messages popped for delivery stay counted against
// capacity until they are resolved with Done, Requeue or Return, so a failed
// message can always go back in.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    []Message
	inflight int
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity}
}

// Enqueue appends m at the back. It rejects the new message when full.
func (q *Queue) Enqueue(m Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items)+q.inflight >= q.capacity {
		metrics.MessagesRejected.Inc()
		return ErrQueueFull
	}
	q.items = append(q.items, m)
	q.gaugeLocked()
	return nil
}

// PopBatch removes up to n messages from the front and marks them in flight.
func (q *Queue) PopBatch(n int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	n = min(n, len(q.items))
	out := make([]Message, n)
	copy(out, q.items[:n])
	// Drop references so the backing array does not pin bodies.
	clear(q.items[:n])
	q.items = q.items[n:]
	q.inflight += n
	return out
}

// Requeue resolves an in-flight message by appending it at the back.
func (q *Queue) Requeue(m Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(1)
	q.items = append(q.items, m)
	q.gaugeLocked()
}

// Return puts unattempted in-flight messages back at the front, in order.
func (q *Queue) Return(ms []Message) {
	if len(ms) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(len(ms))
	items := make([]Message, 0, len(ms)+len(q.items))
	items = append(items, ms...)
	q.items = append(items, q.items...)
	q.gaugeLocked()
}

// Done resolves an in-flight message that left the queue for good.
func (q *Queue) Done(Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(1)
	q.gaugeLocked()
}

// Len counts queued and in-flight messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.inflight
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Queued   int `json:"queued"`
	InFlight int `json:"inFlight"`
	Capacity int `json:"capacity"`
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Queued: len(q.items), InFlight: q.inflight, Capacity: q.capacity}
}

// Snapshot copies the queued (not in-flight) messages in order.
func (q *Queue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.items...)
}

// SetCapacity changes the bound. Shrinking below the current length only
// blocks new messages until the queue drains below it.
func (q *Queue) SetCapacity(n int) {
	if n <= 0 {
		n = DefaultCapacity
	}
	q.mu.Lock()
	q.capacity = n
	q.mu.Unlock()
}

func (q *Queue) releaseLocked(n int) {
	q.inflight -= n
	if q.inflight < 0 {
		q.inflight = 0
	}
}

func (q *Queue) gaugeLocked() {
	metrics.QueueDepth.Set(float64(len(q.items) + q.inflight))
}
