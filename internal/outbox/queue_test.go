package outbox

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func fill(t *testing.T, q *Queue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(NewMessage(fmt.Sprint(i), "body", "test")))
	}
}

func recipients(ms []Message) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Recipient)
	}
	return out
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()
	q := NewQueue(10)
	fill(t, q, 5)

	require.Equal(t, []string{"0", "1"}, recipients(q.PopBatch(2)))
	require.Equal(t, []string{"2", "3", "4"}, recipients(q.PopBatch(10)))
	require.Nil(t, q.PopBatch(1))
	require.Equal(t, 5, q.Len(), "in-flight messages still count")
}

func TestQueueBoundRejectsNewest(t *testing.T) {
	t.Parallel()
	q := NewQueue(3)
	fill(t, q, 3)
	require.ErrorIs(t, q.Enqueue(NewMessage("late", "b", "test")), ErrQueueFull)
	require.Equal(t, []string{"0", "1", "2"}, recipients(q.Snapshot()))

	// In-flight messages hold their slot.
	batch := q.PopBatch(1)
	require.ErrorIs(t, q.Enqueue(NewMessage("late", "b", "test")), ErrQueueFull)

	q.Requeue(batch[0])
	require.Equal(t, []string{"1", "2", "0"}, recipients(q.Snapshot()))
	require.Equal(t, 3, q.Len())

	batch = q.PopBatch(1)
	q.Done(batch[0])
	require.NoError(t, q.Enqueue(NewMessage("late", "b", "test")))
	require.Equal(t, Stats{Queued: 3, InFlight: 0, Capacity: 3}, q.Stats())
}

func TestQueueReturnRestoresFront(t *testing.T) {
	t.Parallel()
	q := NewQueue(10)
	fill(t, q, 4)
	batch := q.PopBatch(3)
	q.Done(batch[0])
	q.Return(batch[1:])
	require.Equal(t, []string{"1", "2", "3"}, recipients(q.Snapshot()))
	require.Equal(t, Stats{Queued: 3, Capacity: 10}, q.Stats())
}

func TestQueueEnqueueFillsDefaults(t *testing.T) {
	t.Parallel()
	q := NewQueue(0)
	require.NoError(t, q.Enqueue(Message{Recipient: "x"}))
	m := q.Snapshot()[0]
	require.NotEmpty(t, m.ID)
	require.False(t, m.EnqueuedAt.IsZero())
	require.Equal(t, DefaultCapacity, q.Stats().Capacity)

	q.SetCapacity(1)
	require.ErrorIs(t, q.Enqueue(Message{Recipient: "y"}), ErrQueueFull)
}
