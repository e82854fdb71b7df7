package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newMsg(id, dest string, pr Priority, enqueuedAt time.Time) *Message {
	return &Message{
		ID:          id,
		Destination: dest,
		Payload:     []byte("hi"),
		Priority:    pr,
		EnqueuedAt:  enqueuedAt,
		ExpiresAt:   enqueuedAt.Add(24 * time.Hour),
	}
}

func TestQueue_PriorityOrderingThenFIFO(t *testing.T) {
	q := New(Config{})
	base := time.Now()

	require.NoError(t, q.Enqueue(newMsg("low1", "d", PriorityLow, base)))
	require.NoError(t, q.Enqueue(newMsg("crit1", "d", PriorityCritical, base.Add(time.Second))))
	require.NoError(t, q.Enqueue(newMsg("normal1", "d", PriorityNormal, base.Add(2*time.Second))))
	require.NoError(t, q.Enqueue(newMsg("crit2", "d", PriorityCritical, base.Add(3*time.Second))))

	batch := q.NextBatch(base.Add(time.Hour), 0)
	require.Len(t, batch, 4)
	require.Equal(t, "crit1", batch[0].ID)
	require.Equal(t, "crit2", batch[1].ID)
	require.Equal(t, "normal1", batch[2].ID)
	require.Equal(t, "low1", batch[3].ID)
}

func TestQueue_EvictsLowestPriorityOldestWhenFull(t *testing.T) {
	dropped := make([]*Message, 0)
	q := New(Config{MaxQueueSize: 2, OnDrop: func(m *Message, reason error) {
		dropped = append(dropped, m)
	}})
	base := time.Now()

	require.NoError(t, q.Enqueue(newMsg("a", "d", PriorityLow, base)))
	require.NoError(t, q.Enqueue(newMsg("b", "d", PriorityNormal, base.Add(time.Second)))) // full now
	require.NoError(t, q.Enqueue(newMsg("c", "d", PriorityHigh, base.Add(2*time.Second))))  // evicts "a"

	require.Len(t, dropped, 1)
	require.Equal(t, "a", dropped[0].ID)
	require.Equal(t, 2, q.Len())
}

func TestQueue_EnqueueReturnsErrQueueFullWhenCandidateIsWorst(t *testing.T) {
	q := New(Config{MaxQueueSize: 1})
	base := time.Now()

	require.NoError(t, q.Enqueue(newMsg("a", "d", PriorityHigh, base)))
	err := q.Enqueue(newMsg("b", "d", PriorityLow, base.Add(time.Second)))
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, 1, q.Len())
}

func TestQueue_ExpiredMessagesAreDroppedOnPop(t *testing.T) {
	dropped := make([]*Message, 0)
	q := New(Config{OnDrop: func(m *Message, reason error) { dropped = append(dropped, m) }})
	base := time.Now()

	m := newMsg("expired", "d", PriorityNormal, base)
	m.ExpiresAt = base.Add(time.Second)
	require.NoError(t, q.Enqueue(m))

	batch := q.NextBatch(base.Add(time.Hour), 0)
	require.Empty(t, batch)
	require.Len(t, dropped, 1)
	require.Equal(t, "expired", dropped[0].ID)
}

func TestQueue_RecordFailureReschedulesPerDestination(t *testing.T) {
	q := New(Config{RetryBase: 10 * time.Millisecond, RetryCap: time.Second})
	base := time.Now()

	m := newMsg("x", "dest", PriorityNormal, base)
	require.NoError(t, q.Enqueue(m))

	popped := q.NextBatch(base, 0)
	require.Len(t, popped, 1)

	err := q.RecordFailure(popped[0], base)
	require.NoError(t, err)

	require.False(t, q.ReadyForDestination("dest", base))
	require.True(t, q.ReadyForDestination("dest", base.Add(2*time.Second)))
}

func TestQueue_RecordSuccessClearsBackoff(t *testing.T) {
	q := New(Config{RetryBase: time.Minute, RetryCap: time.Hour})
	base := time.Now()
	q.nextAttempt["dest"] = base.Add(time.Hour)

	q.RecordSuccess("dest")
	require.True(t, q.ReadyForDestination("dest", base))
}

func TestQueue_CancelRemovesMessage(t *testing.T) {
	q := New(Config{})
	base := time.Now()
	require.NoError(t, q.Enqueue(newMsg("a", "d", PriorityNormal, base)))

	require.True(t, q.Cancel("a"))
	require.False(t, q.Cancel("a"))
	require.Equal(t, 0, q.Len())
}

func TestQueue_SnapshotRestoreRoundtrip(t *testing.T) {
	q := New(Config{})
	base := time.Now()
	require.NoError(t, q.Enqueue(newMsg("a", "d1", PriorityHigh, base)))
	require.NoError(t, q.Enqueue(newMsg("b", "d2", PriorityLow, base.Add(time.Second))))

	snap := q.Snapshot()
	require.Len(t, snap, 2)

	q2 := New(Config{})
	q2.Restore(snap)
	require.Equal(t, 2, q2.Len())

	batch := q2.NextBatch(base.Add(time.Hour), 0)
	require.Len(t, batch, 2)
	require.Equal(t, "a", batch[0].ID)
}
