package replication_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvisthall/eventsource/replication"
)

func TestMemoryQueueFIFO(t *testing.T) {
	q := replication.NewMemoryQueue()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(replication.Update{ID: fmt.Sprintf("update-%d", i)}))
	}

	for i := 0; i < 3; i++ {
		u, ok, err := q.Dequeue()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("update-%d", i), u.ID)
		require.NoError(t, q.Ack(u.ID))
	}

	_, ok, err := q.Dequeue()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryQueueLenCountsPendingOnly(t *testing.T) {
	q := replication.NewMemoryQueue()
	require.NoError(t, q.Enqueue(replication.Update{ID: "update-1"}))
	require.NoError(t, q.Enqueue(replication.Update{ID: "update-2"}))

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	u, ok, err := q.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)

	// sent but not yet acked updates are not pending
	n, err = q.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, q.Nack(u.ID))
	n, err = q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryQueueNackRestoresOrder(t *testing.T) {
	q := replication.NewMemoryQueue()
	for _, id := range []string{"update-1", "update-2", "update-3"} {
		require.NoError(t, q.Enqueue(replication.Update{ID: id}))
	}

	first, _, err := q.Dequeue()
	require.NoError(t, err)
	second, _, err := q.Dequeue()
	require.NoError(t, err)

	// nacked out of order, redelivery must still follow enqueue order
	require.NoError(t, q.Nack(second.ID))
	require.NoError(t, q.Nack(first.ID))

	var ids []string
	for {
		u, ok, err := q.Dequeue()
		require.NoError(t, err)
		if !ok {
			break
		}
		ids = append(ids, u.ID)
		require.NoError(t, q.Ack(u.ID))
	}
	assert.Equal(t, []string{"update-1", "update-2", "update-3"}, ids)
}

func TestMemoryQueueAckIsIdempotent(t *testing.T) {
	q := replication.NewMemoryQueue()
	require.NoError(t, q.Ack("never-dequeued"))

	require.NoError(t, q.Enqueue(replication.Update{ID: "update-1"}))
	u, _, err := q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, q.Ack(u.ID))
	require.NoError(t, q.Ack(u.ID))

	// an acked update cannot be nacked back into the queue
	require.NoError(t, q.Nack(u.ID))
	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
