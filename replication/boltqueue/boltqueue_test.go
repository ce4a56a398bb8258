package boltqueue_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvisthall/eventsource/replication"
	"github.com/kvisthall/eventsource/replication/boltqueue"
)

func openQueue(t *testing.T, path string) *boltqueue.Queue {
	t.Helper()
	q, err := boltqueue.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		q.Close()
	})
	return q
}

func TestQueueFIFO(t *testing.T) {
	q := openQueue(t, filepath.Join(t.TempDir(), "queue.db"))

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(replication.Update{
			ID:  fmt.Sprintf("update-%d", i),
			Key: "device-1",
		}))
	}

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

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

func TestRoundTripKeepsUpdateIntact(t *testing.T) {
	q := openQueue(t, filepath.Join(t.TempDir(), "queue.db"))

	node := replication.NewNodeWithQueue("node-a", q)
	published, err := node.PublishUpdate(testEntity{ID: "device-1", Firmware: "1.2.0", Rev: 3})
	require.NoError(t, err)

	got, ok := node.PollUpdate()
	require.True(t, ok)
	assert.Equal(t, published.ID, got.ID)
	assert.Equal(t, published.Key, got.Key)
	assert.Equal(t, published.Payload, got.Payload)
	assert.Equal(t, published.EntityVersion, got.EntityVersion)
	assert.True(t, published.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, published.SourceNode, got.SourceNode)
	assert.Equal(t, published.Type, got.Type)
}

func TestNackRestoresOrder(t *testing.T) {
	q := openQueue(t, filepath.Join(t.TempDir(), "queue.db"))

	for _, id := range []string{"update-1", "update-2", "update-3"} {
		require.NoError(t, q.Enqueue(replication.Update{ID: id}))
	}

	first, _, err := q.Dequeue()
	require.NoError(t, err)
	second, _, err := q.Dequeue()
	require.NoError(t, err)

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

func TestAckIsIdempotent(t *testing.T) {
	q := openQueue(t, filepath.Join(t.TempDir(), "queue.db"))

	require.NoError(t, q.Ack("never-seen"))

	require.NoError(t, q.Enqueue(replication.Update{ID: "update-1"}))
	// acking a pending update is a no-op, it has not been sent
	require.NoError(t, q.Ack("update-1"))
	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	u, _, err := q.Dequeue()
	require.NoError(t, err)
	require.NoError(t, q.Ack(u.ID))
	require.NoError(t, q.Ack(u.ID))
	require.NoError(t, q.Nack(u.ID))

	n, err = q.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReopenRedeliversUnackedUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := boltqueue.Open(path)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(replication.Update{ID: "update-1"}))
	require.NoError(t, q.Enqueue(replication.Update{ID: "update-2"}))

	// dequeued but never acked, the crash happens before delivery
	// completes
	_, ok, err := q.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Close())

	reopened := openQueue(t, path)
	n, err := reopened.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	u, ok, err := reopened.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "update-1", u.ID)
}

func TestReopenDropsAckedUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := boltqueue.Open(path)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(replication.Update{ID: "update-1"}))
	u, ok, err := q.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Ack(u.ID))
	require.NoError(t, q.Close())

	reopened := openQueue(t, path)
	n, err := reopened.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, ok, err = reopened.Dequeue()
	require.NoError(t, err)
	assert.False(t, ok)
}

// testEntity is a minimal versioned entity for queue round trips.
type testEntity struct {
	ID       string `json:"id"`
	Firmware string `json:"firmware"`
	Rev      uint64 `json:"rev"`
}

func (e testEntity) Key() string           { return e.ID }
func (e testEntity) EntityVersion() uint64 { return e.Rev }
