package replication_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvisthall/eventsource/replication"
)

func TestAddNodeTwice(t *testing.T) {
	c := replication.NewCoordinator(nil)
	_, err := c.AddNode("node-a")
	require.NoError(t, err)
	_, err = c.AddNode("node-a")
	require.ErrorIs(t, err, replication.ErrNodeExists)
}

func TestNodeNotFound(t *testing.T) {
	c := replication.NewCoordinator(nil)
	_, err := c.Node("node-ghost")
	require.ErrorIs(t, err, replication.ErrNodeNotFound)

	_, err = c.SyncNodes("node-ghost", "node-ghost")
	require.ErrorIs(t, err, replication.ErrNodeNotFound)

	_, err = c.BroadcastUpdates("node-ghost")
	require.ErrorIs(t, err, replication.ErrNodeNotFound)
}

func TestAttachNode(t *testing.T) {
	c := replication.NewCoordinator(nil)
	node := replication.NewNodeWithQueue("node-a", replication.NewMemoryQueue())
	require.NoError(t, c.AttachNode(node))
	require.ErrorIs(t, c.AttachNode(node), replication.ErrNodeExists)

	got, err := c.Node("node-a")
	require.NoError(t, err)
	assert.Same(t, node, got)
}

func TestNodesSorted(t *testing.T) {
	c := replication.NewCoordinator(nil)
	for _, id := range []string{"node-c", "node-a", "node-b"} {
		_, err := c.AddNode(id)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, c.Nodes())
}

func TestSyncNodes(t *testing.T) {
	c := replication.NewCoordinator(nil)
	source, err := c.AddNode("node-a")
	require.NoError(t, err)
	target, err := c.AddNode("node-b")
	require.NoError(t, err)

	for _, slug := range []string{"go-generics", "go-iterators", "go-errors"} {
		_, err := source.PublishUpdate(article{Slug: slug, Body: "draft", Revision: 1})
		require.NoError(t, err)
	}

	processed, err := c.SyncNodes("node-a", "node-b")
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	assert.Equal(t, 3, target.Len())
	assert.Equal(t, uint64(3), target.Stats().Applied)

	queued, err := source.QueuedUpdates()
	require.NoError(t, err)
	assert.Equal(t, 0, queued)
}

func TestSyncNodesSameKeyEvolution(t *testing.T) {
	c := replication.NewCoordinator(replication.LastWriteWins{})
	queue := replication.NewMemoryQueue()
	source := replication.NewNodeWithQueue("node-a", queue)
	require.NoError(t, c.AttachNode(source))
	target, err := c.AddNode("node-b")
	require.NoError(t, err)

	at := time.Date(2025, time.March, 7, 12, 0, 0, 0, time.UTC)
	for i, body := range []string{"first draft", "second draft", "final"} {
		require.NoError(t, queue.Enqueue(replication.Update{
			ID:         fmt.Sprintf("update-%d", i),
			Key:        "go-generics",
			Payload:    []byte(body),
			Timestamp:  at.Add(time.Duration(i) * time.Second),
			SourceNode: "node-a",
			Type:       replication.Upsert,
		}))
	}

	processed, err := c.SyncNodes("node-a", "node-b")
	require.NoError(t, err)
	assert.Equal(t, 3, processed)

	record, ok := target.Get("go-generics")
	require.True(t, ok)
	assert.Equal(t, "final", string(record.Payload))
	assert.Equal(t, uint64(3), target.Stats().Applied)
	assert.Equal(t, uint64(0), target.Stats().Skipped)
}

func TestSyncSkipsStaleUpdate(t *testing.T) {
	c := replication.NewCoordinator(nil) // defaults to last write wins
	queue := replication.NewMemoryQueue()
	source := replication.NewNodeWithQueue("node-a", queue)
	require.NoError(t, c.AttachNode(source))
	target, err := c.AddNode("node-b")
	require.NoError(t, err)

	at := time.Date(2025, time.March, 7, 12, 0, 0, 0, time.UTC)
	require.NoError(t, target.ApplyUpdate(replication.Update{
		ID:         "update-current",
		Key:        "go-generics",
		Payload:    []byte("current"),
		Timestamp:  at,
		SourceNode: "node-c",
		Type:       replication.Upsert,
	}))

	require.NoError(t, queue.Enqueue(replication.Update{
		ID:         "update-stale",
		Key:        "go-generics",
		Payload:    []byte("stale"),
		Timestamp:  at.Add(-time.Minute),
		SourceNode: "node-a",
		Type:       replication.Upsert,
	}))

	processed, err := c.SyncNodes("node-a", "node-b")
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	record, ok := target.Get("go-generics")
	require.True(t, ok)
	assert.Equal(t, "current", string(record.Payload))
	assert.Equal(t, uint64(1), target.Stats().Skipped)

	// a skipped update is arbitrated, it is acked like an applied one
	queued, err := source.QueuedUpdates()
	require.NoError(t, err)
	assert.Equal(t, 0, queued)
}

func TestRedeliveryAppliesWithoutConflict(t *testing.T) {
	// the manual policy would defer any contested key, so a clean run
	// proves redelivery takes the direct path
	c := replication.NewCoordinator(replication.Manual{})
	queue := replication.NewMemoryQueue()
	source := replication.NewNodeWithQueue("node-a", queue)
	require.NoError(t, c.AttachNode(source))
	target, err := c.AddNode("node-b")
	require.NoError(t, err)

	u := replication.Update{
		ID:         "update-1",
		Key:        "go-generics",
		Payload:    []byte("draft"),
		Timestamp:  time.Date(2025, time.March, 7, 12, 0, 0, 0, time.UTC),
		SourceNode: "node-a",
		Type:       replication.Upsert,
	}
	require.NoError(t, target.ApplyUpdate(u))

	require.NoError(t, queue.Enqueue(u))
	processed, err := c.SyncNodes("node-a", "node-b")
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Empty(t, c.Conflicts())
	assert.Equal(t, uint64(2), target.Stats().Applied)
}

func TestManualPolicyDefersConflicts(t *testing.T) {
	c := replication.NewCoordinator(replication.Manual{})
	queue := replication.NewMemoryQueue()
	source := replication.NewNodeWithQueue("node-a", queue)
	require.NoError(t, c.AttachNode(source))
	target, err := c.AddNode("node-b")
	require.NoError(t, err)

	at := time.Date(2025, time.March, 7, 12, 0, 0, 0, time.UTC)
	require.NoError(t, target.ApplyUpdate(replication.Update{
		ID:         "update-theirs",
		Key:        "go-generics",
		Payload:    []byte("theirs"),
		Timestamp:  at,
		SourceNode: "node-c",
		Type:       replication.Upsert,
	}))
	require.NoError(t, queue.Enqueue(replication.Update{
		ID:         "update-contested",
		Key:        "go-generics",
		Payload:    []byte("ours"),
		Timestamp:  at.Add(time.Second),
		SourceNode: "node-a",
		Type:       replication.Upsert,
	}))

	processed, err := c.SyncNodes("node-a", "node-b")
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	// the target is untouched, the conflict is surfaced for arbitration
	record, ok := target.Get("go-generics")
	require.True(t, ok)
	assert.Equal(t, "theirs", string(record.Payload))
	assert.Equal(t, uint64(1), target.Stats().Deferred)

	conflicts := c.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "node-b", conflicts[0].NodeID)
	assert.Equal(t, "update-contested", conflicts[0].Incoming.ID)
	assert.Equal(t, "theirs", string(conflicts[0].Existing.Payload))

	// the listing is drained on read
	assert.Empty(t, c.Conflicts())
}

func TestBroadcastUpdates(t *testing.T) {
	c := replication.NewCoordinator(nil)
	source, err := c.AddNode("node-a")
	require.NoError(t, err)
	second, err := c.AddNode("node-b")
	require.NoError(t, err)
	third, err := c.AddNode("node-c")
	require.NoError(t, err)

	_, err = source.PublishUpdate(article{Slug: "go-generics", Body: "draft", Revision: 1})
	require.NoError(t, err)
	_, err = source.PublishUpdate(article{Slug: "go-iterators", Body: "draft", Revision: 1})
	require.NoError(t, err)

	delivered, err := c.BroadcastUpdates("node-a")
	require.NoError(t, err)
	assert.Equal(t, 4, delivered) // two updates to two targets

	for _, node := range []*replication.Node{second, third} {
		assert.Equal(t, 2, node.Len())
		_, ok := node.Get("go-generics")
		assert.True(t, ok)
		_, ok = node.Get("go-iterators")
		assert.True(t, ok)
	}

	queued, err := source.QueuedUpdates()
	require.NoError(t, err)
	assert.Equal(t, 0, queued)

	// the source cache is only written through delivery
	assert.Equal(t, 0, source.Len())
}

func TestBroadcastWithoutTargets(t *testing.T) {
	c := replication.NewCoordinator(nil)
	source, err := c.AddNode("node-a")
	require.NoError(t, err)
	_, err = source.PublishUpdate(article{Slug: "go-generics", Revision: 1})
	require.NoError(t, err)

	delivered, err := c.BroadcastUpdates("node-a")
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)

	// drained even with nobody to deliver to
	queued, err := source.QueuedUpdates()
	require.NoError(t, err)
	assert.Equal(t, 0, queued)
}

func TestBroadcastFailureRestoresQueue(t *testing.T) {
	c := replication.NewCoordinator(replication.HigherVersionWins{})
	queue := replication.NewMemoryQueue()
	source := replication.NewNodeWithQueue("node-a", queue)
	require.NoError(t, c.AttachNode(source))
	target, err := c.AddNode("node-b")
	require.NoError(t, err)

	at := time.Date(2025, time.March, 7, 12, 0, 0, 0, time.UTC)
	require.NoError(t, target.ApplyUpdate(replication.Update{
		ID:            "update-current",
		Key:           "go-generics",
		Payload:       []byte("current"),
		EntityVersion: 2,
		Timestamp:     at,
		SourceNode:    "node-c",
		Type:          replication.Upsert,
	}))

	// contested and without an entity version, the policy cannot arbitrate
	require.NoError(t, queue.Enqueue(replication.Update{
		ID:         "update-unversioned",
		Key:        "go-generics",
		Payload:    []byte("incoming"),
		Timestamp:  at.Add(time.Second),
		SourceNode: "node-a",
		Type:       replication.Upsert,
	}))

	delivered, err := c.BroadcastUpdates("node-a")
	require.ErrorIs(t, err, replication.ErrUpdateFailed)
	assert.Equal(t, 0, delivered)

	// the whole batch is back on the queue for redelivery
	queued, err := source.QueuedUpdates()
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	record, ok := target.Get("go-generics")
	require.True(t, ok)
	assert.Equal(t, "current", string(record.Payload))
}

func TestSyncSubscribers(t *testing.T) {
	c := replication.NewCoordinator(nil)
	source, err := c.AddNode("node-a")
	require.NoError(t, err)
	subscriber, err := c.AddNode("node-b")
	require.NoError(t, err)
	bystander, err := c.AddNode("node-c")
	require.NoError(t, err)

	source.Subscribe("node-b")
	source.Subscribe("node-ghost") // unregistered, skipped

	_, err = source.PublishUpdate(article{Slug: "go-generics", Body: "draft", Revision: 1})
	require.NoError(t, err)

	delivered, err := c.SyncSubscribers("node-a")
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	_, ok := subscriber.Get("go-generics")
	assert.True(t, ok)
	_, ok = bystander.Get("go-generics")
	assert.False(t, ok)
}

// flakyQueue fails dequeues after a set number of successes, standing
// in for a transport backed queue losing its connection.
type flakyQueue struct {
	*replication.MemoryQueue
	remaining int
}

func (q *flakyQueue) Dequeue() (replication.Update, bool, error) {
	if q.remaining == 0 {
		return replication.Update{}, false, fmt.Errorf("%w: connection reset", replication.ErrNetwork)
	}
	q.remaining--
	return q.MemoryQueue.Dequeue()
}

func TestBroadcastDequeueFailure(t *testing.T) {
	c := replication.NewCoordinator(nil)
	queue := &flakyQueue{MemoryQueue: replication.NewMemoryQueue(), remaining: 1}
	source := replication.NewNodeWithQueue("node-a", queue)
	require.NoError(t, c.AttachNode(source))
	_, err := c.AddNode("node-b")
	require.NoError(t, err)

	for _, id := range []string{"update-1", "update-2"} {
		require.NoError(t, queue.Enqueue(replication.Update{ID: id, Key: "go-generics", Type: replication.Upsert}))
	}

	delivered, err := c.BroadcastUpdates("node-a")
	require.ErrorIs(t, err, replication.ErrNetwork)
	assert.Equal(t, 0, delivered)

	// the drained prefix is nacked back, nothing is lost
	queued, err := queue.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
}

func TestConcurrentEditsConverge(t *testing.T) {
	c := replication.NewCoordinator(nil)
	first, err := c.AddNode("node-a")
	require.NoError(t, err)
	second, err := c.AddNode("node-b")
	require.NoError(t, err)
	third, err := c.AddNode("node-c")
	require.NoError(t, err)

	// both nodes edit the same article, applying locally and publishing
	u, err := first.PublishUpdate(article{Slug: "go-generics", Body: "draft by a", Revision: 1})
	require.NoError(t, err)
	require.NoError(t, first.ApplyUpdate(u))

	u, err = second.PublishUpdate(article{Slug: "go-generics", Body: "edit by b", Revision: 2})
	require.NoError(t, err)
	require.NoError(t, second.ApplyUpdate(u))

	_, err = c.BroadcastUpdates("node-a")
	require.NoError(t, err)
	_, err = c.BroadcastUpdates("node-b")
	require.NoError(t, err)

	// node-b published last, its edit wins everywhere
	want, ok := second.Get("go-generics")
	require.True(t, ok)
	for _, node := range []*replication.Node{first, third} {
		record, ok := node.Get("go-generics")
		require.True(t, ok)
		assert.Equal(t, string(want.Payload), string(record.Payload))
	}
	assert.Equal(t, uint64(1), second.Stats().Skipped)
}
