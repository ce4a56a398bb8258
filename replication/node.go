package replication

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
)

type MarshalFunc func(v interface{}) ([]byte, error)

// Node is one replica. It holds a local cache of replicated entities,
// an outbound queue of its own mutations and an informational list of
// subscriber nodes. Delivery between nodes is the coordinator's job.
type Node struct {
	id    string
	queue Queue

	mu          sync.RWMutex
	cache       map[string]Record
	subscribers map[string]struct{}

	published atomic.Uint64
	applied   atomic.Uint64
	skipped   atomic.Uint64
	deferred  atomic.Uint64

	// Marshal serializes entities into update payloads. Default is
	// encoding/json.
	Marshal MarshalFunc
}

// NewNode returns a node backed by an in-memory queue.
func NewNode(id string) *Node {
	return NewNodeWithQueue(id, NewMemoryQueue())
}

// NewNodeWithQueue returns a node backed by the given queue, for
// deployments that need the outbox to survive a crash.
func NewNodeWithQueue(id string, queue Queue) *Node {
	return &Node{
		id:          id,
		queue:       queue,
		cache:       make(map[string]Record),
		subscribers: make(map[string]struct{}),
		Marshal:     json.Marshal,
	}
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.id
}

// PublishUpdate enqueues an upsert for the entity, tagged with this
// node as source and the current timestamp. The local cache is not
// touched, entities reach caches through the coordinator like any
// other update.
func (n *Node) PublishUpdate(entity Entity) (Update, error) {
	payload, err := n.Marshal(entity)
	if err != nil {
		return Update{}, fmt.Errorf("serialize entity %s: %w", entity.Key(), err)
	}
	u := Update{
		ID:         uuid.Must(uuid.NewV4()).String(),
		Key:        entity.Key(),
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
		SourceNode: n.id,
		Type:       Upsert,
	}
	if versioned, ok := entity.(Versioned); ok {
		u.EntityVersion = versioned.EntityVersion()
	}
	if err := n.queue.Enqueue(u); err != nil {
		return Update{}, fmt.Errorf("enqueue update: %w", err)
	}
	n.published.Add(1)
	return u, nil
}

// PublishDeletion enqueues a delete for the key.
func (n *Node) PublishDeletion(key string) (Update, error) {
	u := Update{
		ID:         uuid.Must(uuid.NewV4()).String(),
		Key:        key,
		Timestamp:  time.Now().UTC(),
		SourceNode: n.id,
		Type:       Delete,
	}
	if err := n.queue.Enqueue(u); err != nil {
		return Update{}, fmt.Errorf("enqueue deletion: %w", err)
	}
	n.published.Add(1)
	return u, nil
}

// PollUpdate removes and returns the oldest queued update, or false
// when the queue is empty. The update is acked on extraction, the
// caller owns its delivery from here.
func (n *Node) PollUpdate() (Update, bool) {
	u, ok, err := n.queue.Dequeue()
	if err != nil || !ok {
		return Update{}, false
	}
	if err := n.queue.Ack(u.ID); err != nil {
		// left in the sent state, a durable queue redelivers it
		return Update{}, false
	}
	return u, true
}

// ApplyUpdate unconditionally applies the update to the local cache,
// last applier wins. Cross node arbitration is the coordinator's job.
func (n *Node) ApplyUpdate(u Update) error {
	switch u.Type {
	case Upsert:
		n.mu.Lock()
		n.cache[u.Key] = Record{
			Payload:       append([]byte(nil), u.Payload...),
			EntityVersion: u.EntityVersion,
			UpdatedAt:     u.Timestamp,
			Source:        u.SourceNode,
		}
		n.mu.Unlock()
	case Delete:
		n.mu.Lock()
		delete(n.cache, u.Key)
		n.mu.Unlock()
	default:
		return fmt.Errorf("%w: unknown update type %d", ErrUpdateFailed, uint8(u.Type))
	}
	n.applied.Add(1)
	return nil
}

// Get returns a copy of the cached record for the key.
func (n *Node) Get(key string) (Record, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	record, ok := n.cache[key]
	if !ok {
		return Record{}, false
	}
	record.Payload = append([]byte(nil), record.Payload...)
	return record, true
}

// Len returns the number of entities in the local cache.
func (n *Node) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.cache)
}

// QueuedUpdates returns the number of updates waiting on the outbound
// queue.
func (n *Node) QueuedUpdates() (int, error) {
	return n.queue.Len()
}

// Subscribe adds a node id to the informational fan-out list used by
// the coordinator's SyncSubscribers.
func (n *Node) Subscribe(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subscribers[nodeID] = struct{}{}
}

// Unsubscribe removes a node id from the fan-out list.
func (n *Node) Unsubscribe(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subscribers, nodeID)
}

// Subscribers returns the subscribed node ids in stable order.
func (n *Node) Subscribers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]string, 0, len(n.subscribers))
	for id := range n.subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns a point-in-time copy of the node's counters.
func (n *Node) Stats() Stats {
	return Stats{
		Published: n.published.Load(),
		Applied:   n.applied.Load(),
		Skipped:   n.skipped.Load(),
		Deferred:  n.deferred.Load(),
	}
}

func (n *Node) skip() {
	n.skipped.Add(1)
}

func (n *Node) deferUpdate() {
	n.deferred.Add(1)
}
