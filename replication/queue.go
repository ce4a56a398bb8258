package replication

import "sync"

// Queue is a node's outbound update queue, an outbox with explicit
// acknowledgement. Dequeue moves an update from pending to sent, where
// it stays until it is acked (delivered, discard it) or nacked (return
// it to pending in its original position). A crash safe implementation
// redelivers sent updates that were never acked.
type Queue interface {
	// Enqueue appends the update to the pending queue.
	Enqueue(u Update) error
	// Dequeue moves the oldest pending update to the sent state. ok is
	// false when nothing is pending.
	Dequeue() (u Update, ok bool, err error)
	// Ack discards a sent update. Unknown or already acked ids are a
	// no-op.
	Ack(id string) error
	// Nack returns a sent update to the pending queue in its original
	// order. Unknown ids are a no-op.
	Nack(id string) error
	// Len returns the number of pending updates.
	Len() (int, error)
}

// MemoryQueue is the in-process Queue. Updates do not survive a crash,
// use the boltqueue package where durability matters.
type MemoryQueue struct {
	mu      sync.Mutex
	seq     uint64
	pending []queued
	sent    map[string]queued
}

type queued struct {
	update Update
	seq    uint64
}

// NewMemoryQueue factory function
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{sent: make(map[string]queued)}
}

// Enqueue appends the update to the pending queue.
func (q *MemoryQueue) Enqueue(u Update) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.pending = append(q.pending, queued{update: u, seq: q.seq})
	return nil
}

// Dequeue moves the oldest pending update to the sent state.
func (q *MemoryQueue) Dequeue() (Update, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Update{}, false, nil
	}
	item := q.pending[0]
	q.pending = q.pending[1:]
	q.sent[item.update.ID] = item
	return item.update, true, nil
}

// Ack discards a sent update.
func (q *MemoryQueue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.sent, id)
	return nil
}

// Nack returns a sent update to the pending queue. The enqueue sequence
// decides its position so redelivery keeps the original order.
func (q *MemoryQueue) Nack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.sent[id]
	if !ok {
		return nil
	}
	delete(q.sent, id)

	at := len(q.pending)
	for i, p := range q.pending {
		if p.seq > item.seq {
			at = i
			break
		}
	}
	q.pending = append(q.pending, queued{})
	copy(q.pending[at+1:], q.pending[at:])
	q.pending[at] = item
	return nil
}

// Len returns the number of pending updates.
func (q *MemoryQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}
