// Package replication holds the multi node synchronization layer. Local
// entity mutations are published onto a node's outbound queue and a
// coordinator moves them between nodes, routing contested keys through
// a pluggable conflict policy.
//
// Propagation is best effort and eventually consistent. There is no
// global ordering across nodes, only FIFO order within one node's
// queue.
package replication

import (
	"fmt"
	"time"
)

// UpdateType tells whether an update carries an entity or removes one.
type UpdateType uint8

const (
	// Upsert inserts or overwrites the entity under its key.
	Upsert UpdateType = iota
	// Delete removes the key.
	Delete
)

func (t UpdateType) String() string {
	switch t {
	case Upsert:
		return "upsert"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Entity is anything replicable between nodes.
type Entity interface {
	// Key identifies the entity within the replicated keyspace.
	Key() string
}

// Versioned is implemented by entities carrying a monotonic version
// counter. The HigherVersionWins policy requires it.
type Versioned interface {
	EntityVersion() uint64
}

// Update is one entity mutation traveling between nodes.
type Update struct {
	// ID identifies the update through its queue lifecycle.
	ID string
	// Key of the entity the update concerns.
	Key string
	// Payload is the serialized entity snapshot. Empty for deletes.
	Payload []byte
	// EntityVersion is the entity's monotonic counter, zero when the
	// entity carries none.
	EntityVersion uint64
	// Timestamp of the publish, UTC.
	Timestamp time.Time
	// SourceNode is the id of the publishing node.
	SourceNode string
	// Type of the mutation.
	Type UpdateType
}

// Record is one entity as held in a node's cache, together with the
// provenance the conflict policies arbitrate on.
type Record struct {
	Payload       []byte
	EntityVersion uint64
	UpdatedAt     time.Time
	Source        string
}

// Stats is a point-in-time copy of a node's counters.
type Stats struct {
	// Published counts updates enqueued by this node.
	Published uint64
	// Applied counts updates written to this node's cache.
	Applied uint64
	// Skipped counts contested updates the policy decided against.
	Skipped uint64
	// Deferred counts contested updates surfaced for manual resolution.
	Deferred uint64
}
