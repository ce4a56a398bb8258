package core

import (
	"time"

	"github.com/gofrs/uuid"
)

// Version is the per-aggregate event version. The first event of an
// aggregate has version 1 and every event after it increments the
// version by exactly one. The same type is used for GlobalVersion, the
// store wide commit order.
type Version uint64

// Event holds the event metadata and the application specific payload
// in the Data property. Events are immutable once stored.
type Event struct {
	// EventID uniquely identifies the event. Stamped by the store on
	// append when left empty.
	EventID string
	// AggregateID ties the event to one aggregate instance.
	AggregateID string
	// AggregateType is the name of the aggregate the event belongs to.
	AggregateType string
	// EventType names the application event the Data payload encodes.
	EventType string
	// Version is the position of the event within its aggregate,
	// starting at 1. Assigned by the store on append.
	Version Version
	// GlobalVersion is the position of the event in the store wide
	// commit order, spanning all aggregates. Assigned by the store.
	GlobalVersion Version
	// Timestamp is the commit time in UTC. Stamped when left zero.
	Timestamp time.Time
	// CausedBy is an opaque actor id supplied by the caller. The store
	// passes it through unvalidated.
	CausedBy string
	// CorrelationID groups events across aggregates. Optional.
	CorrelationID string
	// Metadata holds application state not belonging to the payload.
	Metadata map[string]string
	// Data is the serialized payload. The store never interprets it.
	Data []byte
}

// Clone returns a deep copy of the event. Mutating the copy's Data or
// Metadata never reaches the original, which keeps stored events
// immutable in backends that hand out slices of their own memory.
func (e Event) Clone() Event {
	c := e
	if e.Data != nil {
		c.Data = make([]byte, len(e.Data))
		copy(c.Data, e.Data)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Stamp assigns the store owned fields of an event before it is
// committed. The aggregate id and version are always overwritten, the
// event id only when empty and the timestamp only when zero. Timestamps
// are normalized to UTC. GlobalVersion is assigned separately by the
// store when the commit order is known.
func (e *Event) Stamp(aggregateID string, version Version, now time.Time) {
	e.AggregateID = aggregateID
	e.Version = version
	if e.EventID == "" {
		e.EventID = uuid.Must(uuid.NewV4()).String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
}

// Stream is the ordered events of a single aggregate together with the
// aggregate's current tail version. Version is the true tail even when
// Events holds only a suffix of the history, so the caller can hand it
// straight back to Append as the expected version.
type Stream struct {
	Events  []Event
	Version Version
}
