package core

import (
	"context"
	"time"
)

// Iterator walks events one at a time without materializing the whole
// result set. Close releases the underlying storage handle and must be
// called when the caller is done.
type Iterator interface {
	// Next advances the iterator, reporting false when it is exhausted.
	Next() bool
	// Value returns the event at the current position. It returns
	// ErrNoMoreEvents when the iterator was never advanced or is
	// exhausted.
	Value() (Event, error)
	// Close releases the iterator.
	Close()
}

// EventStore is the append and read contract every event store backend
// must uphold.
type EventStore interface {
	// Append commits events to the aggregate's stream as one atomic
	// unit. The expected version is compared against the aggregate's
	// current tail under the store's write lock or transaction; on
	// mismatch nothing is written and a *ConcurrencyError is returned.
	// On match the events are stamped in place (version, global
	// version, event id and timestamp when unset) and the new tail
	// version is returned. An empty batch still runs the expected
	// version check and returns the current tail.
	Append(ctx context.Context, aggregateID string, expected Version, events []Event) (Version, error)
	// Load returns the aggregate's full stream in version order. An
	// unknown aggregate yields an empty stream with version 0 and no
	// error.
	Load(ctx context.Context, aggregateID string) (Stream, error)
	// LoadFrom returns the events with version greater than after. The
	// returned stream version is the aggregate's true tail, not the
	// count of returned events.
	LoadFrom(ctx context.Context, aggregateID string, after Version) (Stream, error)
	// LoadByEventType scans all aggregates for events of the given
	// type in global commit order.
	LoadByEventType(ctx context.Context, eventType string) (Iterator, error)
	// LoadByTimeRange scans all aggregates for events committed within
	// [start, end], bounds inclusive, in global commit order.
	LoadByTimeRange(ctx context.Context, start, end time.Time) (Iterator, error)
	// GlobalEvents returns up to count events from the store wide
	// commit order beginning at position start (1 based).
	GlobalEvents(ctx context.Context, start Version, count uint64) ([]Event, error)
}

// Store combines event and snapshot persistence. All provided backends
// implement it.
type Store interface {
	EventStore
	SnapshotStore
}

// NopIterator is an Iterator with no events.
type NopIterator struct{}

func (NopIterator) Next() bool { return false }

func (NopIterator) Value() (Event, error) { return Event{}, ErrNoMoreEvents }

func (NopIterator) Close() {}
