// Package memory holds the in-memory reference implementation of the
// core.Store contract.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/kvisthall/eventsource/core"
)

// Memory keeps aggregate streams, the global event order and snapshots
// in maps behind one read-many/write-one lock. The check-then-append in
// Append is atomic under the write lock; readers never observe a
// partial batch. Events are deep copied both on append and on read so
// stored events stay immutable.
type Memory struct {
	mu              sync.RWMutex
	aggregateEvents map[string][]core.Event
	eventsInOrder   []core.Event
	snapshots       map[string]core.Snapshot
	globalVersion   core.Version
}

// Create an in memory store.
func Create() *Memory {
	return &Memory{
		aggregateEvents: make(map[string][]core.Event),
		eventsInOrder:   make([]core.Event, 0),
		snapshots:       make(map[string]core.Snapshot),
	}
}

// Append commits events to the aggregate's stream as one atomic unit.
func (e *Memory) Append(_ context.Context, aggregateID string, expected core.Version, events []core.Event) (core.Version, error) {
	if err := core.ValidateEvents(aggregateID, events); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := core.Version(len(e.aggregateEvents[aggregateID]))
	if current != expected {
		return 0, &core.ConcurrencyError{AggregateID: aggregateID, Expected: expected, Actual: current}
	}
	if len(events) == 0 {
		return current, nil
	}

	now := time.Now().UTC()
	for i := range events {
		events[i].Stamp(aggregateID, expected+core.Version(i)+1, now)
		e.globalVersion++
		events[i].GlobalVersion = e.globalVersion

		stored := events[i].Clone()
		e.aggregateEvents[aggregateID] = append(e.aggregateEvents[aggregateID], stored)
		e.eventsInOrder = append(e.eventsInOrder, stored)
	}
	return core.Version(len(e.aggregateEvents[aggregateID])), nil
}

// Load returns the aggregate's full stream. Unknown aggregates yield an
// empty stream at version 0, not an error.
func (e *Memory) Load(ctx context.Context, aggregateID string) (core.Stream, error) {
	return e.LoadFrom(ctx, aggregateID, 0)
}

// LoadFrom returns the events with version greater than after. The
// stream version is the aggregate's true tail.
func (e *Memory) LoadFrom(_ context.Context, aggregateID string, after core.Version) (core.Stream, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stored := e.aggregateEvents[aggregateID]
	stream := core.Stream{Version: core.Version(len(stored))}
	for _, event := range stored {
		if event.Version > after {
			stream.Events = append(stream.Events, event.Clone())
		}
	}
	return stream, nil
}

// LoadByEventType scans all aggregates for events of the given type in
// global order.
func (e *Memory) LoadByEventType(_ context.Context, eventType string) (core.Iterator, error) {
	return e.scan(func(event core.Event) bool {
		return event.EventType == eventType
	}), nil
}

// LoadByTimeRange scans all aggregates for events within [start, end],
// bounds inclusive, in global order.
func (e *Memory) LoadByTimeRange(_ context.Context, start, end time.Time) (core.Iterator, error) {
	return e.scan(func(event core.Event) bool {
		return !event.Timestamp.Before(start) && !event.Timestamp.After(end)
	}), nil
}

// scan snapshots the matching events under the read lock, so the
// iterator never observes writes that land after the call.
func (e *Memory) scan(match func(core.Event) bool) core.Iterator {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var events []core.Event
	for _, event := range e.eventsInOrder {
		if match(event) {
			events = append(events, event.Clone())
		}
	}
	return &iterator{events: events, current: -1}
}

// GlobalEvents returns up to count events from the global order
// beginning at position start.
func (e *Memory) GlobalEvents(_ context.Context, start core.Version, count uint64) ([]core.Event, error) {
	if count == 0 {
		return nil, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var events []core.Event
	for _, event := range e.eventsInOrder {
		if event.GlobalVersion < start {
			continue
		}
		events = append(events, event.Clone())
		if uint64(len(events)) == count {
			break
		}
	}
	return events, nil
}

// SaveSnapshot stores the snapshot as the single live one of its
// aggregate, replacing any previous snapshot.
func (e *Memory) SaveSnapshot(_ context.Context, snapshot core.Snapshot) error {
	if snapshot.AggregateID == "" {
		return core.ErrEmptyID
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current := core.Version(len(e.aggregateEvents[snapshot.AggregateID]))
	if snapshot.Version > current {
		return core.ErrSnapshotVersionAhead
	}
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now()
	}
	snapshot.Timestamp = snapshot.Timestamp.UTC()
	if snapshot.State != nil {
		state := make([]byte, len(snapshot.State))
		copy(state, snapshot.State)
		snapshot.State = state
	}
	e.snapshots[snapshot.AggregateID] = snapshot
	return nil
}

// LoadSnapshot returns the aggregate's live snapshot, or
// core.ErrSnapshotNotFound.
func (e *Memory) LoadSnapshot(_ context.Context, aggregateID string) (core.Snapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snapshot, ok := e.snapshots[aggregateID]
	if !ok {
		return core.Snapshot{}, core.ErrSnapshotNotFound
	}
	if snapshot.State != nil {
		state := make([]byte, len(snapshot.State))
		copy(state, snapshot.State)
		snapshot.State = state
	}
	return snapshot, nil
}

// Close does nothing, the store lives in process memory.
func (e *Memory) Close() {}

type iterator struct {
	events  []core.Event
	current int
}

func (i *iterator) Next() bool {
	if i.current+1 >= len(i.events) {
		i.current = len(i.events)
		return false
	}
	i.current++
	return true
}

func (i *iterator) Value() (core.Event, error) {
	if i.current < 0 || i.current >= len(i.events) {
		return core.Event{}, core.ErrNoMoreEvents
	}
	return i.events[i.current], nil
}

func (i *iterator) Close() {}
