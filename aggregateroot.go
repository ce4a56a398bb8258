package eventsource

import (
	"errors"
	"reflect"
	"time"

	"github.com/kvisthall/eventsource/core"
)

// Aggregate is the interface domain types get by embedding AggregateRoot
// and adding a Transition method.
type Aggregate interface {
	// Root returns the embedded AggregateRoot.
	Root() *AggregateRoot
	// Transition folds one event into the aggregate state. It runs both
	// when a change is tracked and when history is replayed, so it must
	// not have side effects beyond mutating the aggregate.
	Transition(event core.Event)
}

// ErrAggregateAlreadyExists returned if the aggregateID is set more than one time
var ErrAggregateAlreadyExists = errors.New("its not possible to set ID on already existing aggregate")

// AggregateRoot to be included into aggregates. It tracks the id, the
// version of the last saved event and the events not yet saved.
type AggregateRoot struct {
	aggregateID            string
	aggregateVersion       core.Version
	aggregateGlobalVersion core.Version
	pending                []core.Event
}

const emptyAggregateID = ""

// TrackChange is used internally by behaviour methods to apply a state change to
// the current instance and also track it in order that it can be persisted later.
func (ar *AggregateRoot) TrackChange(a Aggregate, eventType string, data []byte) {
	ar.TrackChangeWithMetadata(a, eventType, data, nil)
}

// TrackChangeWithMetadata is used internally by behaviour methods to apply a state change to
// the current instance and also track it in order that it can be persisted later.
// metadata is handled by this func to store application state not belonging to the aggregate
func (ar *AggregateRoot) TrackChangeWithMetadata(a Aggregate, eventType string, data []byte, metadata map[string]string) {
	// This can be overwritten in the constructor of the aggregate
	if ar.aggregateID == emptyAggregateID {
		ar.aggregateID = idFunc()
	}

	event := core.Event{
		AggregateID:   ar.aggregateID,
		AggregateType: aggregateType(a),
		EventType:     eventType,
		Version:       ar.Version() + 1,
		Timestamp:     time.Now().UTC(),
		Metadata:      metadata,
		Data:          data,
	}
	ar.pending = append(ar.pending, event)
	a.Transition(event)
}

// ApplyEvent folds one stored event into the aggregate. Events must
// arrive in version order with no gaps.
func (ar *AggregateRoot) ApplyEvent(a Aggregate, event core.Event) error {
	if event.Version != ar.aggregateVersion+1 {
		return &core.ReplayError{AggregateID: event.AggregateID, Expected: ar.aggregateVersion + 1, Got: event.Version}
	}
	a.Transition(event)
	ar.aggregateID = event.AggregateID
	ar.aggregateVersion = event.Version
	ar.aggregateGlobalVersion = event.GlobalVersion
	return nil
}

// BuildFromHistory builds the aggregate state from events
func (ar *AggregateRoot) BuildFromHistory(a Aggregate, events []core.Event) error {
	for _, event := range events {
		if err := ar.ApplyEvent(a, event); err != nil {
			return err
		}
	}
	return nil
}

// update sets the aggregate version and global version to the values in
// the last event. This function is called after the aggregate is saved.
func (ar *AggregateRoot) update() {
	if len(ar.pending) > 0 {
		lastEvent := ar.pending[len(ar.pending)-1]
		ar.aggregateVersion = lastEvent.Version
		ar.aggregateGlobalVersion = lastEvent.GlobalVersion
		ar.pending = nil
	}
}

// setInternals seeds the root from snapshot state.
func (ar *AggregateRoot) setInternals(id string, version, globalVersion core.Version) {
	ar.aggregateID = id
	ar.aggregateVersion = version
	ar.aggregateGlobalVersion = globalVersion
	ar.pending = nil
}

// SetID opens up the possibility to set manual aggregate ID from the outside
func (ar *AggregateRoot) SetID(id string) error {
	if ar.aggregateID != emptyAggregateID {
		return ErrAggregateAlreadyExists
	}
	ar.aggregateID = id
	return nil
}

// ID returns the aggregate ID as a string
func (ar *AggregateRoot) ID() string {
	return ar.aggregateID
}

// Root returns the included Aggregate Root state, and is used from the interface Aggregate.
func (ar *AggregateRoot) Root() *AggregateRoot {
	return ar
}

// Version return the version based on events that are not stored
func (ar *AggregateRoot) Version() core.Version {
	if len(ar.pending) > 0 {
		return ar.pending[len(ar.pending)-1].Version
	}
	return ar.aggregateVersion
}

// StoredVersion returns the version of the last saved event
func (ar *AggregateRoot) StoredVersion() core.Version {
	return ar.aggregateVersion
}

// GlobalVersion returns the global version based on the last stored event
func (ar *AggregateRoot) GlobalVersion() core.Version {
	return ar.aggregateGlobalVersion
}

// Events return the events not yet saved
// make a copy of the slice preventing outsiders modifying events.
func (ar *AggregateRoot) Events() []core.Event {
	events := make([]core.Event, len(ar.pending))
	copy(events, ar.pending)
	return events
}

// UnsavedEvents return true if there's unsaved events on the aggregate
func (ar *AggregateRoot) UnsavedEvents() bool {
	return len(ar.pending) > 0
}

func aggregateType(a Aggregate) string {
	return reflect.TypeOf(a).Elem().Name()
}
