package core

import (
	"errors"
	"fmt"
)

// ErrConcurrency is matched by every optimistic concurrency failure
// from Append via errors.Is. The details travel in *ConcurrencyError.
var ErrConcurrency = errors.New("concurrency error")

// ErrReplayVersionGap is matched by replay failures caused by
// non-contiguous event versions. The details travel in *ReplayError.
var ErrReplayVersionGap = errors.New("replay version gap")

// ErrEventMultipleAggregates when an append batch holds events for more
// than one aggregate.
var ErrEventMultipleAggregates = errors.New("events holds events for more than one aggregate")

// ErrEventMultipleAggregateTypes when an append batch holds events with
// different aggregate types.
var ErrEventMultipleAggregateTypes = errors.New("events holds events for more than one aggregate type")

// ErrEventTypeMissing when an event carries no event type.
var ErrEventTypeMissing = errors.New("event holds no event type")

// ErrEmptyID when an operation is called with an empty aggregate id.
var ErrEmptyID = errors.New("aggregate id is empty")

// ErrSnapshotNotFound when no snapshot is stored for the aggregate.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrSnapshotVersionAhead when a snapshot claims a version beyond the
// aggregate's stored event stream.
var ErrSnapshotVersionAhead = errors.New("snapshot version ahead of event stream")

// ErrNoMoreEvents when an iterator value is requested past the end.
var ErrNoMoreEvents = errors.New("no more events")

// ConcurrencyError reports an expected version mismatch from Append.
// The append is rejected as a whole and the store is left unchanged.
// The caller is expected to reload the aggregate, re-derive the
// expected version and retry.
type ConcurrencyError struct {
	AggregateID string
	Expected    Version
	Actual      Version
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("aggregate %s: expected version %d but stream is at %d", e.AggregateID, e.Expected, e.Actual)
}

// Is reports a match against the ErrConcurrency sentinel.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrency
}

// ReplayError reports an event that cannot be folded into an aggregate
// because its version is not the next one in sequence.
type ReplayError struct {
	AggregateID string
	Expected    Version
	Got         Version
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("aggregate %s: replay expected version %d but got %d", e.AggregateID, e.Expected, e.Got)
}

// Is reports a match against the ErrReplayVersionGap sentinel.
func (e *ReplayError) Is(target error) bool {
	return target == ErrReplayVersionGap
}
