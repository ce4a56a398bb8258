package core

import (
	"context"
	"time"
)

// Snapshot holds the serialized state of an aggregate at a specific
// version, bounding the number of events a load has to replay. At most
// one snapshot per aggregate is live; saving replaces the previous one.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	// Version of the last event folded into State. Never greater than
	// the aggregate's stored tail at capture time.
	Version       Version
	GlobalVersion Version
	Timestamp     time.Time
	// State is the serialized aggregate. The store never interprets it.
	State []byte
}

// SnapshotStore is implemented by stores that can persist aggregate
// snapshots.
type SnapshotStore interface {
	// SaveSnapshot stores s as the single live snapshot of its
	// aggregate, replacing any previous one. It rejects an empty
	// aggregate id with ErrEmptyID and a version beyond the aggregate's
	// stored event stream with ErrSnapshotVersionAhead.
	SaveSnapshot(ctx context.Context, s Snapshot) error
	// LoadSnapshot returns the aggregate's live snapshot, or
	// ErrSnapshotNotFound when none was saved.
	LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, error)
}
