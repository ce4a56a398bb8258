// Package bbolt holds a core.Store backed by a bbolt database file.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/kvisthall/eventsource/core"
)

const (
	globalOrderBucketName = "global_event_order"
	snapshotsBucketName   = "snapshots"
)

// itob returns an 8-byte big endian representation of v, keeping bucket
// keys in numeric order.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// BBolt stores aggregate streams in one bucket per aggregate, keyed by
// version, plus a bucket holding the global commit order and a bucket
// holding snapshots. The single writer transaction of bbolt makes the
// check-then-append in Append atomic.
type BBolt struct {
	db *bbolt.DB
}

// Open the store in the given file. The file is created and initialized
// when it does not exist.
func Open(dbFile string) (*BBolt, error) {
	db, err := bbolt.Open(dbFile, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbFile, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(globalOrderBucketName)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(snapshotsBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize buckets: %w", err)
	}
	return &BBolt{db: db}, nil
}

// Close the underlying database.
func (e *BBolt) Close() error {
	return e.db.Close()
}

// aggregateKey is the bucket name holding one aggregate's events.
func aggregateKey(aggregateID string) []byte {
	return []byte("events_" + aggregateID)
}

// tailVersion reads the aggregate's current version from the last key
// in its bucket.
func tailVersion(tx *bbolt.Tx, aggregateID string) core.Version {
	bucket := tx.Bucket(aggregateKey(aggregateID))
	if bucket == nil {
		return 0
	}
	k, _ := bucket.Cursor().Last()
	if k == nil {
		return 0
	}
	return core.Version(binary.BigEndian.Uint64(k))
}

// Append commits events to the aggregate's stream as one atomic unit.
func (e *BBolt) Append(_ context.Context, aggregateID string, expected core.Version, events []core.Event) (core.Version, error) {
	if err := core.ValidateEvents(aggregateID, events); err != nil {
		return 0, err
	}

	tx, err := e.db.Begin(true)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	current := tailVersion(tx, aggregateID)
	if current != expected {
		return 0, &core.ConcurrencyError{AggregateID: aggregateID, Expected: expected, Actual: current}
	}
	if len(events) == 0 {
		return current, nil
	}

	evBucket, err := tx.CreateBucketIfNotExists(aggregateKey(aggregateID))
	if err != nil {
		return 0, fmt.Errorf("create aggregate bucket: %w", err)
	}
	globalBucket := tx.Bucket([]byte(globalOrderBucketName))
	if globalBucket == nil {
		return 0, errors.New("global order bucket not found")
	}

	now := time.Now().UTC()
	for i := range events {
		events[i].Stamp(aggregateID, expected+core.Version(i)+1, now)

		// the global order spans all buckets so events can be replayed
		// or forwarded in the order they entered the database
		globalSequence, err := globalBucket.NextSequence()
		if err != nil {
			return 0, fmt.Errorf("next global sequence: %w", err)
		}
		events[i].GlobalVersion = core.Version(globalSequence)

		value, err := json.Marshal(events[i])
		if err != nil {
			return 0, fmt.Errorf("serialize event: %w", err)
		}
		if err := evBucket.Put(itob(uint64(events[i].Version)), value); err != nil {
			return 0, fmt.Errorf("store event: %w", err)
		}
		if err := globalBucket.Put(itob(globalSequence), value); err != nil {
			return 0, fmt.Errorf("store global order entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return expected + core.Version(len(events)), nil
}

// Load returns the aggregate's full stream. Unknown aggregates yield an
// empty stream at version 0, not an error.
func (e *BBolt) Load(ctx context.Context, aggregateID string) (core.Stream, error) {
	return e.LoadFrom(ctx, aggregateID, 0)
}

// LoadFrom returns the events with version greater than after. The
// stream version is the aggregate's true tail.
func (e *BBolt) LoadFrom(_ context.Context, aggregateID string, after core.Version) (core.Stream, error) {
	var stream core.Stream
	err := e.db.View(func(tx *bbolt.Tx) error {
		stream.Version = tailVersion(tx, aggregateID)
		bucket := tx.Bucket(aggregateKey(aggregateID))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(itob(uint64(after) + 1)); k != nil; k, v = cursor.Next() {
			var event core.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("deserialize event: %w", err)
			}
			stream.Events = append(stream.Events, event)
		}
		return nil
	})
	if err != nil {
		return core.Stream{}, err
	}
	return stream, nil
}

// LoadByEventType scans the global order for events of the given type.
// The iterator holds a read transaction until closed.
func (e *BBolt) LoadByEventType(_ context.Context, eventType string) (core.Iterator, error) {
	return e.scan(func(event core.Event) bool {
		return event.EventType == eventType
	})
}

// LoadByTimeRange scans the global order for events within [start, end],
// bounds inclusive.
func (e *BBolt) LoadByTimeRange(_ context.Context, start, end time.Time) (core.Iterator, error) {
	return e.scan(func(event core.Event) bool {
		return !event.Timestamp.Before(start) && !event.Timestamp.After(end)
	})
}

func (e *BBolt) scan(match func(core.Event) bool) (core.Iterator, error) {
	tx, err := e.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("begin scan: %w", err)
	}
	return &iterator{
		tx:     tx,
		cursor: tx.Bucket([]byte(globalOrderBucketName)).Cursor(),
		match:  match,
	}, nil
}

// GlobalEvents returns up to count events from the global order
// beginning at position start.
func (e *BBolt) GlobalEvents(_ context.Context, start core.Version, count uint64) ([]core.Event, error) {
	if count == 0 {
		return nil, nil
	}
	var events []core.Event
	err := e.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(globalOrderBucketName)).Cursor()
		for k, v := cursor.Seek(itob(uint64(start))); k != nil; k, v = cursor.Next() {
			var event core.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("deserialize event: %w", err)
			}
			events = append(events, event)
			if uint64(len(events)) == count {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// SaveSnapshot stores the snapshot as the single live one of its
// aggregate, replacing any previous snapshot.
func (e *BBolt) SaveSnapshot(_ context.Context, snapshot core.Snapshot) error {
	if snapshot.AggregateID == "" {
		return core.ErrEmptyID
	}
	return e.db.Update(func(tx *bbolt.Tx) error {
		if snapshot.Version > tailVersion(tx, snapshot.AggregateID) {
			return core.ErrSnapshotVersionAhead
		}
		if snapshot.Timestamp.IsZero() {
			snapshot.Timestamp = time.Now()
		}
		snapshot.Timestamp = snapshot.Timestamp.UTC()
		value, err := json.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("serialize snapshot: %w", err)
		}
		return tx.Bucket([]byte(snapshotsBucketName)).Put([]byte(snapshot.AggregateID), value)
	})
}

// LoadSnapshot returns the aggregate's live snapshot, or
// core.ErrSnapshotNotFound.
func (e *BBolt) LoadSnapshot(_ context.Context, aggregateID string) (core.Snapshot, error) {
	var snapshot core.Snapshot
	err := e.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket([]byte(snapshotsBucketName)).Get([]byte(aggregateID))
		if value == nil {
			return core.ErrSnapshotNotFound
		}
		return json.Unmarshal(value, &snapshot)
	})
	if err != nil {
		return core.Snapshot{}, err
	}
	return snapshot, nil
}
