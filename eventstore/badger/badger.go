// Package badger holds a core.Store backed by a BadgerDB key-value
// database, for embedded deployments that want low-latency local
// persistence.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/kvisthall/eventsource/core"
)

// Config holds the settings for opening a store.
type Config struct {
	// Path is the directory holding the database files. Created when it
	// does not exist. Ignored when InMemory is set.
	Path string
	// InMemory keeps the whole database in memory. Useful for tests.
	InMemory bool
	// SyncWrites makes every commit hit disk before returning.
	SyncWrites bool
	// Logger receives badger's internal log output. Leave nil to
	// silence it.
	Logger *slog.Logger
}

// DefaultConfig returns a durable on-disk configuration.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests, without disk I/O.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// key layout, all single-keyspace with distinct prefixes
var (
	sequenceKey  = []byte("global_sequence")
	globalPrefix = []byte("global:")
)

func eventKey(aggregateID string, version core.Version) []byte {
	return append(eventPrefix(aggregateID), itob(uint64(version))...)
}

func eventPrefix(aggregateID string) []byte {
	return []byte("event:" + aggregateID + ":")
}

func tailKey(aggregateID string) []byte {
	return []byte("tail:" + aggregateID)
}

func globalKey(v core.Version) []byte {
	key := make([]byte, 0, len(globalPrefix)+8)
	key = append(key, globalPrefix...)
	return append(key, itob(uint64(v))...)
}

func snapshotKey(aggregateID string) []byte {
	return []byte("snapshot:" + aggregateID)
}

// itob returns an 8-byte big endian representation of v, keeping keys
// in numeric order.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Badger stores events under per-aggregate key prefixes plus a global
// order keyspace. Writes are serialized on a mutex so the version check
// and the puts act as one unit without transaction conflicts.
type Badger struct {
	db *badger.DB
	mu sync.Mutex
}

// Open the store with the given configuration.
func Open(cfg Config) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Badger{db: db}, nil
}

// Close the underlying database.
func (e *Badger) Close() error {
	return e.db.Close()
}

// Append commits events to the aggregate's stream as one atomic unit.
func (e *Badger) Append(_ context.Context, aggregateID string, expected core.Version, events []core.Event) (core.Version, error) {
	if err := core.ValidateEvents(aggregateID, events); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	txn := e.db.NewTransaction(true)
	defer txn.Discard()

	current, err := tailVersion(txn, aggregateID)
	if err != nil {
		return 0, err
	}
	if current != expected {
		return 0, &core.ConcurrencyError{AggregateID: aggregateID, Expected: expected, Actual: current}
	}
	if len(events) == 0 {
		return current, nil
	}

	sequence, err := counter(txn, sequenceKey)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	for i := range events {
		events[i].Stamp(aggregateID, expected+core.Version(i)+1, now)
		sequence++
		events[i].GlobalVersion = core.Version(sequence)

		value, err := json.Marshal(events[i])
		if err != nil {
			return 0, fmt.Errorf("serialize event: %w", err)
		}
		if err := txn.Set(eventKey(aggregateID, events[i].Version), value); err != nil {
			return 0, fmt.Errorf("store event: %w", err)
		}
		if err := txn.Set(globalKey(events[i].GlobalVersion), value); err != nil {
			return 0, fmt.Errorf("store global order entry: %w", err)
		}
	}
	tail := expected + core.Version(len(events))
	if err := txn.Set(tailKey(aggregateID), itob(uint64(tail))); err != nil {
		return 0, fmt.Errorf("store stream version: %w", err)
	}
	if err := txn.Set(sequenceKey, itob(sequence)); err != nil {
		return 0, fmt.Errorf("store global sequence: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return tail, nil
}

// Load returns the aggregate's full stream. Unknown aggregates yield an
// empty stream at version 0, not an error.
func (e *Badger) Load(ctx context.Context, aggregateID string) (core.Stream, error) {
	return e.LoadFrom(ctx, aggregateID, 0)
}

// LoadFrom returns the events with version greater than after. The
// stream version is the aggregate's true tail.
func (e *Badger) LoadFrom(_ context.Context, aggregateID string, after core.Version) (core.Stream, error) {
	txn := e.db.NewTransaction(false)
	defer txn.Discard()

	tail, err := tailVersion(txn, aggregateID)
	if err != nil {
		return core.Stream{}, err
	}
	stream := core.Stream{Version: tail}

	prefix := eventPrefix(aggregateID)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(eventKey(aggregateID, after+1)); it.ValidForPrefix(prefix); it.Next() {
		// keys of an aggregate whose id extends this one share the
		// prefix but differ in length
		if len(it.Item().Key()) != len(prefix)+8 {
			continue
		}
		event, err := decodeItem(it.Item())
		if err != nil {
			return core.Stream{}, err
		}
		stream.Events = append(stream.Events, event)
	}
	return stream, nil
}

// LoadByEventType scans the global order for events of the given type.
// The iterator holds a read transaction until closed.
func (e *Badger) LoadByEventType(_ context.Context, eventType string) (core.Iterator, error) {
	return e.scan(func(event core.Event) bool {
		return event.EventType == eventType
	}), nil
}

// LoadByTimeRange scans the global order for events within [start, end],
// bounds inclusive.
func (e *Badger) LoadByTimeRange(_ context.Context, start, end time.Time) (core.Iterator, error) {
	return e.scan(func(event core.Event) bool {
		return !event.Timestamp.Before(start) && !event.Timestamp.After(end)
	}), nil
}

func (e *Badger) scan(match func(core.Event) bool) core.Iterator {
	txn := e.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = globalPrefix
	return &iterator{
		txn:   txn,
		it:    txn.NewIterator(opts),
		match: match,
	}
}

// GlobalEvents returns up to count events from the global order
// beginning at position start.
func (e *Badger) GlobalEvents(_ context.Context, start core.Version, count uint64) ([]core.Event, error) {
	if count == 0 {
		return nil, nil
	}
	txn := e.db.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = globalPrefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var events []core.Event
	for it.Seek(globalKey(start)); it.ValidForPrefix(globalPrefix); it.Next() {
		event, err := decodeItem(it.Item())
		if err != nil {
			return nil, err
		}
		events = append(events, event)
		if uint64(len(events)) == count {
			break
		}
	}
	return events, nil
}

// SaveSnapshot stores the snapshot as the single live one of its
// aggregate, replacing any previous snapshot.
func (e *Badger) SaveSnapshot(_ context.Context, snapshot core.Snapshot) error {
	if snapshot.AggregateID == "" {
		return core.ErrEmptyID
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	txn := e.db.NewTransaction(true)
	defer txn.Discard()

	tail, err := tailVersion(txn, snapshot.AggregateID)
	if err != nil {
		return err
	}
	if snapshot.Version > tail {
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
	if err := txn.Set(snapshotKey(snapshot.AggregateID), value); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return txn.Commit()
}

// LoadSnapshot returns the aggregate's live snapshot, or
// core.ErrSnapshotNotFound.
func (e *Badger) LoadSnapshot(_ context.Context, aggregateID string) (core.Snapshot, error) {
	var snapshot core.Snapshot
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(aggregateID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return core.ErrSnapshotNotFound
		}
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snapshot)
		})
	})
	if err != nil {
		return core.Snapshot{}, err
	}
	return snapshot, nil
}

// tailVersion reads the aggregate's current version inside txn.
func tailVersion(txn *badger.Txn, aggregateID string) (core.Version, error) {
	v, err := counter(txn, tailKey(aggregateID))
	if err != nil {
		return 0, err
	}
	return core.Version(v), nil
}

// counter reads an 8-byte big endian value, defaulting to 0 when the
// key is absent.
func counter(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

// decodeItem deserializes the event held by a badger item.
func decodeItem(item *badger.Item) (core.Event, error) {
	value, err := item.ValueCopy(nil)
	if err != nil {
		return core.Event{}, fmt.Errorf("read event: %w", err)
	}
	var event core.Event
	if err := json.Unmarshal(value, &event); err != nil {
		return core.Event{}, fmt.Errorf("deserialize event: %w", err)
	}
	return event, nil
}
