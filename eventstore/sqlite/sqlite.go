// Package sqlite holds a core.Store backed by a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kvisthall/eventsource/core"
)

// columns is the select list every event query uses, in scanEvent order.
const columns = "global_version, event_id, aggregate_id, aggregate_type, event_type, version, timestamp, caused_by, correlation_id, metadata, data"

// SQLite stores events in a single table with an autoincrement primary
// key providing the global commit order, and snapshots in a table keyed
// by aggregate id. Appends are serialized on a mutex so the version
// check and the inserts act as one unit.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// Open the store on top of the given database handle. Call Migrate
// before first use.
func Open(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// Close the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Append commits events to the aggregate's stream as one atomic unit.
func (s *SQLite) Append(ctx context.Context, aggregateID string, expected core.Version, events []core.Event) (core.Version, error) {
	if err := core.ValidateEvents(aggregateID, events); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	current, err := streamVersion(ctx, tx, aggregateID)
	if err != nil {
		return 0, err
	}
	if current != expected {
		return 0, &core.ConcurrencyError{AggregateID: aggregateID, Expected: expected, Actual: current}
	}
	if len(events) == 0 {
		return current, nil
	}

	insert, err := tx.PrepareContext(ctx, `insert into events (event_id, aggregate_id, aggregate_type, event_type, version, timestamp, caused_by, correlation_id, metadata, data) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer insert.Close()

	now := time.Now().UTC()
	for i := range events {
		events[i].Stamp(aggregateID, expected+core.Version(i)+1, now)
		metadata := ""
		if len(events[i].Metadata) > 0 {
			b, err := json.Marshal(events[i].Metadata)
			if err != nil {
				return 0, fmt.Errorf("serialize metadata: %w", err)
			}
			metadata = string(b)
		}
		res, err := insert.ExecContext(ctx,
			events[i].EventID,
			events[i].AggregateID,
			events[i].AggregateType,
			events[i].EventType,
			int64(events[i].Version),
			events[i].Timestamp.UnixNano(),
			events[i].CausedBy,
			events[i].CorrelationID,
			metadata,
			events[i].Data,
		)
		if err != nil {
			return 0, fmt.Errorf("store event: %w", err)
		}
		globalVersion, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("read global version: %w", err)
		}
		events[i].GlobalVersion = core.Version(globalVersion)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return expected + core.Version(len(events)), nil
}

// Load returns the aggregate's full stream. Unknown aggregates yield an
// empty stream at version 0, not an error.
func (s *SQLite) Load(ctx context.Context, aggregateID string) (core.Stream, error) {
	return s.LoadFrom(ctx, aggregateID, 0)
}

// LoadFrom returns the events with version greater than after. The
// stream version is the aggregate's true tail.
func (s *SQLite) LoadFrom(ctx context.Context, aggregateID string, after core.Version) (core.Stream, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Stream{}, fmt.Errorf("begin load: %w", err)
	}
	defer tx.Rollback()

	tail, err := streamVersion(ctx, tx, aggregateID)
	if err != nil {
		return core.Stream{}, err
	}
	stream := core.Stream{Version: tail}

	rows, err := tx.QueryContext(ctx, `select `+columns+` from events where aggregate_id = ? and version > ? order by version asc`, aggregateID, int64(after))
	if err != nil {
		return core.Stream{}, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return core.Stream{}, err
		}
		stream.Events = append(stream.Events, event)
	}
	if err := rows.Err(); err != nil {
		return core.Stream{}, err
	}
	return stream, nil
}

// LoadByEventType returns an iterator over all events of the given type
// in global commit order.
func (s *SQLite) LoadByEventType(ctx context.Context, eventType string) (core.Iterator, error) {
	rows, err := s.db.QueryContext(ctx, `select `+columns+` from events where event_type = ? order by global_version asc`, eventType)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return &iterator{rows: rows}, nil
}

// LoadByTimeRange returns an iterator over the events within
// [start, end], bounds inclusive, in global commit order.
func (s *SQLite) LoadByTimeRange(ctx context.Context, start, end time.Time) (core.Iterator, error) {
	rows, err := s.db.QueryContext(ctx, `select `+columns+` from events where timestamp >= ? and timestamp <= ? order by global_version asc`, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return &iterator{rows: rows}, nil
}

// GlobalEvents returns up to count events from the global order
// beginning at position start.
func (s *SQLite) GlobalEvents(ctx context.Context, start core.Version, count uint64) ([]core.Event, error) {
	if count == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `select `+columns+` from events where global_version >= ? order by global_version asc limit ?`, int64(start), int64(count))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var events []core.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// SaveSnapshot stores the snapshot as the single live one of its
// aggregate, replacing any previous snapshot.
func (s *SQLite) SaveSnapshot(ctx context.Context, snapshot core.Snapshot) error {
	if snapshot.AggregateID == "" {
		return core.ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot save: %w", err)
	}
	defer tx.Rollback()

	tail, err := streamVersion(ctx, tx, snapshot.AggregateID)
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

	_, err = tx.ExecContext(ctx, `insert or replace into snapshots (aggregate_id, aggregate_type, version, global_version, timestamp, state) values (?, ?, ?, ?, ?, ?)`,
		snapshot.AggregateID,
		snapshot.AggregateType,
		int64(snapshot.Version),
		int64(snapshot.GlobalVersion),
		snapshot.Timestamp.UnixNano(),
		snapshot.State,
	)
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return tx.Commit()
}

// LoadSnapshot returns the aggregate's live snapshot, or
// core.ErrSnapshotNotFound.
func (s *SQLite) LoadSnapshot(ctx context.Context, aggregateID string) (core.Snapshot, error) {
	var version, globalVersion, timestamp int64
	var aggregateType string
	var state []byte
	err := s.db.QueryRowContext(ctx, `select aggregate_type, version, global_version, timestamp, state from snapshots where aggregate_id = ?`, aggregateID).
		Scan(&aggregateType, &version, &globalVersion, &timestamp, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Snapshot{}, core.ErrSnapshotNotFound
	}
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return core.Snapshot{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       core.Version(version),
		GlobalVersion: core.Version(globalVersion),
		Timestamp:     time.Unix(0, timestamp).UTC(),
		State:         state,
	}, nil
}

// streamVersion reads the aggregate's current version inside tx.
func streamVersion(ctx context.Context, tx *sql.Tx, aggregateID string) (core.Version, error) {
	var version int64
	if err := tx.QueryRowContext(ctx, `select coalesce(max(version), 0) from events where aggregate_id = ?`, aggregateID).Scan(&version); err != nil {
		return 0, fmt.Errorf("read stream version: %w", err)
	}
	return core.Version(version), nil
}

// scanEvent reads one event from the current row, expecting the columns
// select list.
func scanEvent(rows *sql.Rows) (core.Event, error) {
	var globalVersion, version, timestamp int64
	var eventID, aggregateID, aggregateType, eventType, causedBy, correlationID, metadata string
	var data []byte
	if err := rows.Scan(&globalVersion, &eventID, &aggregateID, &aggregateType, &eventType, &version, &timestamp, &causedBy, &correlationID, &metadata, &data); err != nil {
		return core.Event{}, fmt.Errorf("scan event: %w", err)
	}
	event := core.Event{
		EventID:       eventID,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Version:       core.Version(version),
		GlobalVersion: core.Version(globalVersion),
		Timestamp:     time.Unix(0, timestamp).UTC(),
		CausedBy:      causedBy,
		CorrelationID: correlationID,
		Data:          data,
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &event.Metadata); err != nil {
			return core.Event{}, fmt.Errorf("deserialize metadata: %w", err)
		}
	}
	return event, nil
}
