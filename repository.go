package eventsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"

	"github.com/kvisthall/eventsource/core"
)

var (
	// ErrAggregateNotFound returns if no events nor snapshot are stored for the aggregate
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrUnsavedEvents returned when snapshotting an aggregate that holds unsaved events
	ErrUnsavedEvents = errors.New("aggregate holds unsaved events")

	// ErrAggregateNeedsToBeAPointer return if aggregate is sent in as value object
	ErrAggregateNeedsToBeAPointer = errors.New("aggregate needs to be a pointer")
)

type SerializeFunc func(v interface{}) ([]byte, error)
type DeserializeFunc func(data []byte, v interface{}) error

// Publisher is notified with committed events after a successful save.
type Publisher interface {
	Notify(events []core.Event) error
}

// Repository loads and saves aggregates on top of a core.Store.
type Repository struct {
	store     core.Store
	publisher Publisher

	// Serializer / Deserializer convert the aggregate state for
	// snapshots. Default is encoding/json.
	Serializer   SerializeFunc
	Deserializer DeserializeFunc

	// SnapshotEvery takes a snapshot when the aggregate version crosses a
	// multiple of the given value on save. Zero disables automatic
	// snapshots.
	SnapshotEvery core.Version

	// Logger receives warnings from best effort operations like
	// publishing and automatic snapshots. Leave nil to silence them.
	Logger *slog.Logger
}

// NewRepository factory function. The publisher may be nil.
func NewRepository(store core.Store, publisher Publisher) *Repository {
	return &Repository{
		store:        store,
		publisher:    publisher,
		Serializer:   json.Marshal,
		Deserializer: json.Unmarshal,
	}
}

func (r *Repository) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Save commits the aggregate's unsaved events as one atomic unit,
// notifies the publisher and advances the aggregate to its stored
// state. A concurrency error from the store leaves both the store and
// the aggregate's unsaved events untouched, reload and retry.
func (r *Repository) Save(ctx context.Context, a Aggregate) error {
	root := a.Root()
	previous := root.StoredVersion()
	if _, err := r.store.Append(ctx, root.ID(), previous, root.pending); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	// the store stamped ids, timestamps and global versions in place
	committed := root.Events()
	root.update()

	if r.publisher != nil {
		if err := r.publisher.Notify(committed); err != nil {
			r.log().Warn("publish committed events",
				slog.String("aggregate_id", root.ID()),
				slog.String("error", err.Error()))
		}
	}
	r.maybeSnapshot(ctx, a, previous)
	return nil
}

// maybeSnapshot stores a snapshot when the save crossed the
// SnapshotEvery cadence. Failures are logged, not returned, a missing
// snapshot only costs replay time.
func (r *Repository) maybeSnapshot(ctx context.Context, a Aggregate, previous core.Version) {
	if r.SnapshotEvery == 0 {
		return
	}
	if a.Root().Version()/r.SnapshotEvery == previous/r.SnapshotEvery {
		return
	}
	if err := r.SaveSnapshot(ctx, a); err != nil {
		r.log().Warn("snapshot aggregate",
			slog.String("aggregate_id", a.Root().ID()),
			slog.String("error", err.Error()))
	}
}

// Get builds the aggregate from its snapshot, when one exists, and the
// events stored after it.
func (r *Repository) Get(ctx context.Context, id string, a Aggregate) error {
	if reflect.ValueOf(a).Kind() != reflect.Ptr {
		return ErrAggregateNeedsToBeAPointer
	}
	root := a.Root()

	snapshot, err := r.store.LoadSnapshot(ctx, id)
	switch {
	case errors.Is(err, core.ErrSnapshotNotFound):
		// replay from the beginning
	case err != nil:
		return fmt.Errorf("load snapshot: %w", err)
	default:
		if err := r.Deserializer(snapshot.State, a); err != nil {
			return fmt.Errorf("deserialize aggregate state: %w", err)
		}
		root.setInternals(snapshot.AggregateID, snapshot.Version, snapshot.GlobalVersion)
	}

	stream, err := r.store.LoadFrom(ctx, id, root.StoredVersion())
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	if err := root.BuildFromHistory(a, stream.Events); err != nil {
		return err
	}
	if root.Version() == 0 {
		return ErrAggregateNotFound
	}
	return nil
}

// SaveSnapshot stores the aggregate state so later Gets replay only the
// events after it. The aggregate must not hold unsaved events.
func (r *Repository) SaveSnapshot(ctx context.Context, a Aggregate) error {
	root := a.Root()
	if root.UnsavedEvents() {
		return ErrUnsavedEvents
	}
	state, err := r.Serializer(a)
	if err != nil {
		return fmt.Errorf("serialize aggregate state: %w", err)
	}
	snapshot := core.Snapshot{
		AggregateID:   root.ID(),
		AggregateType: aggregateType(a),
		Version:       root.StoredVersion(),
		GlobalVersion: root.GlobalVersion(),
		State:         state,
	}
	if err := r.store.SaveSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}
