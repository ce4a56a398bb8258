// Package testsuite verifies the core.Store contract. Every store
// backend runs the same suite from its own test package.
package testsuite

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/kvisthall/eventsource/core"
)

var seededRand = rand.New(rand.NewSource(time.Now().UnixNano()))

// AggregateID returns a random aggregate id so suite runs never collide
// on shared databases.
func AggregateID() string {
	return fmt.Sprintf("%d", seededRand.Intn(999999999999))
}

type storeFunc = func() (core.Store, func(), error)

const aggregateType = "Order"

var timestamp = time.Now()

func testEvents(aggregateID string) []core.Event {
	return []core.Event{
		{AggregateID: aggregateID, AggregateType: aggregateType, EventType: "OrderPlaced", Timestamp: timestamp, CausedBy: "agent-7", Metadata: map[string]string{"channel": "web"}, Data: []byte(`{"total":100}`)},
		{AggregateID: aggregateID, AggregateType: aggregateType, EventType: "ItemAdded", Timestamp: timestamp, Data: []byte(`{"sku":"a"}`)},
		{AggregateID: aggregateID, AggregateType: aggregateType, EventType: "ItemAdded", Timestamp: timestamp, Data: []byte(`{"sku":"b"}`)},
	}
}

func testEventsPartTwo(aggregateID string) []core.Event {
	return []core.Event{
		{AggregateID: aggregateID, AggregateType: aggregateType, EventType: "OrderShipped", Timestamp: timestamp, Data: []byte(`{"carrier":"dhl"}`)},
		{AggregateID: aggregateID, AggregateType: aggregateType, EventType: "OrderClosed", Timestamp: timestamp, Data: []byte(`{}`)},
	}
}

// Test runs the acceptance suite against the stores produced by fn.
func Test(t *testing.T, fn storeFunc) {
	tests := []struct {
		title string
		run   func(es core.Store) error
	}{
		{"should append and load events", appendAndLoadEvents},
		{"should load events after version", loadEventsAfterVersion},
		{"should return empty stream for unknown aggregate", loadUnknownAggregate},
		{"should reject append with stale expected version", appendStaleExpectedVersion},
		{"should reject append with expected version ahead", appendExpectedVersionAhead},
		{"should run the version check on empty batches", appendEmptyBatch},
		{"should reject incoherent batches untouched", appendRejectsInvalidBatch},
		{"should stamp events in place", appendStampsEvents},
		{"should allow exactly one concurrent winner", appendConcurrentSingleWinner},
		{"should append and load concurrently on distinct aggregates", appendAndLoadConcurrently},
		{"should keep a global order spanning aggregates", globalOrderSpansAggregates},
		{"should scan events by type", loadEventsByType},
		{"should scan events by time range", loadEventsByTimeRange},
		{"should save and overwrite snapshots", saveAndLoadSnapshot},
		{"should report missing snapshots", snapshotMissing},
		{"should reject snapshots ahead of the stream", snapshotVersionAhead},
	}

	for _, test := range tests {
		t.Run(test.title, func(t *testing.T) {
			es, closeFunc, err := fn()
			if err != nil {
				t.Fatal(err)
			}
			err = test.run(es)
			if err != nil {
				// make use of t.Error instead of t.Fatal to make sure the closeFunc is executed
				t.Error(err)
			}
			closeFunc()
		})
	}
}

func appendAndLoadEvents(es core.Store) error {
	ctx := context.Background()
	aggregateID := AggregateID()
	events := testEvents(aggregateID)

	version, err := es.Append(ctx, aggregateID, 0, events)
	if err != nil {
		return err
	}
	if version != 3 {
		return fmt.Errorf("expected tail version 3 got %d", version)
	}

	stream, err := es.Load(ctx, aggregateID)
	if err != nil {
		return err
	}
	if len(stream.Events) != 3 {
		return fmt.Errorf("expected 3 events got %d", len(stream.Events))
	}
	if stream.Version != 3 {
		return fmt.Errorf("expected stream version 3 got %d", stream.Version)
	}
	for i, event := range stream.Events {
		if event.Version != core.Version(i+1) {
			return fmt.Errorf("expected contiguous versions got %d at %d", event.Version, i)
		}
		if event.AggregateID != aggregateID {
			return errors.New("wrong aggregate id on loaded event")
		}
		if event.AggregateType != aggregateType {
			return errors.New("wrong aggregate type on loaded event")
		}
		if event.EventID == "" {
			return errors.New("expected a stamped event id")
		}
	}
	if stream.Events[0].EventType != "OrderPlaced" {
		return errors.New("wrong event type on loaded event")
	}
	if stream.Events[0].CausedBy != "agent-7" {
		return errors.New("caused by should pass through unvalidated")
	}
	if stream.Events[0].Metadata["channel"] != "web" {
		return errors.New("metadata should round trip")
	}
	if string(stream.Events[0].Data) != `{"total":100}` {
		return errors.New("payload should round trip byte for byte")
	}

	// extend the stream using the returned tail as the expected version
	version, err = es.Append(ctx, aggregateID, version, testEventsPartTwo(aggregateID))
	if err != nil {
		return err
	}
	if version != 5 {
		return fmt.Errorf("expected tail version 5 got %d", version)
	}
	stream, err = es.Load(ctx, aggregateID)
	if err != nil {
		return err
	}
	if len(stream.Events) != 5 || stream.Version != 5 {
		return fmt.Errorf("expected full stream of 5 got %d events at version %d", len(stream.Events), stream.Version)
	}
	return nil
}

func loadEventsAfterVersion(es core.Store) error {
	ctx := context.Background()
	aggregateID := AggregateID()
	if _, err := es.Append(ctx, aggregateID, 0, testEvents(aggregateID)); err != nil {
		return err
	}
	if _, err := es.Append(ctx, aggregateID, 3, testEventsPartTwo(aggregateID)); err != nil {
		return err
	}

	stream, err := es.LoadFrom(ctx, aggregateID, 3)
	if err != nil {
		return err
	}
	if len(stream.Events) != 2 {
		return fmt.Errorf("expected 2 events after version 3 got %d", len(stream.Events))
	}
	if stream.Events[0].Version != 4 {
		return fmt.Errorf("expected first version 4 got %d", stream.Events[0].Version)
	}
	// the version marker is the true tail, not the suffix length
	if stream.Version != 5 {
		return fmt.Errorf("expected stream version 5 got %d", stream.Version)
	}

	// a suffix beyond the tail is empty but still reports the tail
	stream, err = es.LoadFrom(ctx, aggregateID, 9)
	if err != nil {
		return err
	}
	if len(stream.Events) != 0 || stream.Version != 5 {
		return fmt.Errorf("expected empty suffix at version 5 got %d events at %d", len(stream.Events), stream.Version)
	}
	return nil
}

func loadUnknownAggregate(es core.Store) error {
	ctx := context.Background()
	stream, err := es.Load(ctx, AggregateID())
	if err != nil {
		return err
	}
	if len(stream.Events) != 0 || stream.Version != 0 {
		return errors.New("expected empty stream at version 0 for unknown aggregate")
	}
	stream, err = es.LoadFrom(ctx, AggregateID(), 2)
	if err != nil {
		return err
	}
	if len(stream.Events) != 0 || stream.Version != 0 {
		return errors.New("expected empty suffix at version 0 for unknown aggregate")
	}
	return nil
}

func appendStaleExpectedVersion(es core.Store) error {
	ctx := context.Background()
	aggregateID := AggregateID()
	if _, err := es.Append(ctx, aggregateID, 0, testEvents(aggregateID)); err != nil {
		return err
	}

	_, err := es.Append(ctx, aggregateID, 1, testEventsPartTwo(aggregateID))
	if !errors.Is(err, core.ErrConcurrency) {
		return fmt.Errorf("expected concurrency error got %v", err)
	}
	var ce *core.ConcurrencyError
	if !errors.As(err, &ce) {
		return errors.New("expected a *ConcurrencyError")
	}
	if ce.Expected != 1 || ce.Actual != 3 || ce.AggregateID != aggregateID {
		return fmt.Errorf("wrong conflict details: %+v", ce)
	}

	// the failed append must not have touched the stream
	stream, err := es.Load(ctx, aggregateID)
	if err != nil {
		return err
	}
	if len(stream.Events) != 3 || stream.Version != 3 {
		return errors.New("failed append mutated the stream")
	}
	return nil
}

func appendExpectedVersionAhead(es core.Store) error {
	ctx := context.Background()
	aggregateID := AggregateID()
	_, err := es.Append(ctx, aggregateID, 2, testEvents(aggregateID))
	if !errors.Is(err, core.ErrConcurrency) {
		return fmt.Errorf("expected concurrency error got %v", err)
	}
	var ce *core.ConcurrencyError
	if !errors.As(err, &ce) {
		return errors.New("expected a *ConcurrencyError")
	}
	if ce.Actual != 0 {
		return fmt.Errorf("expected actual version 0 got %d", ce.Actual)
	}
	return nil
}

func appendEmptyBatch(es core.Store) error {
	ctx := context.Background()
	aggregateID := AggregateID()

	version, err := es.Append(ctx, aggregateID, 0, nil)
	if err != nil {
		return err
	}
	if version != 0 {
		return fmt.Errorf("expected tail 0 got %d", version)
	}

	if _, err := es.Append(ctx, aggregateID, 0, testEvents(aggregateID)); err != nil {
		return err
	}
	version, err = es.Append(ctx, aggregateID, 3, nil)
	if err != nil {
		return err
	}
	if version != 3 {
		return fmt.Errorf("expected tail 3 got %d", version)
	}

	// the check is as strict without events as with them
	_, err = es.Append(ctx, aggregateID, 1, nil)
	if !errors.Is(err, core.ErrConcurrency) {
		return fmt.Errorf("expected concurrency error got %v", err)
	}
	return nil
}

func appendRejectsInvalidBatch(es core.Store) error {
	ctx := context.Background()
	aggregateID := AggregateID()

	events := testEvents(aggregateID)
	events[1].AggregateID = "someone-else"
	_, err := es.Append(ctx, aggregateID, 0, events)
	if !errors.Is(err, core.ErrEventMultipleAggregates) {
		return fmt.Errorf("expected ErrEventMultipleAggregates got %v", err)
	}

	events = testEvents(aggregateID)
	events[2].EventType = ""
	_, err = es.Append(ctx, aggregateID, 0, events)
	if !errors.Is(err, core.ErrEventTypeMissing) {
		return fmt.Errorf("expected ErrEventTypeMissing got %v", err)
	}

	_, err = es.Append(ctx, "", 0, testEvents(""))
	if !errors.Is(err, core.ErrEmptyID) {
		return fmt.Errorf("expected ErrEmptyID got %v", err)
	}

	// nothing from the rejected batches may be visible
	stream, err := es.Load(ctx, aggregateID)
	if err != nil {
		return err
	}
	if len(stream.Events) != 0 {
		return errors.New("rejected batch left events behind")
	}
	return nil
}

func appendStampsEvents(es core.Store) error {
	ctx := context.Background()
	aggregateID := AggregateID()
	events := []core.Event{
		{AggregateType: aggregateType, EventType: "OrderPlaced", Data: []byte(`{}`)},
		{AggregateType: aggregateType, EventType: "ItemAdded", Data: []byte(`{}`)},
	}
	if _, err := es.Append(ctx, aggregateID, 0, events); err != nil {
		return err
	}
	for i, event := range events {
		if event.AggregateID != aggregateID {
			return errors.New("expected aggregate id stamped on the passed slice")
		}
		if event.Version != core.Version(i+1) {
			return fmt.Errorf("expected version %d stamped got %d", i+1, event.Version)
		}
		if event.GlobalVersion == 0 {
			return errors.New("expected global version stamped on the passed slice")
		}
		if event.EventID == "" {
			return errors.New("expected event id stamped on the passed slice")
		}
		if event.Timestamp.IsZero() {
			return errors.New("expected timestamp stamped on the passed slice")
		}
	}
	return nil
}

func appendConcurrentSingleWinner(es core.Store) error {
	ctx := context.Background()
	aggregateID := AggregateID()
	if _, err := es.Append(ctx, aggregateID, 0, testEvents(aggregateID)); err != nil {
		return err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts int
	var unexpected error

	wg.Add(8)
	for i := 0; i < 8; i++ {
		go func() {
			defer wg.Done()
			_, err := es.Append(ctx, aggregateID, 3, testEventsPartTwo(aggregateID))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, core.ErrConcurrency):
				conflicts++
			default:
				unexpected = err
			}
		}()
	}
	wg.Wait()

	if unexpected != nil {
		return unexpected
	}
	if wins != 1 || conflicts != 7 {
		return fmt.Errorf("expected exactly one winner got %d wins %d conflicts", wins, conflicts)
	}
	stream, err := es.Load(ctx, aggregateID)
	if err != nil {
		return err
	}
	if stream.Version != 5 {
		return fmt.Errorf("expected tail 5 after contested append got %d", stream.Version)
	}
	for i, event := range stream.Events {
		if event.Version != core.Version(i+1) {
			return errors.New("contested append broke version contiguity")
		}
	}
	return nil
}

func appendAndLoadConcurrently(es core.Store) error {
	ctx := context.Background()
	aggregateID := AggregateID()
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	wg.Add(10)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("%s-%d", aggregateID, i)
		go func() {
			defer wg.Done()
			if _, err := es.Append(ctx, id, 0, testEvents(id)); err != nil {
				fail(err)
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	wg.Add(10)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("%s-%d", aggregateID, i)
		go func() {
			defer wg.Done()
			stream, err := es.Load(ctx, id)
			if err != nil {
				fail(err)
				return
			}
			if len(stream.Events) != 3 {
				fail(fmt.Errorf("wrong number of events fetched, expecting 3 got %d", len(stream.Events)))
			}
		}()
	}
	wg.Wait()
	return firstErr
}

func globalOrderSpansAggregates(es core.Store) error {
	ctx := context.Background()
	first := AggregateID()
	second := AggregateID()

	firstEvents := testEvents(first)
	if _, err := es.Append(ctx, first, 0, firstEvents); err != nil {
		return err
	}
	secondEvents := testEvents(second)
	if _, err := es.Append(ctx, second, 0, secondEvents); err != nil {
		return err
	}

	if firstEvents[len(firstEvents)-1].GlobalVersion == 0 {
		return errors.New("expected global version stamped on append")
	}
	if secondEvents[0].GlobalVersion <= firstEvents[len(firstEvents)-1].GlobalVersion {
		return errors.New("expected the later commit to take a larger global version")
	}

	events, err := es.GlobalEvents(ctx, firstEvents[0].GlobalVersion, 6)
	if err != nil {
		return err
	}
	if len(events) != 6 {
		return fmt.Errorf("expected 6 events from the global order got %d", len(events))
	}
	var last core.Version
	for _, event := range events {
		if event.GlobalVersion <= last {
			return errors.New("global order not strictly increasing")
		}
		last = event.GlobalVersion
	}

	events, err = es.GlobalEvents(ctx, last+1, 6)
	if err != nil {
		return err
	}
	if len(events) != 0 {
		return errors.New("expected no events past the global tail")
	}
	return nil
}

func loadEventsByType(es core.Store) error {
	ctx := context.Background()
	first := AggregateID()
	second := AggregateID()
	if _, err := es.Append(ctx, first, 0, testEvents(first)); err != nil {
		return err
	}
	if _, err := es.Append(ctx, second, 0, testEvents(second)); err != nil {
		return err
	}

	iterator, err := es.LoadByEventType(ctx, "ItemAdded")
	if err != nil {
		return err
	}
	defer iterator.Close()

	var fetched []core.Event
	for iterator.Next() {
		event, err := iterator.Value()
		if err != nil {
			return err
		}
		fetched = append(fetched, event)
	}
	if len(fetched) != 4 {
		return fmt.Errorf("expected 4 ItemAdded events got %d", len(fetched))
	}
	var last core.Version
	for _, event := range fetched {
		if event.EventType != "ItemAdded" {
			return errors.New("scan returned a foreign event type")
		}
		if event.GlobalVersion <= last {
			return errors.New("type scan must follow global order")
		}
		last = event.GlobalVersion
	}
	return nil
}

func loadEventsByTimeRange(es core.Store) error {
	ctx := context.Background()
	aggregateID := AggregateID()
	base := time.Date(2024, 11, 2, 12, 0, 0, 0, time.UTC)
	events := []core.Event{
		{AggregateType: aggregateType, EventType: "OrderPlaced", Timestamp: base, Data: []byte(`{}`)},
		{AggregateType: aggregateType, EventType: "ItemAdded", Timestamp: base.Add(time.Minute), Data: []byte(`{}`)},
		{AggregateType: aggregateType, EventType: "ItemAdded", Timestamp: base.Add(2 * time.Minute), Data: []byte(`{}`)},
		{AggregateType: aggregateType, EventType: "OrderShipped", Timestamp: base.Add(time.Hour), Data: []byte(`{}`)},
	}
	if _, err := es.Append(ctx, aggregateID, 0, events); err != nil {
		return err
	}

	// bounds are inclusive on both ends
	iterator, err := es.LoadByTimeRange(ctx, base.Add(time.Minute), base.Add(2*time.Minute))
	if err != nil {
		return err
	}
	defer iterator.Close()

	var fetched []core.Event
	for iterator.Next() {
		event, err := iterator.Value()
		if err != nil {
			return err
		}
		fetched = append(fetched, event)
	}
	if len(fetched) != 2 {
		return fmt.Errorf("expected 2 events in range got %d", len(fetched))
	}
	if fetched[0].Version != 2 || fetched[1].Version != 3 {
		return errors.New("wrong events in time range")
	}
	return nil
}

func saveAndLoadSnapshot(es core.Store) error {
	ctx := context.Background()
	aggregateID := AggregateID()
	if _, err := es.Append(ctx, aggregateID, 0, testEvents(aggregateID)); err != nil {
		return err
	}

	snapshot := core.Snapshot{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       2,
		State:         []byte(`{"total":100,"items":["a"]}`),
	}
	if err := es.SaveSnapshot(ctx, snapshot); err != nil {
		return err
	}

	loaded, err := es.LoadSnapshot(ctx, aggregateID)
	if err != nil {
		return err
	}
	if loaded.Version != 2 {
		return fmt.Errorf("expected snapshot version 2 got %d", loaded.Version)
	}
	if loaded.AggregateType != aggregateType {
		return errors.New("wrong aggregate type on snapshot")
	}
	if string(loaded.State) != `{"total":100,"items":["a"]}` {
		return errors.New("snapshot state should round trip byte for byte")
	}
	if loaded.Timestamp.IsZero() {
		return errors.New("expected snapshot timestamp stamped")
	}

	// latest overwrite wins
	snapshot.Version = 3
	snapshot.State = []byte(`{"total":100,"items":["a","b"]}`)
	if err := es.SaveSnapshot(ctx, snapshot); err != nil {
		return err
	}
	loaded, err = es.LoadSnapshot(ctx, aggregateID)
	if err != nil {
		return err
	}
	if loaded.Version != 3 {
		return fmt.Errorf("expected overwritten snapshot version 3 got %d", loaded.Version)
	}
	return nil
}

func snapshotMissing(es core.Store) error {
	_, err := es.LoadSnapshot(context.Background(), AggregateID())
	if !errors.Is(err, core.ErrSnapshotNotFound) {
		return fmt.Errorf("expected ErrSnapshotNotFound got %v", err)
	}
	return nil
}

func snapshotVersionAhead(es core.Store) error {
	ctx := context.Background()
	aggregateID := AggregateID()
	if _, err := es.Append(ctx, aggregateID, 0, testEvents(aggregateID)); err != nil {
		return err
	}

	err := es.SaveSnapshot(ctx, core.Snapshot{AggregateID: aggregateID, AggregateType: aggregateType, Version: 9, State: []byte(`{}`)})
	if !errors.Is(err, core.ErrSnapshotVersionAhead) {
		return fmt.Errorf("expected ErrSnapshotVersionAhead got %v", err)
	}

	err = es.SaveSnapshot(ctx, core.Snapshot{AggregateType: aggregateType, Version: 1, State: []byte(`{}`)})
	if !errors.Is(err, core.ErrEmptyID) {
		return fmt.Errorf("expected ErrEmptyID got %v", err)
	}
	return nil
}
