package core_test

import (
	"errors"
	"testing"
	"time"

	"github.com/kvisthall/eventsource/core"
)

func TestStamp(t *testing.T) {
	now := time.Now().UTC()
	e := core.Event{AggregateType: "Order", EventType: "OrderPlaced"}
	e.Stamp("123", 1, now)

	if e.AggregateID != "123" {
		t.Errorf("expected aggregate id 123 got %q", e.AggregateID)
	}
	if e.Version != 1 {
		t.Errorf("expected version 1 got %d", e.Version)
	}
	if e.EventID == "" {
		t.Error("expected a generated event id")
	}
	if !e.Timestamp.Equal(now) {
		t.Errorf("expected timestamp %v got %v", now, e.Timestamp)
	}
}

func TestStampKeepsCallerValues(t *testing.T) {
	ts := time.Date(2021, 3, 14, 9, 26, 53, 0, time.FixedZone("CET", 3600))
	e := core.Event{EventID: "fixed", EventType: "OrderPlaced", Timestamp: ts}
	e.Stamp("123", 4, time.Now().UTC())

	if e.EventID != "fixed" {
		t.Errorf("expected caller event id to survive, got %q", e.EventID)
	}
	if !e.Timestamp.Equal(ts) {
		t.Errorf("expected caller timestamp to survive, got %v", e.Timestamp)
	}
	if e.Timestamp.Location() != time.UTC {
		t.Errorf("expected timestamp normalized to UTC, got %v", e.Timestamp.Location())
	}
}

func TestClone(t *testing.T) {
	e := core.Event{
		EventType: "OrderPlaced",
		Metadata:  map[string]string{"trace": "abc"},
		Data:      []byte(`{"total":100}`),
	}
	c := e.Clone()
	c.Data[0] = 'X'
	c.Metadata["trace"] = "mutated"

	if e.Data[0] != '{' {
		t.Error("clone shares Data with the original")
	}
	if e.Metadata["trace"] != "abc" {
		t.Error("clone shares Metadata with the original")
	}
}

func TestConcurrencyErrorMatchesSentinel(t *testing.T) {
	var err error = &core.ConcurrencyError{AggregateID: "123", Expected: 2, Actual: 5}
	if !errors.Is(err, core.ErrConcurrency) {
		t.Error("ConcurrencyError should match ErrConcurrency")
	}
	var ce *core.ConcurrencyError
	if !errors.As(err, &ce) || ce.Actual != 5 {
		t.Error("ConcurrencyError details should be extractable")
	}
}

func TestReplayErrorMatchesSentinel(t *testing.T) {
	var err error = &core.ReplayError{AggregateID: "123", Expected: 2, Got: 4}
	if !errors.Is(err, core.ErrReplayVersionGap) {
		t.Error("ReplayError should match ErrReplayVersionGap")
	}
}
