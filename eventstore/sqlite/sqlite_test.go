package sqlite_test

import (
	"context"
	sqldriver "database/sql"
	"errors"
	"fmt"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kvisthall/eventsource/core"
	"github.com/kvisthall/eventsource/core/testsuite"
	"github.com/kvisthall/eventsource/eventstore/sqlite"
)

func TestSuite(t *testing.T) {
	f := func() (core.Store, func(), error) {
		db, err := sqldriver.Open("sqlite3", ":memory:")
		if err != nil {
			return nil, nil, fmt.Errorf("could not open sqlite database: %w", err)
		}
		// a :memory: database exists per connection, keep the pool at one
		db.SetMaxOpenConns(1)
		if err := db.Ping(); err != nil {
			return nil, nil, fmt.Errorf("could not ping database: %w", err)
		}
		es := sqlite.Open(db)
		if err := es.Migrate(context.Background()); err != nil {
			return nil, nil, fmt.Errorf("could not migrate database: %w", err)
		}
		return es, func() {
			es.Close()
		}, nil
	}
	testsuite.Test(t, f)
}

// the unique index on (aggregate_id, version) is the last line of
// defense if two appends ever slip past the version check.
func TestDuplicateVersionRejected(t *testing.T) {
	ctx := context.Background()
	db, err := sqldriver.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	es := sqlite.Open(db)
	defer es.Close()
	if err := es.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	events := []core.Event{
		{AggregateType: "Order", EventType: "OrderPlaced", Data: []byte(`{}`)},
	}
	if _, err := es.Append(ctx, "order-1", 0, events); err != nil {
		t.Fatal(err)
	}
	_, err = es.Append(ctx, "order-1", 0, []core.Event{
		{AggregateType: "Order", EventType: "OrderPlaced", Data: []byte(`{}`)},
	})
	var concurrencyErr *core.ConcurrencyError
	if !errors.As(err, &concurrencyErr) {
		t.Fatalf("expected concurrency error, got %v", err)
	}
	if concurrencyErr.Actual != 1 {
		t.Fatalf("expected actual version 1, got %d", concurrencyErr.Actual)
	}
}

func TestMigrateTwice(t *testing.T) {
	ctx := context.Background()
	db, err := sqldriver.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	es := sqlite.Open(db)
	defer es.Close()
	if err := es.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := es.Migrate(ctx); err != nil {
		t.Fatalf("migrate must be idempotent: %v", err)
	}
}
