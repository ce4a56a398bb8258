package bbolt

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/kvisthall/eventsource/core"
)

// iterator walks the global order bucket inside a read transaction and
// surfaces the events accepted by match.
type iterator struct {
	tx      *bbolt.Tx
	cursor  *bbolt.Cursor
	match   func(core.Event) bool
	started bool
	done    bool
	value   []byte
}

// Next positions the iterator on the next matching event.
func (i *iterator) Next() bool {
	if i.done {
		return false
	}
	var k, v []byte
	if i.started {
		k, v = i.cursor.Next()
	} else {
		k, v = i.cursor.First()
		i.started = true
	}
	for ; k != nil; k, v = i.cursor.Next() {
		var event core.Event
		if err := json.Unmarshal(v, &event); err != nil {
			// keep the raw value so Value can surface the error
			i.value = v
			return true
		}
		if i.match(event) {
			i.value = v
			return true
		}
	}
	i.done = true
	i.value = nil
	return false
}

// Value returns the event the iterator is positioned on.
func (i *iterator) Value() (core.Event, error) {
	if i.value == nil {
		return core.Event{}, core.ErrNoMoreEvents
	}
	var event core.Event
	if err := json.Unmarshal(i.value, &event); err != nil {
		return core.Event{}, fmt.Errorf("deserialize event: %w", err)
	}
	return event, nil
}

// Close releases the read transaction.
func (i *iterator) Close() {
	i.tx.Rollback()
	i.done = true
	i.value = nil
}
