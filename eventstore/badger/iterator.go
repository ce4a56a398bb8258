package badger

import (
	"github.com/dgraph-io/badger/v4"

	"github.com/kvisthall/eventsource/core"
)

// iterator walks the global order keyspace inside a read transaction
// and surfaces the events accepted by match.
type iterator struct {
	txn     *badger.Txn
	it      *badger.Iterator
	match   func(core.Event) bool
	started bool
	done    bool
	event   core.Event
	err     error
	valid   bool
}

// Next positions the iterator on the next matching event.
func (i *iterator) Next() bool {
	if i.done {
		return false
	}
	if i.started {
		i.it.Next()
	} else {
		i.it.Rewind()
		i.started = true
	}
	for ; i.it.ValidForPrefix(globalPrefix); i.it.Next() {
		event, err := decodeItem(i.it.Item())
		if err != nil {
			// surface the error through Value
			i.event, i.err, i.valid = core.Event{}, err, true
			return true
		}
		if i.match(event) {
			i.event, i.err, i.valid = event, nil, true
			return true
		}
	}
	i.done = true
	i.valid = false
	return false
}

// Value returns the event the iterator is positioned on.
func (i *iterator) Value() (core.Event, error) {
	if !i.valid {
		return core.Event{}, core.ErrNoMoreEvents
	}
	return i.event, i.err
}

// Close releases the badger iterator and its read transaction.
func (i *iterator) Close() {
	i.it.Close()
	i.txn.Discard()
	i.valid = false
	i.done = true
}
