package sqlite

import (
	"database/sql"

	"github.com/kvisthall/eventsource/core"
)

// iterator streams events from an open query. It holds a database
// connection until closed.
type iterator struct {
	rows  *sql.Rows
	event core.Event
	err   error
	valid bool
	done  bool
}

// Next positions the iterator on the next event.
func (i *iterator) Next() bool {
	if i.done {
		return false
	}
	if !i.rows.Next() {
		i.done = true
		if err := i.rows.Err(); err != nil {
			// surface the row error through Value
			i.event = core.Event{}
			i.err = err
			i.valid = true
			return true
		}
		i.valid = false
		return false
	}
	i.event, i.err = scanEvent(i.rows)
	i.valid = true
	return true
}

// Value returns the event the iterator is positioned on.
func (i *iterator) Value() (core.Event, error) {
	if !i.valid {
		return core.Event{}, core.ErrNoMoreEvents
	}
	return i.event, i.err
}

// Close releases the underlying rows.
func (i *iterator) Close() {
	i.rows.Close()
	i.valid = false
	i.done = true
}
