package eventsource

import (
	"sync"

	"github.com/kvisthall/eventsource/core"
)

// EventStream handles event subscriptions and delivers committed events
// to matching subscribers. It implements the repository's Publisher.
type EventStream struct {
	// holds subscribers of all events
	allEvents []*Subscription
	// holds subscribers of specific aggregates by id
	specificAggregates map[string][]*Subscription
	// holds subscribers of specific event types
	specificEvents map[string][]*Subscription
	// makes sure events are delivered in commit order and subscriptions are persistent
	lock sync.Mutex
}

// Subscription holds the function to be called when an event matches
// and is closed to stop further deliveries.
type Subscription struct {
	f      func(e core.Event)
	closeF func()
}

// Close stops the subscription
func (s *Subscription) Close() {
	s.closeF()
}

// NewEventStream factory function
func NewEventStream() *EventStream {
	return &EventStream{
		specificAggregates: make(map[string][]*Subscription),
		specificEvents:     make(map[string][]*Subscription),
	}
}

// Notify calls the functions that are subscribing to the events. Events
// are delivered in the order they were committed.
func (e *EventStream) Notify(events []core.Event) error {
	// the lock prevents other notifies from getting mixed with this one
	e.lock.Lock()
	defer e.lock.Unlock()

	for _, event := range events {
		for _, s := range e.allEvents {
			s.f(event)
		}
		for _, s := range e.specificAggregates[event.AggregateID] {
			s.f(event)
		}
		for _, s := range e.specificEvents[event.EventType] {
			s.f(event)
		}
	}
	return nil
}

// SubscribeAll binds the f function to be called on all events
func (e *EventStream) SubscribeAll(f func(e core.Event)) *Subscription {
	e.lock.Lock()
	defer e.lock.Unlock()

	s := Subscription{f: f}
	s.closeF = func() {
		e.lock.Lock()
		defer e.lock.Unlock()

		e.allEvents = remove(e.allEvents, &s)
	}
	e.allEvents = append(e.allEvents, &s)
	return &s
}

// SubscribeAggregate binds the f function to be called on events belonging
// to the given aggregate ids
func (e *EventStream) SubscribeAggregate(f func(e core.Event), aggregateIDs ...string) *Subscription {
	e.lock.Lock()
	defer e.lock.Unlock()

	s := Subscription{f: f}
	s.closeF = func() {
		e.lock.Lock()
		defer e.lock.Unlock()

		for _, id := range aggregateIDs {
			e.specificAggregates[id] = remove(e.specificAggregates[id], &s)
		}
	}
	for _, id := range aggregateIDs {
		e.specificAggregates[id] = append(e.specificAggregates[id], &s)
	}
	return &s
}

// SubscribeEventType binds the f function to be called on events of the
// given event types
func (e *EventStream) SubscribeEventType(f func(e core.Event), eventTypes ...string) *Subscription {
	e.lock.Lock()
	defer e.lock.Unlock()

	s := Subscription{f: f}
	s.closeF = func() {
		e.lock.Lock()
		defer e.lock.Unlock()

		for _, eventType := range eventTypes {
			e.specificEvents[eventType] = remove(e.specificEvents[eventType], &s)
		}
	}
	for _, eventType := range eventTypes {
		e.specificEvents[eventType] = append(e.specificEvents[eventType], &s)
	}
	return &s
}

func remove(subs []*Subscription, s *Subscription) []*Subscription {
	for i, sub := range subs {
		if sub == s {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
