package broker

import (
	"sync"

	"github.com/comosim/comosim/pkg/metrics"
	"github.com/comosim/comosim/pkg/types"
)

// Subscriber is a channel that receives appended events
type Subscriber chan types.Event

// EventLog is the append-only record of every event the broker has
// forwarded. The broker loop is the single writer; readers take snapshots
// for /events or subscribe for a live tail (the result writer does).
type EventLog struct {
	mu          sync.RWMutex
	events      []types.Event
	subscribers map[Subscriber]bool
}

// NewEventLog creates an empty event log
func NewEventLog() *EventLog {
	return &EventLog{subscribers: make(map[Subscriber]bool)}
}

// Append records an event and hands it to every live subscriber. A
// subscriber that cannot keep up misses the event; the log itself stays
// complete.
func (l *EventLog) Append(ev types.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	size := len(l.events)
	subs := make([]Subscriber, 0, len(l.subscribers))
	for sub := range l.subscribers {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	metrics.EventLogSize.Set(float64(size))

	for _, sub := range subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Snapshot returns a copy of the log contents in append order
func (l *EventLog) Snapshot() []types.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of recorded events
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Subscribe creates a buffered live tail of future appends
func (l *EventLog) Subscribe() Subscriber {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub := make(Subscriber, 64)
	l.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a live tail and closes its channel
func (l *EventLog) Unsubscribe(sub Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subscribers[sub] {
		delete(l.subscribers, sub)
		close(sub)
	}
}

// Reset clears the log for a fresh run
func (l *EventLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
	metrics.EventLogSize.Set(0)
}
