package server

import (
	"sync"

	"web/clustermap/render"
)

// DefaultEventCapacity is how many events an EventLog keeps.
const DefaultEventCapacity = 256

// LoggedEvent is a controller event with its position in the log.
type LoggedEvent struct {
	Seq uint64 `json:"seq"`
	render.Event
}

// EventLog is a render.Sink that keeps the most recent events so HTTP
// clients can read what their actions caused.
type EventLog struct {
	mu     sync.Mutex
	events []LoggedEvent
	seq    uint64
	cap    int
}

func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &EventLog{cap: capacity}
}

func (l *EventLog) Emit(e render.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.events = append(l.events, LoggedEvent{Seq: l.seq, Event: e})
	if over := len(l.events) - l.cap; over > 0 {
		l.events = append(l.events[:0], l.events[over:]...)
	}
}

// Seq returns the sequence number of the last event.
func (l *EventLog) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Since returns the retained events with a sequence number above seq.
func (l *EventLog) Since(seq uint64) []LoggedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []LoggedEvent{}
	for _, e := range l.events {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
