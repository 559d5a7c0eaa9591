package central

import (
	"sync"
	"time"

	"github.com/zubinjha/Zubot/central/store"
)

// eventBufferCap bounds the in-memory lifecycle event ring
const eventBufferCap = 500

// Event is one run lifecycle milestone as exposed to API consumers
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Event   string    `json:"event"`
	RunID   string    `json:"run_id"`
	TaskID  string    `json:"task_id"`
	Status  string    `json:"status,omitempty"`
	Summary string    `json:"summary,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// EventLog is a bounded ring of recent lifecycle events with live fan-out to
// subscribers. Slow subscribers drop events rather than block the emitters.
type EventLog struct {
	mu     sync.Mutex
	seq    uint64
	ring   []Event
	subs   map[int]chan Event
	nextID int
}

func NewEventLog() *EventLog {
	return &EventLog{subs: make(map[int]chan Event)}
}

// RecordRunEvent satisfies the dispatcher and heartbeat event sinks
func (l *EventLog) RecordRunEvent(event string, run *store.Run) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ev := Event{
		Seq:     l.seq,
		Time:    time.Now().UTC(),
		Event:   event,
		RunID:   run.RunID,
		TaskID:  run.ProfileID,
		Status:  string(run.Status),
		Summary: run.Summary,
		Error:   run.Error,
	}

	l.ring = append(l.ring, ev)
	if len(l.ring) > eventBufferCap {
		l.ring = l.ring[len(l.ring)-eventBufferCap:]
	}

	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Recent returns up to limit most recent events, oldest first
func (l *EventLog) Recent(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.ring) {
		limit = len(l.ring)
	}
	out := make([]Event, limit)
	copy(out, l.ring[len(l.ring)-limit:])
	return out
}

// Subscribe registers a live event channel. The returned cancel must be
// called to release the subscription.
func (l *EventLog) Subscribe() (<-chan Event, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	ch := make(chan Event, 64)
	l.subs[id] = ch

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}
