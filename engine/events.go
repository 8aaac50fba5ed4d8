package engine

import (
	"sync"
	"time"

	"github.com/jmcleod/ironsession/session"
)

// Event is a lifecycle notification. The concrete types are Warning,
// Ended and ActivityRecorded.
type Event interface {
	EventName() string
}

// Warning is emitted once when the session enters the idle warning window.
type Warning struct {
	Remaining time.Duration
}

// Ended is emitted once when the session stops being active.
type Ended struct {
	Reason session.EndReason
}

// ActivityRecorded is emitted for every activity accepted locally.
type ActivityRecorded struct {
	Activity session.Activity
}

func (Warning) EventName() string          { return "warning" }
func (Ended) EventName() string            { return "ended" }
func (ActivityRecorded) EventName() string { return "activity" }

// Events fans lifecycle events out to subscribers. Handlers run on the
// goroutine that produced the event, never with coordinator locks held.
type Events struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(Event)
	order    []int
}

func newEvents() *Events {
	return &Events{handlers: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (e *Events) Subscribe(fn func(Event)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = fn
	e.order = append(e.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.handlers, id)
			for i, v := range e.order {
				if v == id {
					e.order = append(e.order[:i], e.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (e *Events) emit(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.handlers[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
