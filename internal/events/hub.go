package events

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 64

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(Event)
}

// Hub fans events out to subscribers. Safe for concurrent use by many runs.
type Hub struct {
	buffer int
	onDrop func(Event)

	mu     sync.RWMutex
	nextID int
	subs   map[int]*Subscription

	dropped atomic.Int64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBuffer sets each subscriber's channel capacity.
func WithBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithDropHook registers fn to run whenever an event is dropped for a slow subscriber.
func WithDropHook(fn func(Event)) HubOption {
	return func(h *Hub) { h.onDrop = fn }
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{buffer: defaultBuffer, subs: make(map[int]*Subscription)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscription receives events for one run id, or for every run when the id is empty.
//
// Done closes when the run's terminal event could not be queued because C was
// full. Final then returns that event so the reader can still finish the stream.
type Subscription struct {
	C    <-chan Event
	Done <-chan struct{}

	hub   *Hub
	id    int
	runID string
	ch    chan Event
	once  sync.Once

	done     chan struct{}
	doneOnce sync.Once
	final    atomic.Pointer[Event]
}

// Subscribe registers a new subscriber. Close it when done.
func (h *Hub) Subscribe(runID string) *Subscription {
	ch := make(chan Event, h.buffer)
	done := make(chan struct{})
	h.mu.Lock()
	h.nextID++
	sub := &Subscription{C: ch, Done: done, hub: h, id: h.nextID, runID: runID, ch: ch, done: done}
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

// Close unregisters the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

// Final returns the terminal event that overflowed C, if any.
func (s *Subscription) Final() (Event, bool) {
	ev := s.final.Load()
	if ev == nil {
		return Event{}, false
	}
	return *ev, true
}

func (s *Subscription) finish(ev Event) {
	s.doneOnce.Do(func() {
		s.final.Store(&ev)
		close(s.done)
	})
}

// Publish delivers ev to every matching subscriber without blocking. A
// terminal event that finds a run subscriber's buffer full is handed over
// through Done instead.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.runID != "" && sub.runID != ev.RunID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			if ev.Terminal() && sub.runID != "" {
				sub.finish(ev)
				continue
			}
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop(ev)
			}
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
