// Package notify fans delivered notifications out to in-process watchers,
// such as the admin watch stream.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/cqnotify/driver"
	"github.com/maxpert/cqnotify/subscr"
	"github.com/maxpert/cqnotify/telemetry"
)

// defaultBufferSize is the per-watcher buffer.
// Watchers that can't keep up will have messages dropped (non-blocking send).
const defaultBufferSize = 64

// Filter selects messages for a watcher. Empty fields match everything.
type Filter struct {
	Subscriptions []string
	EventTypes    []driver.EventType
}

// watcher represents a single receiver.
type watcher struct {
	id     uint64
	filter Filter
	ch     chan *subscr.Message
	closed atomic.Bool
}

// matches checks if the message passes this watcher's filter.
func (w *watcher) matches(msg *subscr.Message) bool {
	if len(w.filter.Subscriptions) > 0 {
		found := false
		for _, name := range w.filter.Subscriptions {
			if name == msg.Subscription {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(w.filter.EventTypes) > 0 {
		for _, et := range w.filter.EventTypes {
			if et == msg.EventType {
				return true
			}
		}
		return false
	}
	return true
}

// close closes the watcher channel if not already closed.
func (w *watcher) close() {
	if w.closed.CompareAndSwap(false, true) {
		close(w.ch)
	}
}

// Hub is a thread-safe fan-out of delivered messages.
type Hub struct {
	mu         sync.RWMutex
	watchers   map[uint64]*watcher
	nextID     atomic.Uint64
	bufferSize int
	dropped    atomic.Uint64
}

// NewHub creates a hub whose watchers buffer up to bufferSize messages.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		watchers:   make(map[uint64]*watcher),
		bufferSize: bufferSize,
	}
}

// Publish sends msg to all matching watchers (non-blocking). Watchers share
// the message and must not modify it.
func (h *Hub) Publish(msg *subscr.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, w := range h.watchers {
		if !w.matches(msg) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case w.ch <- msg:
		default:
			h.dropped.Add(1)
			telemetry.HubSignalsDropped.Inc()
		}
	}
}

// Watch registers a watcher and returns its channel and cancel function.
// The cancel function is idempotent and closes the channel.
func (h *Hub) Watch(filter Filter) (<-chan *subscr.Message, func()) {
	w := &watcher{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan *subscr.Message, h.bufferSize),
	}

	h.mu.Lock()
	h.watchers[w.id] = w
	h.mu.Unlock()

	cancel := func() {
		h.unwatch(w.id)
	}

	return w.ch, cancel
}

// Watchers returns the number of registered watchers.
func (h *Hub) Watchers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// Dropped returns how many messages were dropped for slow watchers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close cancels every watcher.
func (h *Hub) Close() {
	h.mu.Lock()
	watchers := h.watchers
	h.watchers = make(map[uint64]*watcher)
	h.mu.Unlock()

	for _, w := range watchers {
		w.close()
	}
}

// unwatch removes a watcher and closes its channel.
func (h *Hub) unwatch(id uint64) {
	h.mu.Lock()
	w, ok := h.watchers[id]
	if ok {
		delete(h.watchers, id)
	}
	h.mu.Unlock()

	if ok {
		w.close()
	}
}
