package subscr

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/cqnotify/telemetry"
	"github.com/rs/zerolog/log"
)

// pendingMessage is one copied notification waiting for the consumer.
type pendingMessage struct {
	next     *pendingMessage
	block    []byte
	received time.Time
}

// mailbox is the reference counted hand-off between the driver's delivery
// goroutine and the consumer goroutine. refs, closed and the queue are only
// touched under mu, and critical sections never run the handler or allocate.
type mailbox struct {
	name    string
	subID   uint64
	handler Handler
	wake    waker

	mu        sync.Mutex
	refs      int
	closed    bool
	destroyed bool
	destroys  int
	head      *pendingMessage
	tail      **pendingMessage
	pending   int

	received  atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// newMailbox allocates a mailbox holding one reference.
func newMailbox(name string, handler Handler, wakeKind string) (*mailbox, error) {
	w, err := newWaker(wakeKind)
	if err != nil {
		return nil, err
	}
	m := &mailbox{
		name:    name,
		handler: handler,
		wake:    w,
		refs:    1,
	}
	m.tail = &m.head
	return m, nil
}

func (m *mailbox) acquire() {
	m.mu.Lock()
	if m.refs <= 0 {
		m.mu.Unlock()
		panic("subscr: acquire on destroyed mailbox")
	}
	m.refs++
	m.mu.Unlock()
}

// release drops one reference and returns the remaining count. The caller
// that observes zero destroys the mailbox.
func (m *mailbox) release() int {
	m.mu.Lock()
	if m.refs <= 0 {
		m.mu.Unlock()
		panic("subscr: mailbox released more times than acquired")
	}
	m.refs--
	remaining := m.refs
	var orphans *pendingMessage
	if remaining == 0 {
		orphans = m.head
		m.head = nil
		m.tail = &m.head
		m.pending = 0
		m.closed = true
		m.destroyed = true
		m.destroys++
	}
	m.mu.Unlock()

	if remaining == 0 {
		m.destroy(orphans)
	}
	return remaining
}

func (m *mailbox) destroy(orphans *pendingMessage) {
	discarded := 0
	for pm := orphans; pm != nil; pm = pm.next {
		discarded++
	}
	if discarded > 0 {
		m.drop(dropDiscarded, discarded)
	}
	if err := m.wake.close(); err != nil {
		log.Warn().Err(err).Str("subscription", m.name).Msg("Failed to close wake primitive")
	}
	log.Debug().Str("subscription", m.name).Int("discarded", discarded).Msg("Mailbox destroyed")
}

// markClosed flags shutdown and wakes the consumer so it can drain and exit.
func (m *mailbox) markClosed() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake.signal()
}

// enqueue appends pm at the tail. A closed mailbox still accepts messages
// so the draining consumer picks them up; only a destroyed one drops pm and
// returns false.
func (m *mailbox) enqueue(pm *pendingMessage) bool {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		m.drop(dropDestroyed, 1)
		return false
	}
	*m.tail = pm
	m.tail = &pm.next
	m.pending++
	m.mu.Unlock()

	m.wake.signal()
	return true
}

// detach takes the whole queue, leaving it empty, together with the closed
// flag observed in the same critical section.
func (m *mailbox) detach() (*pendingMessage, bool) {
	m.mu.Lock()
	batch := m.head
	m.head = nil
	m.tail = &m.head
	m.pending = 0
	closed := m.closed
	m.mu.Unlock()
	return batch, closed
}

func (m *mailbox) drop(reason string, n int) {
	m.dropped.Add(uint64(n))
	telemetry.NotificationsDropped.With(m.name, reason).Add(float64(n))
}

// Stats is a point in time view of a subscription's counters.
type Stats struct {
	Received  uint64 `json:"received"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Pending   int    `json:"pending"`
}

func (m *mailbox) stats() Stats {
	m.mu.Lock()
	pending := m.pending
	m.mu.Unlock()
	return Stats{
		Received:  m.received.Load(),
		Dropped:   m.dropped.Load(),
		Delivered: m.delivered.Load(),
		Failed:    m.failed.Load(),
		Pending:   pending,
	}
}
