// Package simulated provides an in-process driver.Conn.
//
// Notifications are injected by callers and delivered on a single driver
// owned goroutine. Each notification is rendered into scratch buffers that
// are overwritten as soon as the callback returns, so consumers that keep
// references to the transient record observe garbage.
package simulated

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/maxpert/cqnotify/driver"
	"github.com/rs/zerolog/log"
)

const defaultBacklog = 256

// scribble is written over scratch memory after every callback.
const scribble = 0xA5

// Row describes a changed row for injection.
type Row struct {
	Operation driver.OpCode
	Rowid     string
}

// Table describes a changed table for injection.
type Table struct {
	Operation driver.OpCode
	Name      string
	Rows      []Row
}

// Query describes a changed registered query for injection.
type Query struct {
	ID        uint64
	Operation driver.OpCode
	Tables    []Table
}

// Error describes an error record for injection.
type Error struct {
	Code          int32
	Offset        uint32
	Message       string
	Encoding      string
	FnName        string
	Action        string
	SQLState      string
	IsRecoverable bool
}

// Notification is the owned form of a notification before it is rendered
// into transient driver memory.
type Notification struct {
	EventType driver.EventType
	DBName    string
	Tables    []Table
	Queries   []Query
	Error     *Error
}

type delivery struct {
	subID uint64
	n     Notification
	done  chan struct{}
}

// Conn is a simulated driver connection.
type Conn struct {
	mu sync.Mutex

	// injectMu orders queue sends against Close so none land after the
	// final drain.
	injectMu sync.RWMutex

	subs    map[uint64]*Subscription
	nextID  atomic.Uint64
	queue   chan delivery
	stopCh  chan struct{}
	doneCh  chan struct{}
	closed  atomic.Bool
	scratch []byte

	// delivered counts callbacks made, for tests.
	delivered atomic.Uint64
}

// Subscription is a simulated driver subscription.
type Subscription struct {
	conn    *Conn
	id      uint64
	params  driver.SubscrParams
	cb      driver.Callback
	closed  atomic.Bool
	queries []string
	nextQID uint64
}

var _ driver.Conn = (*Conn)(nil)
var _ driver.Subscription = (*Subscription)(nil)

// New starts a simulated connection with its delivery goroutine.
func New() *Conn {
	c := &Conn{
		subs:   make(map[uint64]*Subscription),
		queue:  make(chan delivery, defaultBacklog),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go c.deliveryLoop()
	return c
}

// NewSubscription registers cb for notifications injected for the returned
// subscription's id. A nil cb creates a subscription that never delivers.
func (c *Conn) NewSubscription(_ context.Context, params driver.SubscrParams, cb driver.Callback) (driver.Subscription, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("simulated connection is closed")
	}
	s := &Subscription{
		conn:   c,
		id:     c.nextID.Add(1),
		params: params,
		cb:     cb,
	}

	c.mu.Lock()
	c.subs[s.id] = s
	c.mu.Unlock()

	log.Debug().Uint64("subscription", s.id).Str("name", params.Name).Msg("Simulated subscription created")
	return s, nil
}

// Inject queues n for asynchronous delivery to the subscription subID.
func (c *Conn) Inject(subID uint64, n Notification) error {
	_, err := c.inject(subID, n)
	return err
}

// InjectWait queues n and waits until its callback has returned.
func (c *Conn) InjectWait(ctx context.Context, subID uint64, n Notification) error {
	done, err := c.inject(subID, n)
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) inject(subID uint64, n Notification) (chan struct{}, error) {
	c.injectMu.RLock()
	defer c.injectMu.RUnlock()

	if c.closed.Load() {
		return nil, fmt.Errorf("simulated connection is closed")
	}

	c.mu.Lock()
	_, ok := c.subs[subID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown subscription %d", subID)
	}

	d := delivery{subID: subID, n: n, done: make(chan struct{})}
	select {
	case c.queue <- d:
		return d.done, nil
	case <-c.stopCh:
		return nil, fmt.Errorf("simulated connection is closed")
	}
}

// Delivered returns the number of callbacks made so far.
func (c *Conn) Delivered() uint64 {
	return c.delivered.Load()
}

// Close stops the delivery goroutine and closes every subscription.
// Notifications still queued are discarded and their waiters released.
func (c *Conn) Close() error {
	c.injectMu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.injectMu.Unlock()
		return nil
	}
	close(c.stopCh)
	c.injectMu.Unlock()
	<-c.doneCh

	for drained := false; !drained; {
		select {
		case d := <-c.queue:
			close(d.done)
		default:
			drained = true
		}
	}

	c.mu.Lock()
	for id, s := range c.subs {
		s.closed.Store(true)
		delete(c.subs, id)
	}
	c.mu.Unlock()
	return nil
}

func (c *Conn) deliveryLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		case d := <-c.queue:
			c.deliver(d)
		}
	}
}

// deliver renders the notification, runs the callback and scribbles over the
// scratch memory. c.mu is held for the whole call so Subscription.Close can
// guarantee no callback runs after it returns.
func (c *Conn) deliver(d delivery) {
	defer close(d.done)

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.subs[d.subID]
	if !ok || s.closed.Load() || s.cb == nil {
		return
	}

	msg := c.render(d.n)
	s.cb(msg)
	c.delivered.Add(1)

	for i := range c.scratch {
		c.scratch[i] = scribble
	}
}

// render lays the notification out in c.scratch. The scratch buffer is sized
// up front so slices taken from it stay valid for the whole callback.
func (c *Conn) render(n Notification) *driver.Message {
	size := len(n.DBName) + tablesSize(n.Tables)
	for _, q := range n.Queries {
		size += tablesSize(q.Tables)
	}
	if n.Error != nil {
		e := n.Error
		size += len(e.Message) + len(e.Encoding) + len(e.FnName) + len(e.Action) + len(e.SQLState)
	}
	if cap(c.scratch) < size {
		c.scratch = make([]byte, 0, size)
	}
	c.scratch = c.scratch[:0]

	msg := &driver.Message{
		EventType: n.EventType,
		DBName:    c.put(n.DBName),
		Tables:    c.renderTables(n.Tables),
		Queries:   make([]driver.Query, 0, len(n.Queries)),
	}
	for _, q := range n.Queries {
		msg.Queries = append(msg.Queries, driver.Query{
			ID:        q.ID,
			Operation: q.Operation,
			Tables:    c.renderTables(q.Tables),
		})
	}
	if e := n.Error; e != nil {
		msg.Error = &driver.ErrorInfo{
			Code:          e.Code,
			Offset:        e.Offset,
			Message:       c.put(e.Message),
			Encoding:      c.put(e.Encoding),
			FnName:        c.put(e.FnName),
			Action:        c.put(e.Action),
			SQLState:      c.put(e.SQLState),
			IsRecoverable: e.IsRecoverable,
		}
	}
	return msg
}

func (c *Conn) renderTables(tables []Table) []driver.Table {
	out := make([]driver.Table, 0, len(tables))
	for _, t := range tables {
		rows := make([]driver.Row, 0, len(t.Rows))
		for _, r := range t.Rows {
			rows = append(rows, driver.Row{Operation: r.Operation, Rowid: c.put(r.Rowid)})
		}
		out = append(out, driver.Table{Operation: t.Operation, Name: c.put(t.Name), Rows: rows})
	}
	return out
}

func (c *Conn) put(s string) []byte {
	start := len(c.scratch)
	c.scratch = append(c.scratch, s...)
	return c.scratch[start:len(c.scratch):len(c.scratch)]
}

func tablesSize(tables []Table) int {
	size := 0
	for _, t := range tables {
		size += len(t.Name)
		for _, r := range t.Rows {
			size += len(r.Rowid)
		}
	}
	return size
}

// ID returns the subscription id used with Conn.Inject.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Params returns the parameters the subscription was created with.
func (s *Subscription) Params() driver.SubscrParams {
	return s.params
}

// Register records sql and returns a new query id.
func (s *Subscription) Register(_ context.Context, sql string, _ ...any) (uint64, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()

	if s.closed.Load() {
		return 0, fmt.Errorf("subscription %d is closed", s.id)
	}
	s.nextQID++
	s.queries = append(s.queries, sql)
	return s.nextQID, nil
}

// Queries returns the registered query texts.
func (s *Subscription) Queries() []string {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// Close deregisters the subscription. It waits for an in-flight callback.
func (s *Subscription) Close() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()

	if !s.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("subscription %d already closed", s.id)
	}
	delete(s.conn.subs, s.id)
	return nil
}
