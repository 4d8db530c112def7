// Package service owns the live subscriptions of a cqnotify process. It
// creates them from configuration, fans delivered messages out to the watch
// hub and the relay, and closes them on shutdown.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/cqnotify/cfg"
	"github.com/maxpert/cqnotify/driver"
	"github.com/maxpert/cqnotify/notify"
	"github.com/maxpert/cqnotify/query"
	"github.com/maxpert/cqnotify/subscr"
	"github.com/maxpert/cqnotify/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var (
	ErrTooManySubscriptions = errors.New("too many subscriptions")
	ErrNotFound             = errors.New("subscription not found")
	ErrDuplicateName        = errors.New("subscription name already in use")
	ErrShutdown             = errors.New("manager is shut down")
)

// Appender receives delivered messages for durable relay
type Appender interface {
	AppendMessage(msg *subscr.Message) error
}

// Options configures a Manager
type Options struct {
	MaxSubscriptions int // 0 = unlimited
	Wake             string
	MaxMessageBytes  int
	Hub              *notify.Hub      // optional
	Relay            Appender         // optional
	Inspector        *query.Inspector // optional
}

// RegisteredQuery is a query registered on a subscription
type RegisteredQuery struct {
	ID     uint64   `json:"id"`
	SQL    string   `json:"sql"`
	Tables []string `json:"tables,omitempty"`
}

// Info is a snapshot of one subscription
type Info struct {
	ID        uint64            `json:"id"`
	Name      string            `json:"name"`
	CreatedAt time.Time         `json:"created_at"`
	Relay     bool              `json:"relay"`
	Queries   []RegisteredQuery `json:"queries"`
	Stats     subscr.Stats      `json:"stats"`
}

type entry struct {
	sub     *subscr.Subscription
	relay   bool
	created time.Time

	mu      sync.Mutex
	queries []RegisteredQuery
}

func (e *entry) info() Info {
	e.mu.Lock()
	queries := append([]RegisteredQuery(nil), e.queries...)
	e.mu.Unlock()

	return Info{
		ID:        e.sub.ID(),
		Name:      e.sub.Name(),
		CreatedAt: e.created,
		Relay:     e.relay,
		Queries:   queries,
		Stats:     e.sub.Stats(),
	}
}

// Manager tracks live subscriptions by driver id.
type Manager struct {
	conn driver.Conn
	opts Options

	subs  *xsync.MapOf[uint64, *entry]
	names *xsync.MapOf[string, struct{}]
	count atomic.Int32

	closed atomic.Bool
}

// NewManager creates a manager creating subscriptions on conn.
func NewManager(conn driver.Conn, opts Options) *Manager {
	return &Manager{
		conn:  conn,
		opts:  opts,
		subs:  xsync.NewMapOf[uint64, *entry](),
		names: xsync.NewMapOf[string, struct{}](),
	}
}

// Subscribe creates a subscription from sc and registers its queries. On any
// registration failure the subscription is closed again.
func (m *Manager) Subscribe(ctx context.Context, sc cfg.SubscriptionConfiguration) (Info, error) {
	if m.closed.Load() {
		return Info{}, ErrShutdown
	}

	params, err := subscrParams(sc)
	if err != nil {
		return Info{}, err
	}
	for _, q := range sc.Queries {
		if err := m.validate(q); err != nil {
			return Info{}, fmt.Errorf("subscription %q: %w", sc.Name, err)
		}
	}

	if _, loaded := m.names.LoadOrStore(sc.Name, struct{}{}); loaded {
		return Info{}, fmt.Errorf("%w: %s", ErrDuplicateName, sc.Name)
	}
	if !m.reserve() {
		m.names.Delete(sc.Name)
		return Info{}, ErrTooManySubscriptions
	}

	sub, err := subscr.Subscribe(ctx, m.conn, params, m.dispatch(sc.Name, sc.Relay), subscr.Options{
		Wake:            m.opts.Wake,
		MaxMessageBytes: m.opts.MaxMessageBytes,
	})
	if err != nil {
		m.unreserve(sc.Name)
		return Info{}, err
	}

	e := &entry{sub: sub, relay: sc.Relay, created: time.Now()}
	for _, q := range sc.Queries {
		if _, err := m.register(ctx, e, q); err != nil {
			if cerr := sub.Close(); cerr != nil {
				log.Warn().Err(cerr).Str("subscription", sc.Name).Msg("Failed to close subscription after registration error")
			}
			m.unreserve(sc.Name)
			return Info{}, err
		}
	}

	m.subs.Store(sub.ID(), e)
	telemetry.ActiveSubscriptions.Inc()

	// Shutdown may have taken its snapshot while the driver was busy.
	if m.closed.Load() {
		if _, ok := m.subs.LoadAndDelete(sub.ID()); ok {
			m.unreserve(sc.Name)
			telemetry.ActiveSubscriptions.Dec()
			if err := sub.Close(); err != nil {
				log.Warn().Err(err).Str("subscription", sc.Name).Msg("Failed to close subscription created during shutdown")
			}
		}
		return Info{}, ErrShutdown
	}
	return e.info(), nil
}

// SubscribeAll creates every configured subscription. The first failure
// closes the ones already created.
func (m *Manager) SubscribeAll(ctx context.Context, configs []cfg.SubscriptionConfiguration) error {
	created := make([]uint64, 0, len(configs))
	for _, sc := range configs {
		info, err := m.Subscribe(ctx, sc)
		if err != nil {
			for _, id := range created {
				m.Close(id)
			}
			return err
		}
		log.Info().
			Str("subscription", info.Name).
			Uint64("subscription_id", info.ID).
			Int("queries", len(info.Queries)).
			Bool("relay", info.Relay).
			Msg("Subscription ready")
		created = append(created, info.ID)
	}
	return nil
}

// Register adds a query to a live subscription.
func (m *Manager) Register(ctx context.Context, id uint64, sqlText string) (RegisteredQuery, error) {
	e, ok := m.subs.Load(id)
	if !ok {
		return RegisteredQuery{}, ErrNotFound
	}
	if err := m.validate(sqlText); err != nil {
		return RegisteredQuery{}, err
	}
	return m.register(ctx, e, sqlText)
}

func (m *Manager) register(ctx context.Context, e *entry, sqlText string) (RegisteredQuery, error) {
	qid, err := e.sub.Register(ctx, sqlText)
	if err != nil {
		return RegisteredQuery{}, err
	}

	rq := RegisteredQuery{ID: qid, SQL: sqlText}
	if m.opts.Inspector != nil {
		rq.Tables = m.opts.Inspector.Inspect(sqlText).Tables
	}

	e.mu.Lock()
	e.queries = append(e.queries, rq)
	e.mu.Unlock()
	return rq, nil
}

func (m *Manager) validate(sqlText string) error {
	if m.opts.Inspector == nil {
		return nil
	}
	if err := m.opts.Inspector.Validate(sqlText); err != nil {
		return fmt.Errorf("query %q: %w", sqlText, err)
	}
	return nil
}

// Get returns the subscription with driver id id.
func (m *Manager) Get(id uint64) (Info, error) {
	e, ok := m.subs.Load(id)
	if !ok {
		return Info{}, ErrNotFound
	}
	return e.info(), nil
}

// List returns every live subscription ordered by id.
func (m *Manager) List() []Info {
	out := make([]Info, 0, m.subs.Size())
	m.subs.Range(func(_ uint64, e *entry) bool {
		out = append(out, e.info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close deregisters a subscription. Already queued notifications are still
// delivered; Close does not wait for that.
func (m *Manager) Close(id uint64) error {
	e, ok := m.subs.LoadAndDelete(id)
	if !ok {
		return ErrNotFound
	}
	m.unreserve(e.sub.Name())
	telemetry.ActiveSubscriptions.Dec()
	return e.sub.Close()
}

// Shutdown closes every subscription and waits for their consumers to drain
// or ctx to expire. Later Subscribe calls fail with ErrShutdown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)

	var entries []*entry
	m.subs.Range(func(id uint64, e *entry) bool {
		if _, ok := m.subs.LoadAndDelete(id); ok {
			entries = append(entries, e)
		}
		return true
	})

	var firstErr error
	for _, e := range entries {
		m.unreserve(e.sub.Name())
		telemetry.ActiveSubscriptions.Dec()
		if err := e.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, e := range entries {
		if err := e.sub.Wait(ctx); err != nil {
			log.Warn().Err(err).Str("subscription", e.sub.Name()).Msg("Subscription did not drain before shutdown deadline")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	log.Info().Int("subscriptions", len(entries)).Msg("Subscription manager shut down")
	return firstErr
}

// PendingStats implements telemetry.StatsProvider
func (m *Manager) PendingStats() []telemetry.PendingStat {
	out := make([]telemetry.PendingStat, 0, m.subs.Size())
	m.subs.Range(func(_ uint64, e *entry) bool {
		out = append(out, telemetry.PendingStat{
			Subscription: e.sub.Name(),
			Pending:      e.sub.Stats().Pending,
		})
		return true
	})
	return out
}

// ActiveCount implements telemetry.StatsProvider
func (m *Manager) ActiveCount() int {
	return m.subs.Size()
}

func (m *Manager) reserve() bool {
	limit := int32(m.opts.MaxSubscriptions)
	for {
		n := m.count.Load()
		if limit > 0 && n >= limit {
			return false
		}
		if m.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (m *Manager) unreserve(name string) {
	m.count.Add(-1)
	m.names.Delete(name)
}

// dispatch is the handler of every managed subscription. A relay failure is
// returned so the consumer counts it; the watch hub never fails.
func (m *Manager) dispatch(name string, relay bool) subscr.Handler {
	return func(ctx context.Context, msg *subscr.Message) error {
		log.Debug().
			Str("subscription", name).
			Stringer("event", msg.EventType).
			Str("db", msg.DBName).
			Int("tables", len(msg.Tables)).
			Int("queries", len(msg.Queries)).
			Msg("Notification delivered")

		if m.opts.Hub != nil {
			m.opts.Hub.Publish(msg)
		}
		if relay && m.opts.Relay != nil {
			if err := m.opts.Relay.AppendMessage(msg); err != nil {
				return fmt.Errorf("relay append: %w", err)
			}
		}
		return nil
	}
}

func subscrParams(sc cfg.SubscriptionConfiguration) (driver.SubscrParams, error) {
	params := driver.DefaultSubscrParams(sc.Name)

	qos, err := driver.ParseQOS(sc.QOS)
	if err != nil {
		return params, fmt.Errorf("subscription %q: %w", sc.Name, err)
	}
	ops, err := driver.ParseOperations(sc.Operations)
	if err != nil {
		return params, fmt.Errorf("subscription %q: %w", sc.Name, err)
	}

	params.QOS = qos
	params.Operations = ops
	params.Timeout = time.Duration(sc.TimeoutSeconds) * time.Second
	params.ClientInitiated = sc.ClientInitiated
	params.IPAddress = sc.IPAddress
	params.Port = sc.Port
	return params, nil
}
