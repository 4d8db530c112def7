//go:build cgo

package oracle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/godror/godror"
	"github.com/maxpert/cqnotify/driver"
	"github.com/rs/zerolog/log"
)

// Conn is a godror connection pool. Every subscription pins its own session
// for its lifetime.
type Conn struct {
	db     *sql.DB
	nextID atomic.Uint64
	closed atomic.Bool
}

// Open connects to the database. Events must be enabled for the database to
// deliver notifications to this client.
func Open(ctx context.Context, config Config) (*Conn, error) {
	var P godror.ConnectionParams
	P.Username = config.Username
	P.Password = godror.NewPassword(config.Password)
	P.ConnectString = config.ConnectString
	P.EnableEvents = config.Events

	db := sql.OpenDB(godror.NewConnector(P))
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", config.ConnectString, err)
	}

	log.Info().
		Str("connect_string", config.ConnectString).
		Str("user", config.Username).
		Bool("events", config.Events).
		Msg("Connected to Oracle")
	return &Conn{db: db}, nil
}

// NewSubscription creates a change notification subscription on a dedicated
// session.
func (c *Conn) NewSubscription(ctx context.Context, params driver.SubscrParams, cb driver.Callback) (driver.Subscription, error) {
	if c.closed.Load() {
		return nil, errors.New("oracle connection closed")
	}

	opts := optionsFor(params)
	if len(opts.ignored) > 0 {
		log.Warn().
			Str("subscription", params.Name).
			Strs("params", opts.ignored).
			Msg("Subscription parameters not supported by godror, using driver defaults")
	}

	session, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire session: %w", err)
	}
	dc, err := godror.DriverConn(ctx, session)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to access driver connection: %w", err)
	}

	s := &subscription{
		id:      c.nextID.Add(1),
		session: session,
		cb:      cb,
	}

	var options []godror.SubscriptionOption
	if opts.address != "" || opts.port != 0 {
		options = append(options, godror.SubscrHostPort(opts.address, opts.port))
	}
	if opts.clientInitiated {
		options = append(options, godror.SubscrClientInitiated(true))
	}

	gs, err := dc.NewSubscription(params.Name, s.deliver, options...)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to create subscription %q: %w", params.Name, err)
	}
	s.sub = gs
	return s, nil
}

// Close closes the connection pool. Subscriptions must be closed first.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.db.Close()
}

type subscription struct {
	id      uint64
	session *sql.Conn
	sub     *godror.Subscription
	cb      driver.Callback

	// mu serializes callbacks with each other and with Close
	mu      sync.Mutex
	closed  bool
	scratch scratch
}

func (s *subscription) ID() uint64 {
	return s.id
}

// Register runs sql on the subscription. godror does not report the query id
// the database assigned, so 0 is returned.
func (s *subscription) Register(_ context.Context, sql string, args ...any) (uint64, error) {
	if err := s.sub.Register(sql, args...); err != nil {
		return 0, err
	}
	return 0, nil
}

func (s *subscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.sub.Close()
	if cerr := s.session.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *subscription) deliver(ev godror.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.scratch.reset()
	msg := &driver.Message{
		EventType: eventType(ev.Type),
		DBName:    s.scratch.put(ev.DB),
		Tables:    s.tables(ev.Tables),
		Error:     s.errorInfo(ev.Err),
	}
	if len(ev.Queries) > 0 {
		msg.Queries = make([]driver.Query, len(ev.Queries))
		for i, q := range ev.Queries {
			msg.Queries[i] = driver.Query{
				ID:        q.ID,
				Operation: driver.OpCode(q.Operation),
				Tables:    s.tables(q.Tables),
			}
		}
	}
	s.cb(msg)
}

func (s *subscription) tables(in []godror.TableEvent) []driver.Table {
	if len(in) == 0 {
		return nil
	}
	out := make([]driver.Table, len(in))
	for i, t := range in {
		out[i] = driver.Table{
			Operation: driver.OpCode(t.Operation),
			Name:      s.scratch.put(t.Name),
		}
		if len(t.Rows) > 0 {
			out[i].Rows = make([]driver.Row, len(t.Rows))
			for j, r := range t.Rows {
				out[i].Rows[j] = driver.Row{
					Operation: driver.OpCode(r.Operation),
					Rowid:     s.scratch.put(r.Rowid),
				}
			}
		}
	}
	return out
}

func (s *subscription) errorInfo(err error) *driver.ErrorInfo {
	if err == nil {
		return nil
	}
	var oe *godror.OraErr
	if !errors.As(err, &oe) {
		return &driver.ErrorInfo{Message: s.scratch.put(err.Error())}
	}
	return &driver.ErrorInfo{
		Code:          int32(oe.Code()),
		Offset:        uint32(oe.Offset()),
		Message:       s.scratch.put(strings.TrimSpace(oe.Error())),
		FnName:        s.scratch.put(oe.FunName()),
		Action:        s.scratch.put(oe.Action()),
		SQLState:      s.scratch.put(oe.SQLState()),
		IsRecoverable: oe.Recoverable(),
	}
}

func eventType(t godror.EventType) driver.EventType {
	switch t {
	case godror.EvtStartup:
		return driver.EventStartup
	case godror.EvtShutdown:
		return driver.EventShutdown
	case godror.EvtShutdownAny:
		return driver.EventShutdownAny
	case godror.EvtDropDB:
		return driver.EventDropDB
	case godror.EvtDereg:
		return driver.EventDereg
	case godror.EvtObjChange:
		return driver.EventObjChange
	case godror.EvtQueryChange:
		return driver.EventQueryChange
	case godror.EvtAQ:
		return driver.EventAQ
	default:
		return driver.EventNone
	}
}
