// Package subscr delivers database change notifications to Go handlers.
//
// The driver calls back on a goroutine (or native thread) it owns, with a
// record that is only valid for that call. A subscription copies each record
// into a self-contained block, queues it in a reference counted mailbox and
// wakes a dedicated consumer goroutine, which is the only place handlers run.
// Delivery is best effort and at most once.
package subscr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/cqnotify/driver"
	"github.com/maxpert/cqnotify/telemetry"
	"github.com/rs/zerolog/log"
)

// Options tunes a subscription.
type Options struct {
	// Wake selects the wake primitive: "channel" (default) or "pipe".
	Wake string
	// MaxMessageBytes drops notifications whose copied size exceeds it.
	// Zero means unlimited.
	MaxMessageBytes int
	// Spawn starts the consumer goroutine. Defaults to a plain go statement.
	Spawn func(fn func()) error
}

func goSpawn(fn func()) error {
	go fn()
	return nil
}

// core is shared by every handle cloned from one subscription.
type core struct {
	name    string
	drv     driver.Subscription
	mb      *mailbox
	handles atomic.Int32
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Subscription is a handle to a driver subscription. Handles obtained with
// Clone share the same driver subscription and mailbox.
type Subscription struct {
	c      *core
	closed atomic.Bool
}

// Subscribe creates a driver subscription on conn. When handler is non-nil,
// notifications are copied into a mailbox and handed to handler on a
// dedicated consumer goroutine. A nil handler creates a subscription without
// a mailbox, for protocols that do not deliver to the client.
func Subscribe(ctx context.Context, conn driver.Conn, params driver.SubscrParams, handler Handler, opts Options) (*Subscription, error) {
	c := &core{name: params.Name, done: make(chan struct{})}
	c.handles.Store(1)

	if handler == nil {
		drv, err := conn.NewSubscription(ctx, params, nil)
		if err != nil {
			return nil, fmt.Errorf("create subscription %q: %w", params.Name, err)
		}
		c.drv = drv
		log.Info().Str("subscription", c.name).Uint64("subscription_id", drv.ID()).Msg("Subscription created without handler")
		return &Subscription{c: c}, nil
	}

	mb, err := newMailbox(params.Name, handler, opts.Wake)
	if err != nil {
		return nil, fmt.Errorf("allocate mailbox for %q: %w", params.Name, err)
	}

	limit := opts.MaxMessageBytes
	callback := func(msg *driver.Message) {
		mb.received.Add(1)
		telemetry.NotificationsReceived.With(mb.name).Inc()

		pm, err := copyMessage(msg, limit)
		if err != nil {
			mb.drop(dropTooLarge, 1)
			log.Debug().Err(err).Str("subscription", mb.name).Msg("Dropping notification")
			return
		}
		pm.received = time.Now()
		mb.enqueue(pm)
	}

	drv, err := conn.NewSubscription(ctx, params, callback)
	if err != nil {
		mb.release()
		return nil, fmt.Errorf("create subscription %q: %w", params.Name, err)
	}
	c.drv = drv
	c.mb = mb
	mb.subID = drv.ID()

	// The consumer owns its own reference, independent of the handles.
	mb.acquire()
	runCtx, cancel := context.WithCancel(context.Background())

	spawn := opts.Spawn
	if spawn == nil {
		spawn = goSpawn
	}
	err = spawn(func() {
		defer close(c.done)
		defer cancel()
		mb.run(runCtx)
	})
	if err != nil {
		cancel()
		mb.release()
		if cerr := drv.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("subscription", c.name).Msg("Failed to close driver subscription")
		}
		mb.markClosed()
		mb.release()
		return nil, fmt.Errorf("start consumer for %q: %w", params.Name, err)
	}

	log.Info().Str("subscription", c.name).Uint64("subscription_id", drv.ID()).Msg("Subscription created")
	return &Subscription{c: c}, nil
}

// ID returns the driver assigned subscription id.
func (s *Subscription) ID() uint64 {
	return s.c.drv.ID()
}

// Name returns the subscription name.
func (s *Subscription) Name() string {
	return s.c.name
}

// Register executes sql on the subscription so changes to its result set
// are notified. It returns the query id reported in Query notifications.
func (s *Subscription) Register(ctx context.Context, sql string, args ...any) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	id, err := s.c.drv.Register(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("register query on %q: %w", s.c.name, err)
	}
	log.Debug().Str("subscription", s.c.name).Uint64("query_id", id).Msg("Query registered")
	return id, nil
}

// Stats returns the subscription counters. A subscription without handler
// reports zeros.
func (s *Subscription) Stats() Stats {
	if s.c.mb == nil {
		return Stats{}
	}
	return s.c.mb.stats()
}

// Done is closed once the consumer goroutine has drained and exited, or for
// a subscription without handler, once the last handle is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.c.done
}

// Clone returns another handle sharing the subscription. The driver
// subscription stays registered until every handle is closed.
func (s *Subscription) Clone() (*Subscription, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	for {
		n := s.c.handles.Load()
		if n <= 0 {
			return nil, ErrClosed
		}
		if s.c.handles.CompareAndSwap(n, n+1) {
			break
		}
	}
	if s.c.mb != nil {
		s.c.mb.acquire()
	}
	return &Subscription{c: s.c}, nil
}

// Close releases this handle. Closing the last handle deregisters the
// driver subscription and lets the consumer drain what is already queued.
// Closing a handle twice returns ErrClosed.
func (s *Subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	c := s.c
	last := c.handles.Add(-1) == 0
	if last {
		c.closeOnce.Do(func() {
			if err := c.drv.Close(); err != nil {
				c.closeErr = fmt.Errorf("close subscription %q: %w", c.name, err)
			}
			if c.mb != nil {
				c.mb.markClosed()
			} else {
				close(c.done)
			}
			log.Info().Str("subscription", c.name).Msg("Subscription closed")
		})
	}
	if c.mb != nil {
		c.mb.release()
	}
	if last {
		return c.closeErr
	}
	return nil
}

// Wait blocks until the consumer has exited or ctx is done.
func (s *Subscription) Wait(ctx context.Context) error {
	select {
	case <-s.c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
