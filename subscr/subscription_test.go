package subscr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/cqnotify/driver"
	"github.com/maxpert/cqnotify/driver/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// collector is a handler that records every delivered message.
type collector struct {
	mu   sync.Mutex
	msgs []*Message
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1024)}
}

func (c *collector) handle(_ context.Context, msg *Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func (c *collector) waitFor(t *testing.T, n int) []*Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]*Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.got:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
}

func objChange(rowid string) simulated.Notification {
	return simulated.Notification{
		EventType: driver.EventObjChange,
		DBName:    "ORCL",
		Tables: []simulated.Table{{
			Operation: driver.OpUpdate,
			Name:      "EMP",
			Rows:      []simulated.Row{{Operation: driver.OpUpdate, Rowid: rowid}},
		}},
	}
}

func subscribe(t *testing.T, conn driver.Conn, h Handler, opts Options) *Subscription {
	t.Helper()
	sub, err := Subscribe(context.Background(), conn, driver.DefaultSubscrParams("emp"), h, opts)
	require.NoError(t, err)
	return sub
}

func TestSubscribe_DeliversObjChange(t *testing.T) {
	conn := simulated.New()
	defer conn.Close()

	c := newCollector()
	sub := subscribe(t, conn, c.handle, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, conn.InjectWait(ctx, sub.ID(), objChange("AAAB12AAEAAAACBAAA")))

	msgs := c.waitFor(t, 1)
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, driver.EventObjChange, msg.EventType)
	assert.Equal(t, "ORCL", msg.DBName)
	assert.Equal(t, sub.ID(), msg.SubscriptionID)
	assert.Equal(t, "emp", msg.Subscription)
	assert.False(t, msg.ReceivedAt.IsZero())
	require.Len(t, msg.Tables, 1)
	require.Len(t, msg.Tables[0].Rows, 1)
	assert.Equal(t, "AAAB12AAEAAAACBAAA", msg.Tables[0].Rows[0].Rowid)
	assert.Len(t, msg.Queries, 0)
	assert.Nil(t, msg.Error)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Wait(ctx))

	st := sub.Stats()
	assert.Equal(t, uint64(1), st.Received)
	assert.Equal(t, uint64(1), st.Delivered)
	assert.Equal(t, uint64(0), st.Dropped)
}

func TestSubscribe_EmptyNotification(t *testing.T) {
	conn := simulated.New()
	defer conn.Close()

	c := newCollector()
	sub := subscribe(t, conn, c.handle, Options{Wake: WakePipe})
	defer sub.Close()

	require.NoError(t, conn.Inject(sub.ID(), simulated.Notification{EventType: driver.EventShutdown}))
	msg := c.waitFor(t, 1)[0]
	assert.Equal(t, driver.EventShutdown, msg.EventType)
	assert.NotNil(t, msg.Tables)
	assert.Empty(t, msg.Tables)
	assert.NotNil(t, msg.Queries)
	assert.Empty(t, msg.Queries)
	assert.Nil(t, msg.Error)
}

func TestSubscribe_FIFOAcrossBursts(t *testing.T) {
	conn := simulated.New()
	defer conn.Close()

	c := newCollector()
	sub := subscribe(t, conn, c.handle, Options{})
	defer sub.Close()

	const bursts, perBurst = 10, 25
	for b := 0; b < bursts; b++ {
		for i := 0; i < perBurst; i++ {
			require.NoError(t, conn.Inject(sub.ID(), objChange(fmt.Sprintf("R%04d", b*perBurst+i))))
		}
		if b%3 == 0 {
			c.waitFor(t, (b+1)*perBurst)
		}
	}

	msgs := c.waitFor(t, bursts*perBurst)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("R%04d", i), msg.Tables[0].Rows[0].Rowid)
	}
}

func TestSubscribe_HandlerNeverRunsOnDeliveryGoroutine(t *testing.T) {
	conn := simulated.New()
	defer conn.Close()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var calls sync.WaitGroup
	calls.Add(20)
	handler := func(context.Context, *Message) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		calls.Done()
		return nil
	}
	sub := subscribe(t, conn, handler, Options{})
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	// The handler blocks forever until released. If it ran on the driver's
	// delivery goroutine the remaining callbacks could never complete.
	for i := 0; i < 20; i++ {
		require.NoError(t, conn.InjectWait(ctx, sub.ID(), objChange(fmt.Sprintf("R%d", i))))
	}
	select {
	case <-entered:
	case <-ctx.Done():
		t.Fatal("handler never invoked")
	}
	assert.Equal(t, uint64(20), conn.Delivered())

	close(release)
	calls.Wait()
}

func TestSubscribe_CallbacksFromManyGoroutines(t *testing.T) {
	c := newCollector()
	conn := &fakeConn{}
	sub := subscribe(t, conn, c.handle, Options{})
	defer sub.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				conn.last().cb(&driver.Message{EventType: driver.EventObjChange, DBName: []byte("ORCL")})
			}
		}()
	}
	wg.Wait()

	msgs := c.waitFor(t, 400)
	assert.Len(t, msgs, 400)
}

func TestSubscribe_DrainsBacklogOnClose(t *testing.T) {
	conn := simulated.New()
	defer conn.Close()

	var start func()
	spawn := func(fn func()) error {
		start = fn
		return nil
	}

	c := newCollector()
	sub := subscribe(t, conn, c.handle, Options{Spawn: spawn})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, conn.InjectWait(ctx, sub.ID(), objChange(fmt.Sprintf("R%d", i))))
	}
	assert.Equal(t, 5, sub.Stats().Pending)

	// Closed before the consumer ever woke up.
	require.NoError(t, sub.Close())
	go start()

	require.NoError(t, sub.Wait(ctx))
	msgs := c.waitFor(t, 5)
	require.Len(t, msgs, 5)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("R%d", i), msg.Tables[0].Rows[0].Rowid)
	}
	assert.True(t, sub.c.mb.destroyed)
	assert.Equal(t, 1, sub.c.mb.destroys)
}

func TestSubscribe_HandlerFailuresDoNotStopDelivery(t *testing.T) {
	conn := simulated.New()
	defer conn.Close()

	c := newCollector()
	n := 0
	handler := func(ctx context.Context, msg *Message) error {
		n++
		switch n {
		case 1:
			return errors.New("boom")
		case 2:
			panic("handler exploded")
		}
		return c.handle(ctx, msg)
	}
	sub := subscribe(t, conn, handler, Options{})

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.Inject(sub.ID(), objChange(fmt.Sprintf("R%d", i))))
	}
	msgs := c.waitFor(t, 1)
	assert.Equal(t, "R2", msgs[0].Tables[0].Rows[0].Rowid)

	require.NoError(t, sub.Close())
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, sub.Wait(ctx))

	st := sub.Stats()
	assert.Equal(t, uint64(2), st.Failed)
	assert.Equal(t, uint64(1), st.Delivered)
}

func TestSubscribe_HandlerContextCancelledAfterExit(t *testing.T) {
	conn := simulated.New()
	defer conn.Close()

	ctxs := make(chan context.Context, 1)
	sub := subscribe(t, conn, func(ctx context.Context, _ *Message) error {
		ctxs <- ctx
		return nil
	}, Options{})

	require.NoError(t, conn.Inject(sub.ID(), objChange("R1")))
	var hctx context.Context
	select {
	case hctx = <-ctxs:
	case <-time.After(waitTimeout):
		t.Fatal("handler not invoked")
	}
	assert.NoError(t, hctx.Err())

	require.NoError(t, sub.Close())
	<-sub.Done()
	assert.Error(t, hctx.Err())
}

func TestSubscribe_TooLargeIsDroppedAndCounted(t *testing.T) {
	conn := simulated.New()
	defer conn.Close()

	c := newCollector()
	sub := subscribe(t, conn, c.handle, Options{MaxMessageBytes: 128})
	defer sub.Close()

	huge := objChange("R1")
	huge.DBName = string(make([]byte, 4096))
	require.NoError(t, conn.Inject(sub.ID(), huge))
	require.NoError(t, conn.Inject(sub.ID(), objChange("R2")))

	msgs := c.waitFor(t, 1)
	assert.Equal(t, "R2", msgs[0].Tables[0].Rows[0].Rowid)
	st := sub.Stats()
	assert.Equal(t, uint64(2), st.Received)
	assert.Equal(t, uint64(1), st.Dropped)
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	conn := simulated.New()
	defer conn.Close()

	sub := subscribe(t, conn, nopHandler, Options{})
	require.NoError(t, sub.Close())
	assert.ErrorIs(t, sub.Close(), ErrClosed)

	_, err := sub.Register(context.Background(), "select * from emp")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = sub.Clone()
	assert.ErrorIs(t, err, ErrClosed)

	assert.Error(t, conn.Inject(sub.ID(), objChange("R1")))
}

func TestSubscription_CloneSharesMailbox(t *testing.T) {
	conn := simulated.New()
	defer conn.Close()

	c := newCollector()
	sub := subscribe(t, conn, c.handle, Options{})
	clone, err := sub.Clone()
	require.NoError(t, err)
	assert.Equal(t, sub.ID(), clone.ID())

	require.NoError(t, sub.Close())
	select {
	case <-clone.Done():
		t.Fatal("consumer stopped while a handle is still open")
	default:
	}

	require.NoError(t, conn.Inject(clone.ID(), objChange("R1")))
	c.waitFor(t, 1)

	require.NoError(t, clone.Close())
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, clone.Wait(ctx))
	assert.Equal(t, 1, clone.c.mb.destroys)
}

func TestSubscription_Register(t *testing.T) {
	conn := simulated.New()
	defer conn.Close()

	sub := subscribe(t, conn, nopHandler, Options{})
	defer sub.Close()

	id1, err := sub.Register(context.Background(), "select * from emp where deptno = :1", 10)
	require.NoError(t, err)
	id2, err := sub.Register(context.Background(), "select * from dept")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, "emp", sub.Name())
}

func TestSubscribe_WithoutHandler(t *testing.T) {
	conn := simulated.New()
	defer conn.Close()

	sub, err := Subscribe(context.Background(), conn, driver.DefaultSubscrParams("mail"), nil, Options{})
	require.NoError(t, err)
	assert.Nil(t, sub.c.mb)
	assert.Equal(t, Stats{}, sub.Stats())

	require.NoError(t, sub.Close())
	select {
	case <-sub.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestSubscribe_DriverFailureReleasesMailbox(t *testing.T) {
	conn := &fakeConn{failCreate: errors.New("ORA-29972")}
	_, err := Subscribe(context.Background(), conn, driver.DefaultSubscrParams("emp"), nopHandler, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ORA-29972")
	assert.Nil(t, conn.last())
}

func TestSubscribe_SpawnFailure(t *testing.T) {
	conn := &fakeConn{}
	spawnErr := errors.New("thread limit reached")
	_, err := Subscribe(context.Background(), conn, driver.DefaultSubscrParams("emp"), nopHandler, Options{
		Spawn: func(func()) error { return spawnErr },
	})
	require.ErrorIs(t, err, spawnErr)

	fs := conn.last()
	require.NotNil(t, fs)
	assert.True(t, fs.closed)

	// Callbacks racing with teardown are dropped, never delivered.
	fs.cb(&driver.Message{EventType: driver.EventObjChange})
}

type fakeConn struct {
	mu         sync.Mutex
	failCreate error
	subs       []*fakeSub
}

type fakeSub struct {
	id     uint64
	cb     driver.Callback
	closed bool
}

func (f *fakeConn) NewSubscription(_ context.Context, _ driver.SubscrParams, cb driver.Callback) (driver.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	s := &fakeSub{id: uint64(len(f.subs) + 1), cb: cb}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

func (s *fakeSub) ID() uint64 { return s.id }

func (s *fakeSub) Register(context.Context, string, ...any) (uint64, error) { return 1, nil }

func (s *fakeSub) Close() error {
	s.closed = true
	return nil
}
