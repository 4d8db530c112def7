package simulated

import (
	"context"
	"testing"
	"time"

	"github.com/maxpert/cqnotify/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConn_DeliversRenderedNotification(t *testing.T) {
	conn := New()
	defer conn.Close()

	got := make(chan string, 1)
	sub, err := conn.NewSubscription(context.Background(), driver.DefaultSubscrParams("t"), func(msg *driver.Message) {
		got <- string(msg.DBName) + "/" + string(msg.Tables[0].Name) + "/" + string(msg.Tables[0].Rows[0].Rowid)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.InjectWait(ctx, sub.ID(), Notification{
		EventType: driver.EventObjChange,
		DBName:    "ORCL",
		Tables: []Table{{
			Operation: driver.OpUpdate,
			Name:      "EMP",
			Rows:      []Row{{Operation: driver.OpUpdate, Rowid: "AAAB12AAEAAAACBAAA"}},
		}},
	}))

	assert.Equal(t, "ORCL/EMP/AAAB12AAEAAAACBAAA", <-got)
	assert.Equal(t, uint64(1), conn.Delivered())
}

func TestConn_ScribblesAfterCallback(t *testing.T) {
	conn := New()
	defer conn.Close()

	var kept []byte
	sub, err := conn.NewSubscription(context.Background(), driver.DefaultSubscrParams("t"), func(msg *driver.Message) {
		kept = msg.DBName
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.InjectWait(ctx, sub.ID(), Notification{DBName: "ORCL"}))

	require.Len(t, kept, 4)
	assert.NotEqual(t, "ORCL", string(kept))
	for _, b := range kept {
		assert.Equal(t, byte(scribble), b)
	}
}

func TestConn_NoCallbackAfterClose(t *testing.T) {
	conn := New()
	defer conn.Close()

	calls := 0
	sub, err := conn.NewSubscription(context.Background(), driver.DefaultSubscrParams("t"), func(*driver.Message) {
		calls++
	})
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	assert.Error(t, conn.Inject(sub.ID(), Notification{DBName: "ORCL"}))
	assert.Error(t, sub.Close())
	assert.Equal(t, 0, calls)
}

func TestSubscription_Register(t *testing.T) {
	conn := New()
	defer conn.Close()

	ds, err := conn.NewSubscription(context.Background(), driver.DefaultSubscrParams("t"), func(*driver.Message) {})
	require.NoError(t, err)

	id1, err := ds.Register(context.Background(), "select * from emp")
	require.NoError(t, err)
	id2, err := ds.Register(context.Background(), "select * from dept")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)

	sub := ds.(*Subscription)
	assert.Equal(t, []string{"select * from emp", "select * from dept"}, sub.Queries())
}

func TestConn_CloseRejectsNewWork(t *testing.T) {
	conn := New()
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, err := conn.NewSubscription(context.Background(), driver.DefaultSubscrParams("t"), func(*driver.Message) {})
	assert.Error(t, err)
}

func TestConn_CloseReleasesQueuedWaiters(t *testing.T) {
	conn := New()

	entered := make(chan struct{}, 1)
	unblock := make(chan struct{})
	sub, err := conn.NewSubscription(context.Background(), driver.DefaultSubscrParams("t"), func(*driver.Message) {
		entered <- struct{}{}
		<-unblock
	})
	require.NoError(t, err)

	require.NoError(t, conn.Inject(sub.ID(), Notification{EventType: driver.EventStartup}))
	<-entered

	waitErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		waitErr <- conn.InjectWait(ctx, sub.ID(), Notification{EventType: driver.EventShutdown})
	}()
	require.Eventually(t, func() bool { return len(conn.queue) == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		conn.Close()
		close(closed)
	}()
	close(unblock)

	select {
	case err := <-waitErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queued InjectWait not released by Close")
	}
	<-closed
	assert.Zero(t, len(conn.queue))
}
