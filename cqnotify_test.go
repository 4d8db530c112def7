package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/cqnotify/admin"
	"github.com/maxpert/cqnotify/cfg"
	"github.com/maxpert/cqnotify/driver"
	"github.com/maxpert/cqnotify/driver/simulated"
	"github.com/maxpert/cqnotify/notify"
	"github.com/maxpert/cqnotify/service"
	"github.com/maxpert/cqnotify/subscr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRelay struct {
	mu sync.Mutex
	n  int
}

func (c *countingRelay) AppendMessage(*subscr.Message) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return nil
}

func (c *countingRelay) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestShutdownDrainsWithOpenWatchStream(t *testing.T) {
	conn := simulated.New()
	defer conn.Close()

	hub := notify.NewHub(64)
	rel := &countingRelay{}
	manager := service.NewManager(conn, service.Options{Hub: hub, Relay: rel})

	info, err := manager.Subscribe(context.Background(), cfg.SubscriptionConfiguration{Name: "emp", Relay: true})
	require.NoError(t, err)

	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(manager, hub, nil))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: time.Second}
	go server.Serve(ln)

	resp, err := http.Get("http://" + ln.Addr().String() + "/admin/watch")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool { return hub.Watchers() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	const backlog = 50
	for i := 0; i < backlog; i++ {
		require.NoError(t, conn.InjectWait(ctx, info.ID, simulated.Notification{
			EventType: driver.EventObjChange,
			DBName:    "ORCL",
			Tables:    []simulated.Table{{Operation: driver.OpInsert, Name: "EMP"}},
		}))
	}

	// Keep reading so the watch stream never stalls on a full socket
	go io.Copy(io.Discard, resp.Body)

	start := time.Now()
	shutdown(manager, hub, server, 10*time.Second, 2*time.Second)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second, "watch stream held up shutdown")
	assert.Equal(t, backlog, rel.count())
	assert.Equal(t, 0, manager.ActiveCount())
	assert.Zero(t, hub.Watchers())

	_, err = http.Get("http://" + ln.Addr().String() + "/admin/health")
	assert.Error(t, err)
}
