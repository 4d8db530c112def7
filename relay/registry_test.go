package relay

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/cqnotify/cfg"
	"github.com/maxpert/cqnotify/driver"
	"github.com/maxpert/cqnotify/subscr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	registrySinksMu sync.Mutex
	registrySinks   = map[string]*mockSink{}
)

func init() {
	// Sinks and transformers register from subpackages that import relay
	RegisterSink("memory", func(config cfg.SinkConfiguration) (Sink, error) {
		s := &mockSink{}
		registrySinksMu.Lock()
		registrySinks[config.Name] = s
		registrySinksMu.Unlock()
		return s, nil
	})
	RegisterTransformer("plain", func() Transformer { return mockTransformer{} })
}

func registrySink(name string) *mockSink {
	registrySinksMu.Lock()
	defer registrySinksMu.Unlock()
	return registrySinks[name]
}

func sinkConfig(name string) cfg.SinkConfiguration {
	return cfg.SinkConfiguration{
		Name:           name,
		Type:           "memory",
		Format:         "plain",
		TopicPrefix:    "cqn",
		PollIntervalMS: 5,
	}
}

func TestNewRegistry_Errors(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	assert.Error(t, err)

	tests := []struct {
		name   string
		mutate func(c *cfg.SinkConfiguration)
	}{
		{"unknown type", func(c *cfg.SinkConfiguration) { c.Type = "carrier-pigeon" }},
		{"unknown format", func(c *cfg.SinkConfiguration) { c.Format = "xml" }},
		{"unknown compression", func(c *cfg.SinkConfiguration) { c.Compression = "lz4" }},
		{"bad filter", func(c *cfg.SinkConfiguration) { c.FilterTables = []string{"[x"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := sinkConfig("bad-" + tt.name)
			tt.mutate(&sc)
			dir := filepath.Join(t.TempDir(), "relay_log")
			_, err := NewRegistry(RegistryConfig{Path: dir, SinkConfigs: []cfg.SinkConfiguration{sc}})
			assert.Error(t, err)

			// The log was closed on failure, so it can be opened again
			nl, err := OpenNotificationLog(dir)
			require.NoError(t, err)
			nl.Close()
		})
	}
}

func TestRegistry_AppendMessageReachesSinks(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{
		Path:        filepath.Join(t.TempDir(), "relay_log"),
		NodeID:      9,
		SinkConfigs: []cfg.SinkConfiguration{sinkConfig("r1"), sinkConfig("r2")},
	})
	require.NoError(t, err)

	msg := &subscr.Message{
		Subscription: "emp",
		EventType:    driver.EventObjChange,
		DBName:       "ORCL",
		Tables: []subscr.Table{
			{Operation: driver.OpUpdate, Name: "EMP"},
			{Operation: driver.OpInsert, Name: "DEPT"},
		},
	}
	assert.Error(t, reg.AppendMessage(msg), "append before start")

	require.NoError(t, reg.Start())
	assert.Error(t, reg.Start())
	require.NoError(t, reg.AppendMessage(msg))
	assert.Equal(t, uint64(2), reg.LastSeq())

	for _, name := range []string{"r1", "r2"} {
		snk := registrySink(name)
		require.NotNil(t, snk)
		require.Eventually(t, func() bool { return len(snk.published()) == 2 }, 2*time.Second, 5*time.Millisecond)
		calls := snk.published()
		assert.Equal(t, "cqn.ORCL.EMP", calls[0].topic)
		assert.Equal(t, "cqn.ORCL.DEPT", calls[1].topic)
	}

	require.Eventually(t, func() bool {
		for _, st := range reg.Workers() {
			if st.Cursor != 2 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	for _, sl := range reg.SinkLags() {
		assert.Zero(t, sl.Lag, sl.Sink)
	}

	reg.Stop()
	reg.Stop()
	assert.True(t, registrySink("r1").closed.Load())
	assert.Error(t, reg.AppendMessage(msg))
}

func TestRegistry_AddSinkWhileRunning(t *testing.T) {
	reg, err := NewRegistry(RegistryConfig{Path: filepath.Join(t.TempDir(), "relay_log")})
	require.NoError(t, err)
	require.NoError(t, reg.Start())
	defer reg.Stop()

	require.NoError(t, reg.AppendMessage(&subscr.Message{Subscription: "emp", EventType: driver.EventStartup, DBName: "ORCL"}))

	require.NoError(t, reg.AddSink(sinkConfig("late")))
	snk := registrySink("late")
	require.Eventually(t, func() bool { return len(snk.published()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "cqn.ORCL.startup", snk.published()[0].topic)
}
