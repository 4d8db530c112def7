package telemetry

import (
	"sync"
	"time"
)

// PendingStat is one subscription's mailbox backlog.
type PendingStat struct {
	Subscription string
	Pending      int
}

// StatsProvider interface for components that provide stats
type StatsProvider interface {
	PendingStats() []PendingStat
	ActiveCount() int
}

// SinkLag is how many relay log events a sink has not yet published.
type SinkLag struct {
	Sink string
	Lag  uint64
}

// LagProvider reports relay progress per sink
type LagProvider interface {
	SinkLags() []SinkLag
}

// MetricsCollector periodically samples subscription backlogs and relay lag
// into gauges.
type MetricsCollector struct {
	provider StatsProvider
	relay    LagProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. relay may be nil.
func NewMetricsCollector(provider StatsProvider, relay LagProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		relay:    relay,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	for {
		mc.collect()
		select {
		case <-ticker.C:
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider != nil {
		for _, st := range mc.provider.PendingStats() {
			MailboxPending.With(st.Subscription).Set(float64(st.Pending))
		}
		ActiveSubscriptions.Set(float64(mc.provider.ActiveCount()))
	}

	if mc.relay != nil {
		for _, sl := range mc.relay.SinkLags() {
			RelayLag.With(sl.Sink).Set(float64(sl.Lag))
		}
	}
}
