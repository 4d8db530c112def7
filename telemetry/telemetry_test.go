package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestLabeledMetricsRegister(t *testing.T) {
	prev := registry
	registry = prometheus.NewRegistry()
	defer func() { registry = prev }()

	dropped := NewCounterVec("test_dropped_total", "test", []string{"subscription", "reason"})
	dropped.With("emp", "too_large").Add(2)
	dropped.With("emp", "destroyed").Inc()

	lag := NewGaugeVec("test_lag", "test", []string{"sink"})
	lag.With("kafka").Set(7)

	NewHistogramVec("test_publish_seconds", "test", []string{"sink"}, PublishBuckets).With("nats").Observe(0.02)
	NewHistogram("test_latency_seconds", "test", DeliveryBuckets).Observe(0.001)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	byName := map[string]int{}
	for _, mf := range families {
		byName[mf.GetName()] = len(mf.GetMetric())
		for _, m := range mf.GetMetric() {
			found := false
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "node_id" {
					found = true
				}
			}
			if !found {
				t.Errorf("%s: missing node_id label", mf.GetName())
			}
		}
	}

	want := map[string]int{
		"cqnotify_v1_test_dropped_total":   2,
		"cqnotify_v1_test_lag":             1,
		"cqnotify_v1_test_publish_seconds": 1,
		"cqnotify_v1_test_latency_seconds": 1,
	}
	for name, n := range want {
		if byName[name] != n {
			t.Errorf("%s: got %d series, want %d", name, byName[name], n)
		}
	}
}

func TestNoopWithoutRegistry(t *testing.T) {
	prev := registry
	registry = nil
	defer func() { registry = prev }()

	if _, ok := NewGaugeVec("g", "g", []string{"x"}).With("a").(NoopStat); !ok {
		t.Error("expected noop gauge without registry")
	}
	if _, ok := NewHistogram("h", "h", nil).(NoopStat); !ok {
		t.Error("expected noop histogram without registry")
	}
}
