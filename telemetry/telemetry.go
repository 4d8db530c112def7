// Package telemetry exposes the process metrics. Every metric starts as a
// no-op and only becomes a Prometheus collector once InitializeTelemetry has
// created a registry and InitMetrics has run.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/maxpert/cqnotify/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	namespace = "cqnotify"
	subsystem = "v1"
)

var registry *prometheus.Registry

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Counter
	Set(float64)
	Dec()
	Sub(float64)
	SetToCurrentTime()
}

// Labeled resolves a child metric from label values, in declaration order.
type Labeled[T any] interface {
	With(labels ...string) T
}

type (
	CounterVec   = Labeled[Counter]
	GaugeVec     = Labeled[Gauge]
	HistogramVec = Labeled[Histogram]
)

// NoopStat satisfies Counter, Gauge and Histogram and records nothing.
type NoopStat struct{}

func (NoopStat) Observe(float64)   {}
func (NoopStat) Set(float64)       {}
func (NoopStat) Inc()              {}
func (NoopStat) Dec()              {}
func (NoopStat) Add(float64)       {}
func (NoopStat) Sub(float64)       {}
func (NoopStat) SetToCurrentTime() {}

// labeled adapts a WithLabelValues style lookup to Labeled.
type labeled[T any] func(labels ...string) T

func (l labeled[T]) With(labels ...string) T { return l(labels...) }

var (
	noopCounters   = labeled[Counter](func(...string) Counter { return NoopStat{} })
	noopGauges     = labeled[Gauge](func(...string) Gauge { return NoopStat{} })
	noopHistograms = labeled[Histogram](func(...string) Histogram { return NoopStat{} })
)

// opts fills the fields shared by every metric of this process.
func opts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		ConstLabels: prometheus.Labels{
			"node_id": strconv.FormatUint(cfg.Config.NodeID, 10),
		},
	}
}

func histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	o := opts(name, help)
	return prometheus.HistogramOpts{
		Namespace:   o.Namespace,
		Subsystem:   o.Subsystem,
		Name:        o.Name,
		Help:        o.Help,
		ConstLabels: o.ConstLabels,
		Buckets:     buckets,
	}
}

func register[C prometheus.Collector](c C) C {
	registry.MustRegister(c)
	return c
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewCounter(prometheus.CounterOpts(opts(name, help))))
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewGauge(prometheus.GaugeOpts(opts(name, help))))
}

func NewHistogram(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewHistogram(histogramOpts(name, help, buckets)))
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounters
	}
	vec := register(prometheus.NewCounterVec(prometheus.CounterOpts(opts(name, help)), labels))
	return labeled[Counter](func(v ...string) Counter { return vec.WithLabelValues(v...) })
}

func NewGaugeVec(name, help string, labels []string) GaugeVec {
	if registry == nil {
		return noopGauges
	}
	vec := register(prometheus.NewGaugeVec(prometheus.GaugeOpts(opts(name, help)), labels))
	return labeled[Gauge](func(v ...string) Gauge { return vec.WithLabelValues(v...) })
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	if registry == nil {
		return noopHistograms
	}
	vec := register(prometheus.NewHistogramVec(histogramOpts(name, help, buckets), labels))
	return labeled[Histogram](func(v ...string) Histogram { return vec.WithLabelValues(v...) })
}

// InitializeTelemetry creates the registry when Prometheus is enabled. Metrics
// created before this call, or with Prometheus disabled, stay no-ops.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		log.Debug().Msg("Prometheus disabled, metrics are no-ops")
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	log.Info().Msg("Prometheus metrics enabled, served by the admin server at /metrics")
}

// GetMetricsHandler returns the /metrics handler, or nil when Prometheus is
// disabled.
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
