package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/cqnotify/cfg"
	"github.com/maxpert/cqnotify/subscr"
	"github.com/maxpert/cqnotify/telemetry"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the relay registry
type RegistryConfig struct {
	Path        string // NotificationLog directory
	NodeID      uint64 // Stamped on every event
	SinkConfigs []cfg.SinkConfiguration
}

// Registry owns the notification log and one worker per sink.
type Registry struct {
	log     *NotificationLog
	nodeID  uint64
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// WorkerStatus is a worker snapshot for the admin API
type WorkerStatus struct {
	Name   string `json:"name"`
	Cursor uint64 `json:"cursor"`
	Halted bool   `json:"halted"`
}

// NewRegistry opens the log and builds a worker for every sink. Workers do
// not run until Start.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("relay log path is required")
	}

	nl, err := OpenNotificationLog(config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification log: %w", err)
	}

	r := &Registry{
		log:     nl,
		nodeID:  config.NodeID,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := r.AddSink(sinkCfg); err != nil {
			for _, w := range r.workers {
				w.config.Sink.Close()
			}
			nl.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("workers", len(r.workers)).Msg("Relay registry initialized")
	return r, nil
}

// AddSink creates a worker for config. A sink added while the registry is
// running starts immediately.
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	trans, err := NewTransformer(config.Format, config.Compression)
	if err != nil {
		return err
	}

	filter, err := NewGlobFilter(config.FilterTables, config.FilterDatabases)
	if err != nil {
		return fmt.Errorf("failed to create filter: %w", err)
	}

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	w, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             r.log,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, w)
	if r.running.Load() {
		w.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Str("compression", config.Compression).
		Msg("Added relay sink")
	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}
	for _, w := range r.workers {
		w.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops the workers, closes their sinks and closes the log.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	for _, w := range r.workers {
		w.Stop()
		if err := w.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", w.Name()).Msg("Failed to close sink")
		}
	}
	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close notification log")
	}
	log.Info().Msg("Relay registry stopped")
}

// AppendMessage flattens a delivered message into the log.
func (r *Registry) AppendMessage(msg *subscr.Message) error {
	if !r.running.Load() {
		return fmt.Errorf("registry not running")
	}
	return r.log.Append(ConvertMessage(msg, r.nodeID))
}

// LastSeq is the sequence of the newest appended event
func (r *Registry) LastSeq() uint64 {
	return r.log.LastSeq()
}

// Workers returns a snapshot of every worker's progress.
func (r *Registry) Workers() []WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	cursors := r.log.Cursors()
	out := make([]WorkerStatus, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, WorkerStatus{
			Name:   w.Name(),
			Cursor: cursors[w.Name()],
			Halted: w.Halted(),
		})
	}
	return out
}

// SinkLags implements telemetry.LagProvider
func (r *Registry) SinkLags() []telemetry.SinkLag {
	last := r.log.LastSeq()
	statuses := r.Workers()
	out := make([]telemetry.SinkLag, 0, len(statuses))
	for _, ws := range statuses {
		var lag uint64
		if last > ws.Cursor {
			lag = last - ws.Cursor
		}
		out = append(out, telemetry.SinkLag{Sink: ws.Name, Lag: lag})
	}
	return out
}

// SinkFactory creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

// NewTransformer builds the registered format, wrapped in the requested
// compression.
func NewTransformer(format, compression string) (Transformer, error) {
	t, err := createTransformer(format)
	if err != nil {
		return nil, fmt.Errorf("failed to create transformer: %w", err)
	}
	return wrapCompression(compression, t)
}

func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}
