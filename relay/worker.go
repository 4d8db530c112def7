package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/cqnotify/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize       = 100
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	// DefaultMaxRetries bounds attempts per event; the worker halts after it
	DefaultMaxRetries = 100
)

var errWorkerStopped = errors.New("worker stopped")

// WorkerConfig configures a relay worker
type WorkerConfig struct {
	Name            string           // Sink name, also the cursor name
	Log             *NotificationLog // Log to read from
	Sink            Sink
	Transformer     Transformer
	Filter          Filter
	TopicPrefix     string // e.g. "cqn"
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int
}

// Worker tails the notification log and publishes each event to one sink.
// The cursor only moves after a successful publish, so delivery to the sink
// is at least once.
type Worker struct {
	config      WorkerConfig
	cursor      uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	halted      atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates config, fills defaults and loads the sink's cursor.
func NewWorker(config WorkerConfig) (*Worker, error) {
	switch {
	case config.Name == "":
		return nil, fmt.Errorf("worker name is required")
	case config.Log == nil:
		return nil, fmt.Errorf("notification log is required")
	case config.Sink == nil:
		return nil, fmt.Errorf("sink is required")
	case config.Transformer == nil:
		return nil, fmt.Errorf("transformer is required")
	case config.Filter == nil:
		return nil, fmt.Errorf("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Log.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	if cursor == 0 {
		// A new sink starts at the oldest retained event
		events, err := config.Log.ReadFrom(0, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest entry: %w", err)
		}
		if len(events) > 0 {
			cursor = events[0].SeqNum - 1
		}
	}

	return &Worker{
		config: config,
		cursor: cursor,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Name returns the sink name.
func (w *Worker) Name() string {
	return w.config.Name
}

// Halted reports whether the worker gave up after exhausting retries.
func (w *Worker) Halted() bool {
	return w.halted.Load()
}

// Start launches the poll loop. Calling Start on a running worker is a no-op.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}
	w.running.Store(true)
	w.halted.Store(false)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("sink", w.config.Name).
		Uint64("cursor", w.cursor).
		Msg("Starting relay worker")

	go w.pollLoop()
}

// Stop signals the poll loop and waits for it to exit.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("sink", w.config.Name).Msg("Relay worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		events, err := w.config.Log.ReadFrom(w.cursor, w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("sink", w.config.Name).
				Uint64("cursor", w.cursor).
				Msg("Failed to read from notification log")
			if !w.sleep(w.config.PollInterval) {
				return
			}
			continue
		}

		if len(events) == 0 {
			if !w.sleep(w.config.PollInterval) {
				return
			}
			continue
		}

		for _, event := range events {
			if err := w.processEvent(event); err != nil {
				if errors.Is(err, errWorkerStopped) {
					return
				}
				log.Error().
					Err(err).
					Str("sink", w.config.Name).
					Uint64("seq", event.SeqNum).
					Msg("Relay worker halted")
				w.halted.Store(true)
				return
			}
			w.cursor = event.SeqNum
		}
	}
}

func (w *Worker) processEvent(event ChangeEvent) error {
	if w.config.Filter.Match(event.Database, event.Table) {
		data, err := w.config.Transformer.Transform(event)
		if err != nil {
			return fmt.Errorf("failed to transform event: %w", err)
		}
		if err := w.publishWithRetry(w.buildTopic(event), EventKey(event), data); err != nil {
			return err
		}
	}

	// Publish happened before the cursor write; a failure here means redelivery
	if err := w.config.Log.AdvanceCursor(w.config.Name, event.SeqNum); err != nil {
		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Uint64("seq", event.SeqNum).
			Msg("Failed to advance cursor, event may be redelivered")
	}
	return nil
}

// buildTopic is prefix.db.table, with the event type standing in for the
// table on database level events.
func (w *Worker) buildTopic(event ChangeEvent) string {
	parts := make([]string, 0, 3)
	if w.config.TopicPrefix != "" {
		parts = append(parts, w.config.TopicPrefix)
	}
	if event.Database != "" {
		parts = append(parts, event.Database)
	}
	if event.Table != "" {
		parts = append(parts, event.Table)
	} else {
		parts = append(parts, event.EventType)
	}
	return strings.Join(parts, ".")
}

func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	latency := telemetry.RelayPublishSeconds.With(w.config.Name)

	for attempts := 1; ; attempts++ {
		start := time.Now()
		err := w.config.Sink.Publish(topic, key, data)
		latency.Observe(time.Since(start).Seconds())
		if err == nil {
			telemetry.RelayPublished.With(w.config.Name, "success").Inc()
			return nil
		}

		if attempts >= w.config.MaxRetries {
			telemetry.RelayPublished.With(w.config.Name, "failed").Inc()
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}
		telemetry.RelayPublished.With(w.config.Name, "retry").Inc()

		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return errWorkerStopped
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep returns false when the worker was stopped first
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
