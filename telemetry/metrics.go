package telemetry

// Histogram bucket definitions
var (
	// DeliveryBuckets for the time between driver callback and handler return
	DeliveryBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5}

	// PublishBuckets for relay sink publishes (network round trip)
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10}
)

// Notification Metrics
var (
	// NotificationsReceived counts driver callbacks by subscription
	NotificationsReceived CounterVec = noopCounters

	// NotificationsDropped counts notifications lost before delivery by subscription and reason
	// (too_large, destroyed, discarded)
	NotificationsDropped CounterVec = noopCounters

	// NotificationsDelivered counts handler invocations that returned without error
	NotificationsDelivered CounterVec = noopCounters

	// HandlerFailures counts handler failures by subscription and kind (error, panic, decode)
	HandlerFailures CounterVec = noopCounters

	// MailboxPending tracks queued, undelivered notifications by subscription
	MailboxPending GaugeVec = noopGauges

	// DeliveryLatencySeconds measures driver callback to handler completion
	DeliveryLatencySeconds Histogram = NoopStat{}

	// ActiveSubscriptions tracks subscriptions currently open
	ActiveSubscriptions Gauge = NoopStat{}
)

// Relay Metrics
var (
	// RelayLogAppended counts change events appended to the relay log
	RelayLogAppended Counter = NoopStat{}

	// RelayPublished counts sink publishes by sink and result (success, retry, failed)
	RelayPublished CounterVec = noopCounters

	// RelayPublishSeconds measures sink publish latency by sink
	RelayPublishSeconds HistogramVec = noopHistograms

	// RelayLag tracks relay log events not yet published, by sink
	RelayLag GaugeVec = noopGauges

	// HubSignalsDropped counts watch signals dropped because a watcher fell behind
	HubSignalsDropped Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	NotificationsReceived = NewCounterVec(
		"notifications_received_total",
		"Notifications received from the driver",
		[]string{"subscription"},
	)
	NotificationsDropped = NewCounterVec(
		"notifications_dropped_total",
		"Notifications dropped before delivery",
		[]string{"subscription", "reason"},
	)
	NotificationsDelivered = NewCounterVec(
		"notifications_delivered_total",
		"Notifications delivered to a handler without error",
		[]string{"subscription"},
	)
	HandlerFailures = NewCounterVec(
		"handler_failures_total",
		"Handler failures by kind",
		[]string{"subscription", "kind"},
	)
	MailboxPending = NewGaugeVec(
		"mailbox_pending",
		"Notifications queued and not yet delivered",
		[]string{"subscription"},
	)
	DeliveryLatencySeconds = NewHistogram(
		"delivery_latency_seconds",
		"Time from driver callback to handler completion in seconds",
		DeliveryBuckets,
	)
	ActiveSubscriptions = NewGauge(
		"active_subscriptions",
		"Number of open subscriptions",
	)

	RelayLogAppended = NewCounter(
		"relay_log_appended_total",
		"Change events appended to the relay log",
	)
	RelayPublished = NewCounterVec(
		"relay_published_total",
		"Relay sink publishes by result",
		[]string{"sink", "result"},
	)
	RelayPublishSeconds = NewHistogramVec(
		"relay_publish_seconds",
		"Relay sink publish latency in seconds",
		[]string{"sink"},
		PublishBuckets,
	)
	RelayLag = NewGaugeVec(
		"relay_lag_events",
		"Relay log events not yet published by sink",
		[]string{"sink"},
	)
	HubSignalsDropped = NewCounter(
		"hub_signals_dropped_total",
		"Watch signals dropped because the watcher was full",
	)
}
