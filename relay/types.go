package relay

// ChangeEvent is one table-level change taken from a delivered notification.
// Notifications without tables (startup, shutdown, dereg) become a single
// event with an empty Table.
type ChangeEvent struct {
	SeqNum         uint64   `msgpack:"seq" json:"seq"`          // Monotonic sequence, assigned by the log
	NodeID         uint64   `msgpack:"node" json:"node_id"`     // Originating node
	Subscription   string   `msgpack:"sub" json:"subscription"` // Subscription name
	SubscriptionID uint64   `msgpack:"sid" json:"subscription_id"`
	EventType      string   `msgpack:"evt" json:"event_type"`    // objchange, querychange, ...
	Database       string   `msgpack:"db" json:"db"`             // Database name
	Table          string   `msgpack:"tbl" json:"table"`         // Table name, may be empty
	Operation      string   `msgpack:"op" json:"operation"`      // Table operation names
	QueryID        uint64   `msgpack:"qid" json:"query_id"`      // Registered query, 0 for object changes
	Rowids         []string `msgpack:"rows" json:"rowids"`       // Changed row ids, when requested
	ReceivedAt     int64    `msgpack:"ts" json:"received_at_ms"` // Receive timestamp (unix ms)
	Error          string   `msgpack:"err" json:"error,omitempty"`
}

// Sink represents a destination for change events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts change events to sink payloads
type Transformer interface {
	// Transform converts a change event to bytes for publishing
	Transform(event ChangeEvent) ([]byte, error)
}

// Filter determines whether a change event should be published
type Filter interface {
	// Match returns true if the event should be published
	Match(database, table string) bool
}
