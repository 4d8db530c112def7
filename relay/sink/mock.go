package sink

import (
	"sync"

	"github.com/maxpert/cqnotify/cfg"
	"github.com/maxpert/cqnotify/relay"
)

func init() {
	relay.RegisterSink("mock", func(config cfg.SinkConfiguration) (relay.Sink, error) {
		return &MockSink{}, nil
	})
}

// MockSink records publishes in memory. It backs the "mock" sink type,
// which is handy for dry runs of a relay configuration.
type MockSink struct {
	PublishErr error

	mu       sync.Mutex
	messages []MockMessage
	closed   bool
}

// MockMessage is one recorded publish
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.messages = append(m.messages, MockMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Messages returns a copy of the recorded publishes
func (m *MockSink) Messages() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.messages...)
}

func (m *MockSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called
func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}
