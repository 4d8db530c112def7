package sink

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/cqnotify/relay"
	"github.com/segmentio/kafka-go"
)

var (
	_ relay.Sink = (*KafkaSink)(nil)
	_ relay.Sink = (*NatsSink)(nil)
	_ relay.Sink = (*MockSink)(nil)
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	if len(config.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %d", len(config.Brokers))
	}
	if config.BatchSize != DefaultKafkaBatchSize {
		t.Errorf("expected batch size %d, got %d", DefaultKafkaBatchSize, config.BatchSize)
	}
	if config.RequiredAcks != kafka.RequireAll {
		t.Errorf("expected RequireAll acks, got %v", config.RequiredAcks)
	}
	if config.WriteTimeout != DefaultKafkaWriteTimeout {
		t.Errorf("expected write timeout %v, got %v", DefaultKafkaWriteTimeout, config.WriteTimeout)
	}
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer sink.Close()

	if sink.writer.BatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", sink.writer.BatchSize)
	}
	if sink.writer.BatchBytes != DefaultKafkaBatchBytes {
		t.Errorf("expected default batch bytes, got %d", sink.writer.BatchBytes)
	}
	if sink.writer.RequiredAcks != kafka.RequireOne {
		t.Errorf("expected RequireOne acks, got %v", sink.writer.RequiredAcks)
	}
	if sink.writer.Async {
		t.Error("expected synchronous writer")
	}
	if _, ok := sink.writer.Balancer.(*kafka.Hash); !ok {
		t.Errorf("expected hash balancer, got %T", sink.writer.Balancer)
	}
	if sink.timeout != time.Second {
		t.Errorf("expected timeout 1s, got %v", sink.timeout)
	}
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{}); err == nil {
		t.Error("expected error for empty brokers, got nil")
	}
}

func TestSanitizeStreamName(t *testing.T) {
	tests := map[string]string{
		"cqn.ORCL.HR.EMP":   "cqn_ORCL_HR_EMP",
		"cqn.ORCL.shutdown": "cqn_ORCL_shutdown",
		"a*b>c d":           "a_b_c_d",
		"plain":             "plain",
	}
	for in, want := range tests {
		if got := sanitizeStreamName(in); got != want {
			t.Errorf("sanitizeStreamName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMockSink_PublishAndReset(t *testing.T) {
	mock := &MockSink{}

	if err := mock.Publish("cqn.ORCL.EMP", "key1", []byte("value1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := mock.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Topic != "cqn.ORCL.EMP" || msgs[0].Key != "key1" || string(msgs[0].Value) != "value1" {
		t.Errorf("unexpected message %+v", msgs[0])
	}

	mock.Reset()
	if len(mock.Messages()) != 0 {
		t.Error("expected no messages after reset")
	}
}

func TestMockSink_PublishError(t *testing.T) {
	expected := errors.New("publish failed")
	mock := &MockSink{PublishErr: expected}

	if err := mock.Publish("t", "k", nil); err != expected {
		t.Errorf("expected %v, got %v", expected, err)
	}
	if len(mock.Messages()) != 0 {
		t.Error("expected no messages on error")
	}
}

func TestMockSink_ConcurrentAndClose(t *testing.T) {
	mock := &MockSink{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mock.Publish("topic", "key", []byte("value"))
		}()
	}
	wg.Wait()

	if len(mock.Messages()) != 10 {
		t.Errorf("expected 10 messages, got %d", len(mock.Messages()))
	}
	if err := mock.Close(); err != nil {
		t.Errorf("unexpected error closing mock: %v", err)
	}
	if !mock.Closed() {
		t.Error("expected Closed after Close")
	}
}
