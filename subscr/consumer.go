package subscr

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/maxpert/cqnotify/telemetry"
	"github.com/rs/zerolog/log"
)

// Handler receives delivered notifications on the subscription's consumer
// goroutine, one at a time and in driver order. Returned errors and panics
// are logged and counted; they never reach the driver.
type Handler func(ctx context.Context, msg *Message) error

// run is the consumer goroutine body. It owns one mailbox reference and
// releases it on exit. It exits only after closure has been observed and the
// queue drained.
func (m *mailbox) run(ctx context.Context) {
	log.Debug().Str("subscription", m.name).Uint64("subscription_id", m.subID).Msg("Consumer started")

	for {
		m.wake.wait()

		for {
			batch, closed := m.detach()
			if batch == nil {
				if closed {
					log.Debug().Str("subscription", m.name).Msg("Consumer drained, exiting")
					m.release()
					return
				}
				break
			}
			for pm := batch; pm != nil; {
				next := pm.next
				pm.next = nil
				m.deliver(ctx, pm)
				pm = next
			}
		}
	}
}

func (m *mailbox) deliver(ctx context.Context, pm *pendingMessage) {
	msg, err := decode(pm.block)
	if err != nil {
		m.failed.Add(1)
		telemetry.HandlerFailures.With(m.name, "decode").Inc()
		log.Error().Err(err).Str("subscription", m.name).Msg("Dropping undecodable notification")
		return
	}
	msg.SubscriptionID = m.subID
	msg.Subscription = m.name
	msg.ReceivedAt = pm.received

	if err := m.invoke(ctx, msg); err != nil {
		m.failed.Add(1)
		return
	}
	m.delivered.Add(1)
	telemetry.NotificationsDelivered.With(m.name).Inc()
	if !pm.received.IsZero() {
		telemetry.DeliveryLatencySeconds.Observe(time.Since(pm.received).Seconds())
	}
}

// invoke runs the handler, converting a panic into an error.
func (m *mailbox) invoke(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			telemetry.HandlerFailures.With(m.name, "panic").Inc()
			log.Error().
				Str("subscription", m.name).
				Str("event", msg.EventType.String()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Notification handler panicked")
		}
	}()

	if err = m.handler(ctx, msg); err != nil {
		telemetry.HandlerFailures.With(m.name, "error").Inc()
		log.Warn().
			Err(err).
			Str("subscription", m.name).
			Str("event", msg.EventType.String()).
			Msg("Notification handler failed")
	}
	return err
}
