package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Handler processes one decoded message. Returning an error leaves the
// message unacknowledged so the bus redelivers it (at-least-once).
type Handler func(ctx context.Context, data []byte) error

// Bus is the cross-service coordination medium. Exactly one implementation
// talks to JetStream; the stub implementation backs tests.
type Bus interface {
	Publish(ctx context.Context, subject string, payload any) error
	Subscribe(ctx context.Context, subject, durable string, handler Handler) error
	Close(ctx context.Context) error
}

var ErrClosed = errors.New("bus closed")

const streamName = "SIGMAPILOT"

// JetStreamBus wraps a NATS JetStream connection with the durable subjects
// the platform uses. At-least-once delivery with explicit acks; consumers
// deduplicate by payload id.
type JetStreamBus struct {
	nc   *nats.Conn
	js   nats.JetStreamContext
	subs []*nats.Subscription
}

// ConnectJetStream connects to NATS and ensures the platform stream exists
// covering every durable subject.
func ConnectJetStream(natsURL string) (*JetStreamBus, error) {
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Name("sigmapilot"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	_, err = js.StreamInfo(streamName)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  Subjects,
			Retention: nats.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Storage:   nats.FileStorage,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	return &JetStreamBus{nc: nc, js: js}, nil
}

// Publish marshals the payload as JSON and publishes it to the subject.
func (b *JetStreamBus) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a durable push consumer. The handler's error keeps
// the message in-flight for redelivery; success acks it.
func (b *JetStreamBus) Subscribe(ctx context.Context, subject, durable string, handler Handler) error {
	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(ctx, msg.Data); err != nil {
			log.Warn().Err(err).Str("subject", subject).Str("durable", durable).
				Msg("handler failed, message left for redelivery")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(sanitizeDurable(durable)),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
		nats.DeliverAll(),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s (%s): %w", subject, durable, err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

// Close drains in-flight consumers with a grace period, then disconnects.
func (b *JetStreamBus) Close(ctx context.Context) error {
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	done := make(chan struct{})
	go func() {
		b.nc.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("bus drain timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Durable names may not contain dots; subjects like fills.v1 become part
// of consumer names, so flatten them.
func sanitizeDurable(d string) string {
	return strings.ReplaceAll(d, ".", "-")
}
