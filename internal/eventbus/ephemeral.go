package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/fechatter/realtime-core/internal/contract"
)

// ephemeralBus is the fire-and-forget lane for typing indicators and
// presence pings: plain core NATS pub/sub, no stream, no ack, no
// redelivery. Losing one of these under load is an acceptable
// degradation the durable lane must never exhibit.
type ephemeralBus struct {
	nc *nats.Conn
}

// NewEphemeralBus wraps an existing NATS connection; it does not dial one
// itself, and Close leaves nc open for its owner to close.
func NewEphemeralBus(nc *nats.Conn) Bus {
	return &ephemeralBus{nc: nc}
}

func (b *ephemeralBus) Publish(ctx context.Context, subject string, event contract.LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return &contract.PublishError{Class: contract.PublishSerialize, Err: err}
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return &contract.PublishError{Class: contract.PublishNetwork, Err: err}
	}
	return nil
}

func (b *ephemeralBus) Subscribe(ctx context.Context, subject, consumerName string, handler Handler) (Subscription, error) {
	sub, err := b.nc.QueueSubscribe(subject, consumerName, func(msg *nats.Msg) {
		var event contract.LifecycleEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		_ = handler(ctx, event)
	})
	if err != nil {
		return nil, fmt.Errorf("ephemeral subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (b *ephemeralBus) Close() error {
	return nil
}
