package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/fechatter/realtime-core/internal/contract"
)

// JetStreamConfig configures the durable lane. StreamSubjects is
// deliberately narrower than "fechatter.>": it must exclude the
// fechatter.realtime.* ephemeral subjects so a stream never picks up
// typing/presence traffic published on the shared NATS connection.
type JetStreamConfig struct {
	URL            string
	StreamName     string   // default "FECHATTER_EVENTS"
	StreamSubjects []string // default ["fechatter.messages.>", "fechatter.chats.>"]
	MaxAge         time.Duration
	AckWait        time.Duration
	MaxAckPending  int
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	if c.StreamName == "" {
		c.StreamName = "FECHATTER_EVENTS"
	}
	if len(c.StreamSubjects) == 0 {
		c.StreamSubjects = []string{"fechatter.messages.>", "fechatter.chats.>"}
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 1024
	}
	return c
}

// jetstreamBus is the durable Bus implementation: every publish is
// acknowledged by JetStream before Publish returns, and every
// subscription is a durable consumer that redelivers on Nak/timeout
// rather than dropping the event.
type jetstreamBus struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	cfg JetStreamConfig
}

// NewJetStreamBus connects to NATS and ensures the backing stream exists.
func NewJetStreamBus(cfg JetStreamConfig) (Bus, error) {
	cfg = cfg.withDefaults()
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url, nats.Name("fechatter-realtime-core"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("init jetstream context: %w", err)
	}

	bus := &jetstreamBus{nc: nc, js: js, cfg: cfg}
	if err := bus.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return bus, nil
}

func (b *jetstreamBus) ensureStream() error {
	if _, err := b.js.StreamInfo(b.cfg.StreamName); err == nil {
		return nil
	}
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:      b.cfg.StreamName,
		Subjects:  b.cfg.StreamSubjects,
		Storage:   nats.FileStorage,
		MaxAge:    b.cfg.MaxAge,
		Retention: nats.LimitsPolicy,
		Replicas:  1,
	})
	return err
}

func (b *jetstreamBus) Publish(ctx context.Context, subject string, event contract.LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return &contract.PublishError{Class: contract.PublishSerialize, Err: err}
	}

	_, err = b.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return &contract.PublishError{Class: contract.PublishTimeout, Err: err}
		}
		return &contract.PublishError{Class: contract.PublishNetwork, Err: err}
	}
	return nil
}

func (b *jetstreamBus) Subscribe(ctx context.Context, subject, consumerName string, handler Handler) (Subscription, error) {
	sub, err := b.js.QueueSubscribe(subject, consumerName, func(msg *nats.Msg) {
		var event contract.LifecycleEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("discarding undecodable event")
			_ = msg.Ack()
			return
		}

		if err := handler(ctx, event); err != nil {
			log.Warn().Err(err).Str("subject", subject).Str("kind", string(event.Kind)).Msg("handler failed, nak for redelivery")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(consumerName),
		nats.ManualAck(),
		nats.AckWait(b.cfg.AckWait),
		nats.MaxAckPending(b.cfg.MaxAckPending),
	)
	if err != nil {
		return nil, fmt.Errorf("jetstream subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (b *jetstreamBus) Close() error {
	b.nc.Close()
	return nil
}
