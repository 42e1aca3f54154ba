// Package outbox drains the transactional outbox: rows written in the
// same transaction as a message insert, published to the event bus, then
// flipped once the bus has acknowledged the write. A Dispatcher handles
// the live path (tight poll, small batches); the Sweeper in sweeper.go
// handles crash recovery (slow poll, larger batches, runs forever in the
// background independent of dispatch failures).
package outbox

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/fechatter/realtime-core/internal/contract"
	"github.com/fechatter/realtime-core/internal/eventbus"
	"github.com/fechatter/realtime-core/internal/storage/postgres"
)

// Dispatcher polls the outbox table for unpublished rows and publishes
// them to the durable event bus lane.
type Dispatcher struct {
	outbox   *postgres.OutboxRepo
	messages *postgres.MessageRepo
	bus      eventbus.Bus
	members  *postgres.MemberRepo

	pollInterval time.Duration
	batchSize    int
}

// NewDispatcher constructs a Dispatcher with the live-path defaults: a
// 250ms poll and a batch of 64 rows, small enough that one dispatcher
// cycle never holds a transaction open for long.
func NewDispatcher(outbox *postgres.OutboxRepo, messages *postgres.MessageRepo, members *postgres.MemberRepo, bus eventbus.Bus) *Dispatcher {
	return &Dispatcher{
		outbox:       outbox,
		messages:     messages,
		members:      members,
		bus:          bus,
		pollInterval: 250 * time.Millisecond,
		batchSize:    64,
	}
}

// Run polls until ctx is canceled. Each cycle's publish failures are
// retried with exponential backoff within the cycle; a row that still
// fails after the retry budget is left unpublished for the next poll
// (or, eventually, the Sweeper) to pick up.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.drainOnce(ctx); err != nil {
				log.Error().Err(err).Msg("outbox dispatcher cycle failed")
			}
		}
	}
}

func (d *Dispatcher) drainOnce(ctx context.Context) error {
	rows, err := d.outbox.ListUnpublished(ctx, d.batchSize)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if err := d.publishRow(ctx, row); err != nil {
			log.Warn().Err(err).
				Int64("message_id", int64(row.MessageID)).
				Int64("chat_id", int64(row.ChatID)).
				Msg("failed to publish outbox row, will retry next cycle")
			_ = d.outbox.IncrementAttempts(ctx, row.MessageID)
		}
	}
	return nil
}

func (d *Dispatcher) publishRow(ctx context.Context, row postgres.OutboxRow) error {
	msg, err := d.outbox.LoadMessage(ctx, d.messages, row.MessageID)
	if err != nil {
		return err
	}

	recipients, err := d.members.ListMemberIDs(ctx, row.ChatID)
	if err != nil {
		return err
	}

	event, err := contract.NewLifecycleEvent(contract.EventMessageCreated, time.Now(), contract.MessageCreatedPayload{
		Message:          msg,
		RecipientUserIDs: recipients,
	})
	if err != nil {
		return err
	}

	publish := func() error {
		err := d.bus.Publish(ctx, eventbus.SubjectMessageCreated, event)
		if pubErr, ok := err.(*contract.PublishError); ok && !pubErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(publish, backoff.WithContext(bo, ctx)); err != nil {
		return err
	}

	return d.outbox.MarkPublished(ctx, row.MessageID)
}
