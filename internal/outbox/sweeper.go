package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper is the crash-recovery pass over the outbox table: a slower,
// larger-batch scan that catches rows the live Dispatcher missed because
// the process died between commit and publish. It runs independently of
// the Dispatcher and, like it, retries a failing row on every cycle with
// the same per-publish retry budget (publishRow).
type Sweeper struct {
	dispatcher *Dispatcher

	interval  time.Duration
	batchSize int
	maxAge    time.Duration
}

// NewSweeper constructs a Sweeper that runs every 30s over rows older
// than staleAfter, in batches of up to 500.
func NewSweeper(dispatcher *Dispatcher, staleAfter time.Duration) *Sweeper {
	return &Sweeper{
		dispatcher: dispatcher,
		interval:   30 * time.Second,
		batchSize:  500,
		maxAge:     staleAfter,
	}
}

// Run sweeps until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				log.Error().Err(err).Msg("outbox sweeper cycle failed")
			}
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	rows, err := s.dispatcher.outbox.ListUnpublished(ctx, s.batchSize)
	if err != nil {
		return err
	}

	var stale int
	for _, row := range rows {
		if time.Since(row.CreatedAt) < s.maxAge {
			continue
		}
		stale++
		if err := s.dispatcher.publishRow(ctx, row); err != nil {
			log.Error().Err(err).
				Int64("message_id", int64(row.MessageID)).
				Dur("age", time.Since(row.CreatedAt)).
				Msg("sweeper republish failed, row remains stuck")
			_ = s.dispatcher.outbox.IncrementAttempts(ctx, row.MessageID)
		}
	}
	if stale > 0 {
		log.Warn().Int("count", stale).Msg("sweeper recovered stale outbox rows")
	}
	return nil
}
