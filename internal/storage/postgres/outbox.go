package postgres

import (
	"context"
	"time"

	"github.com/fechatter/realtime-core/internal/contract"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxRow is an unpublished (or recently-published) outbox entry.
type OutboxRow struct {
	MessageID contract.MessageId
	ChatID    contract.ChatId
	Attempts  int
	CreatedAt time.Time
}

// OutboxRepo implements the at-least-once publish bookkeeping: a row is
// written in the same transaction as the message insert and flipped to
// published once the bus publish is acknowledged, so a crash between
// commit and publish is recovered by the sweeper rather than silently
// dropping an event.
type OutboxRepo struct {
	DB *pgxpool.Pool
}

// NewOutboxRepo constructs an OutboxRepo over an existing pool.
func NewOutboxRepo(db *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{DB: db}
}

// ListUnpublished returns unpublished rows across all chats, oldest
// first, capped at limit. Used both by the live dispatcher (small limit,
// tight poll) and the crash-recovery sweeper (larger limit, slow poll).
func (r *OutboxRepo) ListUnpublished(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT message_id, chat_id, attempts, created_at
		FROM outbox
		WHERE NOT published
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "list unpublished outbox rows", err)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var o OutboxRow
		if err := rows.Scan(&o.MessageID, &o.ChatID, &o.Attempts, &o.CreatedAt); err != nil {
			return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "scan outbox row", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "iterate outbox rows", err)
	}
	return out, nil
}

// MarkPublished flips a row to published once the bus has ack'd it.
func (r *OutboxRepo) MarkPublished(ctx context.Context, messageID contract.MessageId) error {
	_, err := r.DB.Exec(ctx,
		`UPDATE outbox SET published = true, published_at = now() WHERE message_id = $1`,
		messageID)
	if err != nil {
		return contract.NewAPIError(contract.CodeStorageUnavailable, "mark outbox published", err)
	}
	return nil
}

// IncrementAttempts records a failed publish attempt. The dispatcher and
// sweeper call it after a row's publish fails; the count does not change
// how either of them retries the row.
func (r *OutboxRepo) IncrementAttempts(ctx context.Context, messageID contract.MessageId) error {
	_, err := r.DB.Exec(ctx,
		`UPDATE outbox SET attempts = attempts + 1 WHERE message_id = $1`,
		messageID)
	if err != nil {
		return contract.NewAPIError(contract.CodeStorageUnavailable, "increment outbox attempts", err)
	}
	return nil
}

// LoadMessage reads back the full Message row for an outbox entry so the
// dispatcher can build the bus payload.
func (r *OutboxRepo) LoadMessage(ctx context.Context, repo *MessageRepo, messageID contract.MessageId) (contract.Message, error) {
	tx, err := repo.DB.Begin(ctx)
	if err != nil {
		return contract.Message{}, contract.NewAPIError(contract.CodeStorageUnavailable, "begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	msg, err := loadMessageTx(ctx, tx, messageID)
	if err != nil {
		return contract.Message{}, err
	}
	return msg, tx.Commit(ctx)
}
