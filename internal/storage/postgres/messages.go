package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/fechatter/realtime-core/internal/contract"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MessageRepo implements the storage adapter's message operations.
type MessageRepo struct {
	DB *pgxpool.Pool
}

// NewMessageRepo constructs a MessageRepo over an existing pool.
func NewMessageRepo(db *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{DB: db}
}

// InsertMessage verifies membership, assigns the next sequence_number, and
// inserts the message row plus its outbox entry in one serializable
// transaction. If idempotencyKey is non-empty and a record already exists
// for (chatID, senderID, idempotencyKey), the original row is returned
// with isNew=false and nothing new is written.
func (r *MessageRepo) InsertMessage(
	ctx context.Context,
	chatID contract.ChatId,
	senderID contract.UserId,
	content string,
	files []contract.File,
	idempotencyKey string,
) (msg contract.Message, isNew bool, err error) {
	if err := validateContent(content, files); err != nil {
		return contract.Message{}, false, err
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return contract.Message{}, false, contract.NewAPIError(contract.CodeStorageUnavailable, "begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var isMember bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_member WHERE chat_id = $1 AND user_id = $2)`,
		chatID, senderID).Scan(&isMember); err != nil {
		return contract.Message{}, false, contract.NewAPIError(contract.CodeStorageUnavailable, "membership check", err)
	}
	if !isMember {
		return contract.Message{}, false, contract.NewAPIError(contract.CodeForbidden, "sender is not a chat member", nil)
	}

	if idempotencyKey != "" {
		existing, found, err := findByIdempotencyKey(ctx, tx, chatID, senderID, idempotencyKey)
		if err != nil {
			return contract.Message{}, false, err
		}
		if found {
			return existing, false, nil
		}
	}

	seq, err := nextSequence(ctx, tx, chatID)
	if err != nil {
		return contract.Message{}, false, err
	}

	filesJSON, err := json.Marshal(files)
	if err != nil {
		return contract.Message{}, false, contract.NewAPIError(contract.CodeValidationError, "invalid files payload", err)
	}

	var keyPtr *string
	if idempotencyKey != "" {
		keyPtr = &idempotencyKey
	}

	var id contract.MessageId
	var createdAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO message (chat_id, sender_id, content, files, sequence_number, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, chatID, senderID, content, filesJSON, seq, keyPtr).Scan(&id, &createdAt)
	if err != nil {
		return contract.Message{}, false, classifyInsertErr(err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox (message_id, chat_id, published) VALUES ($1, $2, false)`,
		id, chatID); err != nil {
		return contract.Message{}, false, contract.NewAPIError(contract.CodeStorageUnavailable, "outbox insert", err)
	}

	if idempotencyKey != "" {
		expires := createdAt.Add(contract.IdempotencyTTL)
		_, err = tx.Exec(ctx, `
			INSERT INTO idempotency_record (chat_id, sender_id, key, message_id, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (chat_id, sender_id, key) DO NOTHING
		`, chatID, senderID, idempotencyKey, id, expires)
		if err != nil {
			// Unique-violation race: another transaction committed the same
			// key first. Load and return that row: treat as is_new=false rather than failing.
			// The failed statement aborts tx, so the lookup runs in a fresh one.
			_ = tx.Rollback(ctx)
			if rtx, beginErr := r.DB.Begin(ctx); beginErr == nil {
				existing, found, lookupErr := findByIdempotencyKey(ctx, rtx, chatID, senderID, idempotencyKey)
				_ = rtx.Rollback(ctx)
				if lookupErr == nil && found {
					return existing, false, nil
				}
			}
			return contract.Message{}, false, contract.NewAPIError(contract.CodeStorageUnavailable, "idempotency insert", err)
		}
	}

	sender, err := loadUserSummary(ctx, tx, senderID)
	if err != nil {
		return contract.Message{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return contract.Message{}, false, contract.NewAPIError(contract.CodeStorageUnavailable, "commit", err)
	}

	msg = contract.Message{
		ID:             id,
		ChatID:         chatID,
		SenderID:       senderID,
		Sender:         sender,
		Content:        content,
		Files:          files,
		CreatedAt:      createdAt,
		SequenceNumber: seq,
		IdempotencyKey: keyPtr,
	}
	return msg, true, nil
}

// nextSequence assigns the next per-chat sequence number via a row-level
// lock on the chat_sequence counter row, atomically with the caller's
// insert. The row is created lazily on first send.
func nextSequence(ctx context.Context, tx pgx.Tx, chatID contract.ChatId) (int64, error) {
	var next int64
	err := tx.QueryRow(ctx, `
		INSERT INTO chat_sequence (chat_id, next_seq) VALUES ($1, 2)
		ON CONFLICT (chat_id) DO UPDATE SET next_seq = chat_sequence.next_seq + 1
		RETURNING next_seq - 1
	`, chatID).Scan(&next)
	if err != nil {
		return 0, contract.NewAPIError(contract.CodeStorageUnavailable, "sequence assignment", err)
	}
	return next, nil
}

func findByIdempotencyKey(ctx context.Context, tx pgx.Tx, chatID contract.ChatId, senderID contract.UserId, key string) (contract.Message, bool, error) {
	var mid contract.MessageId
	err := tx.QueryRow(ctx,
		`SELECT message_id FROM idempotency_record WHERE chat_id = $1 AND sender_id = $2 AND key = $3`,
		chatID, senderID, key).Scan(&mid)
	if errors.Is(err, pgx.ErrNoRows) {
		return contract.Message{}, false, nil
	}
	if err != nil {
		return contract.Message{}, false, contract.NewAPIError(contract.CodeStorageUnavailable, "idempotency lookup", err)
	}

	msg, err := loadMessageTx(ctx, tx, mid)
	if err != nil {
		return contract.Message{}, false, err
	}
	return msg, true, nil
}

func loadMessageTx(ctx context.Context, tx pgx.Tx, id contract.MessageId) (contract.Message, error) {
	var (
		msg       contract.Message
		filesJSON []byte
		keyPtr    *string
	)
	err := tx.QueryRow(ctx, `
		SELECT id, chat_id, sender_id, content, files, created_at, sequence_number, idempotency_key
		FROM message WHERE id = $1
	`, id).Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &filesJSON, &msg.CreatedAt, &msg.SequenceNumber, &keyPtr)
	if err != nil {
		return contract.Message{}, contract.NewAPIError(contract.CodeStorageUnavailable, "load message", err)
	}
	if err := json.Unmarshal(filesJSON, &msg.Files); err != nil {
		return contract.Message{}, contract.NewAPIError(contract.CodeStorageUnavailable, "decode files", err)
	}
	msg.IdempotencyKey = keyPtr

	sender, err := loadUserSummary(ctx, tx, msg.SenderID)
	if err != nil {
		return contract.Message{}, err
	}
	msg.Sender = sender
	return msg, nil
}

func loadUserSummary(ctx context.Context, tx pgx.Tx, id contract.UserId) (contract.UserSummary, error) {
	var u contract.UserSummary
	u.ID = id
	err := tx.QueryRow(ctx, `SELECT fullname, email FROM app_user WHERE id = $1`, id).Scan(&u.Fullname, &u.Email)
	if err != nil {
		return contract.UserSummary{}, contract.NewAPIError(contract.CodeStorageUnavailable, "load sender", err)
	}
	return u, nil
}

func validateContent(content string, files []contract.File) error {
	if content == "" && len(files) == 0 {
		return contract.NewAPIError(contract.CodeValidationError, "content or files required", nil)
	}
	if utf8.RuneCountInString(content) > contract.MaxMessageContentChars {
		return contract.NewAPIError(contract.CodeValidationError, "content too long", nil)
	}
	if len(files) > contract.MaxMessageFiles {
		return contract.NewAPIError(contract.CodeValidationError, "too many files", nil)
	}
	return nil
}

// classifyInsertErr maps a raw pgx error from the message insert to the
// taxonomy of "Fails with" clause. Unique-violations on
// (chat_id, sequence_number) are a correctness bug (the sequence
// assignment failed to serialize) and surface as StorageUnavailable so
// the ingress layer retries rather than papering over a lost invariant.
func classifyInsertErr(err error) error {
	return contract.NewAPIError(contract.CodeStorageUnavailable, "insert message", err)
}

// FetchMessages returns messages for chatID in ascending sequence_number
// order, paginated by descending sequence_number from anchor.
// anchorSeq<=0 means "latest"; limit is clamped to MaxFetchLimit.
func (r *MessageRepo) FetchMessages(ctx context.Context, chatID contract.ChatId, anchorSeq int64, limit int) ([]contract.Message, error) {
	if limit <= 0 || limit > contract.MaxFetchLimit {
		limit = contract.MaxFetchLimit
	}

	var rows pgx.Rows
	var err error
	if anchorSeq > 0 {
		rows, err = r.DB.Query(ctx, `
			SELECT id, chat_id, sender_id, content, files, created_at, sequence_number, idempotency_key
			FROM message
			WHERE chat_id = $1 AND sequence_number < $2
			ORDER BY sequence_number DESC
			LIMIT $3
		`, chatID, anchorSeq, limit)
	} else {
		rows, err = r.DB.Query(ctx, `
			SELECT id, chat_id, sender_id, content, files, created_at, sequence_number, idempotency_key
			FROM message
			WHERE chat_id = $1
			ORDER BY sequence_number DESC
			LIMIT $2
		`, chatID, limit)
	}
	if err != nil {
		return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "fetch messages", err)
	}
	defer rows.Close()

	var out []contract.Message
	for rows.Next() {
		var (
			msg       contract.Message
			filesJSON []byte
			keyPtr    *string
		)
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &filesJSON, &msg.CreatedAt, &msg.SequenceNumber, &keyPtr); err != nil {
			return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "scan message", err)
		}
		if err := json.Unmarshal(filesJSON, &msg.Files); err != nil {
			return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "decode files", err)
		}
		msg.IdempotencyKey = keyPtr
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "iterate messages", err)
	}

	// Reverse to ascending sequence_number order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	// Sender summaries are small and read outside the hot write path; batch
	// them with a single extra query rather than N+1.
	if err := r.hydrateSenders(ctx, out); err != nil {
		return nil, err
	}

	return out, nil
}

func (r *MessageRepo) hydrateSenders(ctx context.Context, msgs []contract.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make(map[contract.UserId]struct{}, len(msgs))
	for _, m := range msgs {
		ids[m.SenderID] = struct{}{}
	}
	idList := make([]contract.UserId, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}

	rows, err := r.DB.Query(ctx, `SELECT id, fullname, email FROM app_user WHERE id = ANY($1)`, idList)
	if err != nil {
		return contract.NewAPIError(contract.CodeStorageUnavailable, "hydrate senders", err)
	}
	defer rows.Close()

	byID := make(map[contract.UserId]contract.UserSummary, len(idList))
	for rows.Next() {
		var u contract.UserSummary
		if err := rows.Scan(&u.ID, &u.Fullname, &u.Email); err != nil {
			return contract.NewAPIError(contract.CodeStorageUnavailable, "scan sender", err)
		}
		byID[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return contract.NewAPIError(contract.CodeStorageUnavailable, "iterate senders", err)
	}

	for i := range msgs {
		msgs[i].Sender = byID[msgs[i].SenderID]
	}
	return nil
}

