package postgres

import (
	"context"

	"github.com/fechatter/realtime-core/internal/contract"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChatRepo implements the storage adapter's chat and workspace reads.
type ChatRepo struct {
	DB *pgxpool.Pool
}

// NewChatRepo constructs a ChatRepo over an existing pool.
func NewChatRepo(db *pgxpool.Pool) *ChatRepo {
	return &ChatRepo{DB: db}
}

// GetChat loads a single chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID contract.ChatId) (contract.Chat, error) {
	var c contract.Chat
	err := r.DB.QueryRow(ctx, `
		SELECT id, workspace_id, type, name, creator_id, created_at
		FROM chat WHERE id = $1
	`, chatID).Scan(&c.ID, &c.WorkspaceID, &c.Type, &c.Name, &c.CreatorID, &c.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return contract.Chat{}, contract.NewAPIError(contract.CodeNotFound, "chat not found", nil)
		}
		return contract.Chat{}, contract.NewAPIError(contract.CodeStorageUnavailable, "load chat", err)
	}
	return c, nil
}

// ListChatsForUser returns every chat a user belongs to within a
// workspace, newest-created first, backing GET /workspace/chats.
func (r *ChatRepo) ListChatsForUser(ctx context.Context, workspaceID contract.WorkspaceId, userID contract.UserId) ([]contract.Chat, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT c.id, c.workspace_id, c.type, c.name, c.creator_id, c.created_at
		FROM chat c
		JOIN chat_member cm ON cm.chat_id = c.id
		WHERE c.workspace_id = $1 AND cm.user_id = $2
		ORDER BY c.created_at DESC
	`, workspaceID, userID)
	if err != nil {
		return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "list chats", err)
	}
	defer rows.Close()

	var out []contract.Chat
	for rows.Next() {
		var c contract.Chat
		if err := rows.Scan(&c.ID, &c.WorkspaceID, &c.Type, &c.Name, &c.CreatorID, &c.CreatedAt); err != nil {
			return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "scan chat", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "iterate chats", err)
	}
	return out, nil
}
