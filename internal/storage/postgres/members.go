package postgres

import (
	"context"

	"github.com/fechatter/realtime-core/internal/contract"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MemberRepo implements the storage adapter's membership operations:
// the ChatMember edge between users and chats.
type MemberRepo struct {
	DB *pgxpool.Pool
}

// NewMemberRepo constructs a MemberRepo over an existing pool.
func NewMemberRepo(db *pgxpool.Pool) *MemberRepo {
	return &MemberRepo{DB: db}
}

// IsMember reports whether userID belongs to chatID.
func (r *MemberRepo) IsMember(ctx context.Context, chatID contract.ChatId, userID contract.UserId) (bool, error) {
	var ok bool
	err := r.DB.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_member WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID).Scan(&ok)
	if err != nil {
		return false, contract.NewAPIError(contract.CodeStorageUnavailable, "membership check", err)
	}
	return ok, nil
}

// ListMemberIDs returns the user ids belonging to chatID, used by fan-out
// to resolve recipients for a message.created event.
func (r *MemberRepo) ListMemberIDs(ctx context.Context, chatID contract.ChatId) ([]contract.UserId, error) {
	rows, err := r.DB.Query(ctx, `SELECT user_id FROM chat_member WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "list member ids", err)
	}
	defer rows.Close()

	var ids []contract.UserId
	for rows.Next() {
		var id contract.UserId
		if err := rows.Scan(&id); err != nil {
			return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "scan member id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "iterate member ids", err)
	}
	return ids, nil
}

// ListCoMembers returns the distinct set of users who share at least one
// chat with userID, used by fan-out to resolve presence-broadcast
// recipients without needing a reverse friends/contacts table.
func (r *MemberRepo) ListCoMembers(ctx context.Context, userID contract.UserId) ([]contract.UserId, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT DISTINCT cm2.user_id
		FROM chat_member cm1
		JOIN chat_member cm2 ON cm2.chat_id = cm1.chat_id
		WHERE cm1.user_id = $1 AND cm2.user_id != $1
	`, userID)
	if err != nil {
		return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "list co-members", err)
	}
	defer rows.Close()

	var ids []contract.UserId
	for rows.Next() {
		var id contract.UserId
		if err := rows.Scan(&id); err != nil {
			return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "scan co-member", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "iterate co-members", err)
	}
	return ids, nil
}

// ListMembers returns the full Member wire shape for GET /chat/{id}/members.
func (r *MemberRepo) ListMembers(ctx context.Context, chatID contract.ChatId) ([]contract.Member, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT cm.user_id, u.fullname, u.email, cm.role, cm.joined_at
		FROM chat_member cm
		JOIN app_user u ON u.id = cm.user_id
		WHERE cm.chat_id = $1
		ORDER BY cm.joined_at ASC
	`, chatID)
	if err != nil {
		return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "list members", err)
	}
	defer rows.Close()

	var out []contract.Member
	for rows.Next() {
		var m contract.Member
		if err := rows.Scan(&m.UserID, &m.Fullname, &m.Email, &m.Role, &m.JoinedAt); err != nil {
			return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "scan member", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, contract.NewAPIError(contract.CodeStorageUnavailable, "iterate members", err)
	}
	return out, nil
}
