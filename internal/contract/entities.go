package contract

import "time"

// UserStatus is the lifecycle status of a User row.
type UserStatus string

const (
	UserActive    UserStatus = "Active"
	UserSuspended UserStatus = "Suspended"
)

// ChatType distinguishes the four kinds of message container.
type ChatType string

const (
	ChatSingle         ChatType = "Single"
	ChatGroup          ChatType = "Group"
	ChatPrivateChannel ChatType = "PrivateChannel"
	ChatPublicChannel  ChatType = "PublicChannel"
)

// MemberRole is a ChatMember's role within a chat.
type MemberRole string

const (
	RoleOwner  MemberRole = "Owner"
	RoleMember MemberRole = "Member"
)

// Workspace is the tenant boundary. Not deleted once created.
type Workspace struct {
	ID      WorkspaceId `json:"id"`
	Name    string      `json:"name"`
	OwnerID UserId      `json:"owner_id"`
}

// User is a principal scoped to a single workspace.
type User struct {
	ID           UserId      `json:"id"`
	WorkspaceID  WorkspaceId `json:"workspace_id"`
	Email        string      `json:"email"`
	Fullname     string      `json:"fullname"`
	PasswordHash string      `json:"-"`
	Status       UserStatus  `json:"status"`
}

// UserSummary is the embedded representation of a User carried on a Message.
type UserSummary struct {
	ID       UserId `json:"id"`
	Fullname string `json:"fullname"`
	Email    string `json:"email"`
}

// Chat is a message container: DM, group, or one of two channel kinds.
type Chat struct {
	ID          ChatId      `json:"id"`
	WorkspaceID WorkspaceId `json:"workspace_id"`
	Type        ChatType    `json:"type"`
	Name        string      `json:"name"`
	CreatorID   UserId      `json:"creator_id"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ChatMember is the membership edge authorizing send/receive for a chat.
type ChatMember struct {
	ChatID   ChatId     `json:"chat_id"`
	UserID   UserId     `json:"user_id"`
	JoinedAt time.Time  `json:"joined_at"`
	Role     MemberRole `json:"role"`
}

// Member is the wire shape returned by GET /chat/{id}/members.
type Member struct {
	UserID   UserId     `json:"user_id"`
	Fullname string     `json:"fullname"`
	Email    string     `json:"email"`
	Role     MemberRole `json:"role"`
	JoinedAt time.Time  `json:"joined_at"`
}

// File is a single attachment reference carried on a Message.
type File struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size,omitempty"`
}

// Message is an immutable chat event. Never mutated after insert.
type Message struct {
	ID              MessageId   `json:"id"`
	ChatID          ChatId      `json:"chat_id"`
	SenderID        UserId      `json:"sender_id"`
	Sender          UserSummary `json:"sender"`
	Content         string      `json:"content"`
	Files           []File      `json:"files"`
	CreatedAt       time.Time   `json:"created_at"`
	SequenceNumber  int64       `json:"sequence_number"`
	IdempotencyKey  *string     `json:"idempotency_key"`
}

// IdempotencyRecord is the dedup key persisted alongside a Message insert.
type IdempotencyRecord struct {
	ChatID         ChatId
	SenderID       UserId
	Key            string
	MessageID      MessageId
	ExpiresAt      time.Time
}

// IdempotencyTTL is the dedup window: wide enough to cover a client's
// capped-backoff retry window plus a human reopening the app hours later.
const IdempotencyTTL = 72 * time.Hour

// MaxMessageContentChars bounds content length.
const MaxMessageContentChars = 10_000

// MaxMessageFiles bounds the files array length.
const MaxMessageFiles = 10

// MaxFetchLimit bounds the page size for FetchMessages / pull-style reads.
const MaxFetchLimit = 100
