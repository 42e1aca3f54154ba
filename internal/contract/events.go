package contract

import (
	"encoding/json"
	"time"
)

// EventKind names a LifecycleEvent payload shape.
type EventKind string

const (
	EventMessageCreated   EventKind = "message.created"
	EventChatMemberJoined EventKind = "chat.member.joined"
	EventChatMemberLeft   EventKind = "chat.member.left"
	EventChatCreated      EventKind = "chat.created"
)

// EnvelopeVersion is the first field of every LifecycleEvent on the wire;
// implementations may switch the payload encoding but must keep this byte
// first so older consumers can reject a future incompatible version.
const EnvelopeVersion uint8 = 1

// LifecycleEvent is the persistent-lane wire envelope. Payload is kept as
// raw JSON so bus adapters never need to know the concrete payload type to
// route, retry, or redeliver an event.
type LifecycleEvent struct {
	Version    uint8           `json:"version"`
	Kind       EventKind       `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewLifecycleEvent marshals payload and stamps the envelope fields.
func NewLifecycleEvent(kind EventKind, occurredAt time.Time, payload any) (LifecycleEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return LifecycleEvent{}, err
	}
	return LifecycleEvent{
		Version:    EnvelopeVersion,
		Kind:       kind,
		OccurredAt: occurredAt,
		Payload:    raw,
	}, nil
}

// MessageCreatedPayload carries the full Message row plus a publish-time
// snapshot of the recipient set. The fan-out fast path trusts this list
// rather than re-resolving membership from storage: shipping the snapshot
// removes a read dependency from the hot path and keeps the data flow one-way.
type MessageCreatedPayload struct {
	Message           Message  `json:"message"`
	RecipientUserIDs  []UserId `json:"recipient_user_ids"`
}

// ChatMemberJoinedPayload/Left describe a membership edge change. Fan-out
// uses these to keep its in-memory membership maps current.
type ChatMemberJoinedPayload struct {
	ChatID ChatId     `json:"chat_id"`
	UserID UserId     `json:"user_id"`
	Role   MemberRole `json:"role"`
}

type ChatMemberLeftPayload struct {
	ChatID ChatId `json:"chat_id"`
	UserID UserId `json:"user_id"`
}

// ChatCreatedPayload announces a new Chat row.
type ChatCreatedPayload struct {
	Chat            Chat     `json:"chat"`
	InitialMemberIDs []UserId `json:"initial_member_ids"`
}

// SSEEventType names the `type` field of a fan-out push event.
type SSEEventType string

const (
	SSEConnectionConfirmed SSEEventType = "connection_confirmed"
	SSENewMessage          SSEEventType = "new_message"
	SSETyping              SSEEventType = "typing"
	SSEPresence            SSEEventType = "presence"
	SSEMemberJoined        SSEEventType = "member_joined"
	SSEMemberLeft          SSEEventType = "member_left"
	SSEPing                SSEEventType = "ping"
	SSEError               SSEEventType = "error"
)

// SSEEvent is the JSON object framed as `data: <json>\n\n` on the fan-out
// stream.
type SSEEvent struct {
	Type    SSEEventType `json:"type"`
	Payload any          `json:"payload,omitempty"`
	SentAt  time.Time    `json:"sent_at"`
}

// ConnectionConfirmedPayload is the payload of the first event sent on a
// newly-opened fan-out connection.
type ConnectionConfirmedPayload struct {
	ChatIDs   []ChatId  `json:"chat_ids"`
	ServerTime time.Time `json:"server_time"`
}
