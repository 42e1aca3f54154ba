// Package eventbus is the publish/subscribe layer between ingress and
// fan-out. It exposes two lanes: a durable JetStream lane for
// message.created and membership events (at-least-once, survives
// process restarts) and an ephemeral core-NATS lane for typing/presence
// broadcasts that are fine to drop under load.
package eventbus

import (
	"context"
	"fmt"

	"github.com/fechatter/realtime-core/internal/contract"
)

// Handler processes one delivered event. Returning an error causes a
// redelivery on the durable lane; the ephemeral lane has no redelivery.
type Handler func(ctx context.Context, event contract.LifecycleEvent) error

// Bus is the interface ingress and fan-out depend on; jetstreamBus and
// ephemeralBus both implement it so callers don't need to know which
// lane backs a given subject.
type Bus interface {
	// Publish sends an event on subject. On the durable lane this blocks
	// until JetStream acknowledges the write.
	Publish(ctx context.Context, subject string, event contract.LifecycleEvent) error

	// Subscribe registers handler as a queue-group member named
	// consumerName: multiple fan-out replicas subscribing with the same
	// consumerName load-balance delivery rather than each receiving a
	// copy.
	Subscribe(ctx context.Context, subject, consumerName string, handler Handler) (Subscription, error)

	Close() error
}

// Subscription is a live subscription handle.
type Subscription interface {
	Unsubscribe() error
}

// Durable-lane subjects. Fixed, unscoped: every ingress replica publishes
// to the same subject and every fan-out replica QueueSubscribes to it as
// a shared consumer group.
const (
	SubjectMessageCreated = "fechatter.messages.created"
	SubjectMemberJoined   = "fechatter.chats.member.joined"
	SubjectMemberLeft     = "fechatter.chats.member.left"
	SubjectChatCreated    = "fechatter.chats.created"
)

// Ephemeral-lane subjects are scoped per chat or per user so a fan-out
// replica can subscribe only to the chats/users its local connections
// care about instead of a firehose.
const (
	typingSubjectPrefix   = "fechatter.realtime.chat."
	typingSubjectSuffix   = ".typing"
	presenceSubjectPrefix = "fechatter.realtime.user."
	presenceSubjectSuffix = ".presence"
)

// TypingSubject builds the ephemeral typing-indicator subject for a chat.
func TypingSubject(chatID contract.ChatId) string {
	return fmt.Sprintf("%s%d%s", typingSubjectPrefix, int64(chatID), typingSubjectSuffix)
}

// PresenceSubject builds the ephemeral presence subject for a user.
func PresenceSubject(userID contract.UserId) string {
	return fmt.Sprintf("%s%d%s", presenceSubjectPrefix, int64(userID), presenceSubjectSuffix)
}
