package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fechatter/realtime-core/internal/contract"
	"github.com/fechatter/realtime-core/internal/eventbus"
)

// Consumer subscribes this replica to both event-bus lanes and drives
// the Hub from whatever arrives. consumerName must be shared across all
// fan-out replicas so the durable lane's QueueSubscribe load-balances
// delivery instead of every replica re-broadcasting the same event.
type Consumer struct {
	hub     *Hub
	bus     eventbus.Bus
	cache   *cacheReader
	members membersReader
}

// cacheReader and membersReader narrow the dependencies Consumer needs
// down to what it actually calls, so tests can fake them without pulling
// in postgres/redis.
type cacheReader struct {
	get        func(ctx context.Context, chatID contract.ChatId) ([]contract.UserId, bool)
	invalidate func(ctx context.Context, chatID contract.ChatId)
}

type membersReader interface {
	ListMemberIDs(ctx context.Context, chatID contract.ChatId) ([]contract.UserId, error)
	ListCoMembers(ctx context.Context, userID contract.UserId) ([]contract.UserId, error)
}

// NewConsumer constructs a Consumer. cacheGet may be nil if no cache is
// configured; recipient resolution then always falls back to members.
// cacheInvalidate may also be nil, in which case member_joined/left events
// never evict a stale cache entry and staleness is bounded only by the
// cache's own TTL.
func NewConsumer(hub *Hub, bus eventbus.Bus, members membersReader, cacheGet func(ctx context.Context, chatID contract.ChatId) ([]contract.UserId, bool), cacheInvalidate func(ctx context.Context, chatID contract.ChatId)) *Consumer {
	var cr *cacheReader
	if cacheGet != nil || cacheInvalidate != nil {
		cr = &cacheReader{get: cacheGet, invalidate: cacheInvalidate}
	}
	return &Consumer{hub: hub, bus: bus, cache: cr, members: members}
}

// Start subscribes to every durable-lane subject this service forwards
// to connected clients. consumerName is the shared queue-group name so
// fan-out replicas load-balance delivery rather than each receiving a
// copy of every event.
func (c *Consumer) Start(ctx context.Context, consumerName string) error {
	handlers := map[string]eventbus.Handler{
		eventbus.SubjectMessageCreated: c.handleMessageCreated,
		eventbus.SubjectMemberJoined:   c.handleMemberJoined,
		eventbus.SubjectMemberLeft:     c.handleMemberLeft,
	}
	for subject, handler := range handlers {
		if _, err := c.bus.Subscribe(ctx, subject, consumerName, handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	return nil
}

// SubscribeChatTyping subscribes to the ephemeral typing subject for a
// specific chat. Called lazily the first time a connection joins a chat
// rather than up front for every chat in the system.
func (c *Consumer) SubscribeChatTyping(ctx context.Context, ephemeral eventbus.Bus, chatID contract.ChatId, consumerName string) error {
	_, err := ephemeral.Subscribe(ctx, eventbus.TypingSubject(chatID), consumerName, func(ctx context.Context, event contract.LifecycleEvent) error {
		c.hub.BroadcastToChat(chatID, contract.SSEEvent{
			Type:    contract.SSETyping,
			Payload: event.Payload,
			SentAt:  event.OccurredAt,
		})
		return nil
	})
	return err
}

// SubscribeUserPresence subscribes to the ephemeral presence subject for a
// specific user, broadcasting each update to that user's co-members
// (anyone sharing a chat with them). Called lazily the first time one of
// that user's co-members connects, rather than for every user up front.
func (c *Consumer) SubscribeUserPresence(ctx context.Context, ephemeral eventbus.Bus, userID contract.UserId, consumerName string) error {
	_, err := ephemeral.Subscribe(ctx, eventbus.PresenceSubject(userID), consumerName, func(ctx context.Context, event contract.LifecycleEvent) error {
		recipients, err := c.members.ListCoMembers(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Int64("user_id", int64(userID)).Msg("failed to resolve co-members for presence broadcast")
			return nil
		}
		c.hub.BroadcastToUsers(recipients, contract.SSEEvent{
			Type:    contract.SSEPresence,
			Payload: event.Payload,
			SentAt:  event.OccurredAt,
		})
		return nil
	})
	return err
}

func (c *Consumer) handleMessageCreated(ctx context.Context, event contract.LifecycleEvent) error {
	var payload contract.MessageCreatedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}

	recipients := payload.RecipientUserIDs
	if len(recipients) == 0 {
		var err error
		recipients, err = c.resolveRecipients(ctx, payload.Message.ChatID)
		if err != nil {
			log.Warn().Err(err).Int64("chat_id", int64(payload.Message.ChatID)).Msg("falling back recipient resolution failed")
			return nil
		}
	}

	c.hub.BroadcastToUsers(recipients, contract.SSEEvent{
		Type:    contract.SSENewMessage,
		Payload: payload.Message,
		SentAt:  event.OccurredAt,
	})
	return nil
}

func (c *Consumer) handleMemberJoined(ctx context.Context, event contract.LifecycleEvent) error {
	var payload contract.ChatMemberJoinedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}
	c.hub.TrackChat(payload.UserID, payload.ChatID)
	c.invalidateMembership(ctx, payload.ChatID)
	c.hub.BroadcastToChat(payload.ChatID, contract.SSEEvent{
		Type:    contract.SSEMemberJoined,
		Payload: payload,
		SentAt:  event.OccurredAt,
	})
	return nil
}

func (c *Consumer) handleMemberLeft(ctx context.Context, event contract.LifecycleEvent) error {
	var payload contract.ChatMemberLeftPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}
	c.hub.BroadcastToChat(payload.ChatID, contract.SSEEvent{
		Type:    contract.SSEMemberLeft,
		Payload: payload,
		SentAt:  event.OccurredAt,
	})
	c.hub.UntrackChat(payload.UserID, payload.ChatID)
	c.invalidateMembership(ctx, payload.ChatID)
	return nil
}

func (c *Consumer) resolveRecipients(ctx context.Context, chatID contract.ChatId) ([]contract.UserId, error) {
	if c.cache != nil && c.cache.get != nil {
		if ids, ok := c.cache.get(ctx, chatID); ok {
			return ids, nil
		}
	}
	return c.members.ListMemberIDs(ctx, chatID)
}

func (c *Consumer) invalidateMembership(ctx context.Context, chatID contract.ChatId) {
	if c.cache != nil && c.cache.invalidate != nil {
		c.cache.invalidate(ctx, chatID)
	}
}
