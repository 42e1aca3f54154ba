// Package cache is the Redis-backed read-through cache in front of the
// membership table: fan-out's fallback recipient resolution (a
// message.created event that carries no recipient list) and ingress's
// membership check on the GET /chat/{id}/... endpoints both read it
// before falling back to Postgres.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fechatter/realtime-core/internal/contract"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const membershipTTL = 30 * time.Minute

// MembershipCache wraps a Redis client with the key scheme and
// serialization used by this service's caching layer.
type MembershipCache struct {
	rdb    *redis.Client
	prefix string
}

// NewMembershipCache builds a cache over an existing client. prefix
// namespaces keys when the same Redis instance is shared across
// environments or services.
func NewMembershipCache(rdb *redis.Client, prefix string) *MembershipCache {
	return &MembershipCache{rdb: rdb, prefix: prefix}
}

func (c *MembershipCache) key(chatID contract.ChatId) string {
	return fmt.Sprintf("%s:chat:%s:members", c.prefix, chatID)
}

// Get returns the cached member id set for a chat, or ok=false on a miss
// or any Redis error (caller falls back to Postgres; the cache is
// strictly an optimization, never a source of truth).
func (c *MembershipCache) Get(ctx context.Context, chatID contract.ChatId) (ids []contract.UserId, ok bool) {
	raw, err := c.rdb.Get(ctx, c.key(chatID)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("chat_id", chatID.String()).Msg("membership cache read failed")
		}
		return nil, false
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID.String()).Msg("membership cache decode failed")
		return nil, false
	}
	return ids, true
}

// Set writes the member id set for a chat with a bounded TTL. A TTL
// rather than explicit-only invalidation bounds the staleness window if
// an Invalidate call is ever dropped (e.g. the fan-out consumer stops
// before it handles a membership event).
func (c *MembershipCache) Set(ctx context.Context, chatID contract.ChatId, ids []contract.UserId) {
	payload, err := json.Marshal(ids)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID.String()).Msg("membership cache encode failed")
		return
	}
	if err := c.rdb.Set(ctx, c.key(chatID), payload, membershipTTL).Err(); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID.String()).Msg("membership cache write failed")
	}
}

// Invalidate drops the cached entry for a chat. Called whenever a
// chat.member.joined or chat.member.left event is processed, so the next
// read repopulates from Postgres rather than serving a stale member list.
func (c *MembershipCache) Invalidate(ctx context.Context, chatID contract.ChatId) {
	if err := c.rdb.Del(ctx, c.key(chatID)).Err(); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID.String()).Msg("membership cache invalidate failed")
	}
}
