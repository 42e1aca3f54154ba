// Package ratelimit implements the per-(user,chat) token bucket limiter
// that bounds message send rate.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/fechatter/realtime-core/internal/contract"
)

// Default burst/window: 30 messages per 10 seconds per (user, chat) pair.
const (
	DefaultBurst         = 30
	DefaultWindowSeconds = 10
)

// tokenBucket is a single bucket: burst capacity, refilled continuously
// at capacity/window tokens per second.
type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(capacity int, refillRate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow refills the bucket for elapsed time and attempts to consume one
// token. On rejection it also returns the duration until the next token
// becomes available, for a Retry-After header.
func (tb *tokenBucket) allow() (ok bool, retryAfter time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, 0
	}

	secondsUntilNext := (1.0 - tb.tokens) / tb.refillRate
	wait := time.Duration(secondsUntilNext * float64(time.Second))
	if wait < time.Second {
		wait = time.Second
	}
	return false, wait
}

func (tb *tokenBucket) idleFor() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return time.Since(tb.lastRefill)
}

// PerChatLimiter enforces a send-rate limit keyed on (user_id, chat_id):
// a user's activity in one chat never consumes their budget in another,
// matching the per-chat hotspot the sequence counter already serializes
// on.
type PerChatLimiter struct {
	buckets map[string]*tokenBucket
	burst   int
	window  time.Duration
	mu      sync.RWMutex
	stop    chan struct{}
}

// NewPerChatLimiter starts a limiter with the given burst/window and a
// background goroutine that evicts buckets idle for over an hour so the
// map doesn't grow unbounded as chats and users churn.
func NewPerChatLimiter(burst int, window time.Duration) *PerChatLimiter {
	rl := &PerChatLimiter{
		buckets: make(map[string]*tokenBucket),
		burst:   burst,
		window:  window,
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func key(userID contract.UserId, chatID contract.ChatId) string {
	return fmt.Sprintf("%d:%d", int64(userID), int64(chatID))
}

func (rl *PerChatLimiter) bucket(userID contract.UserId, chatID contract.ChatId) *tokenBucket {
	k := key(userID, chatID)

	rl.mu.RLock()
	b, ok := rl.buckets[k]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[k]; ok {
		return b
	}
	refillRate := float64(rl.burst) / rl.window.Seconds()
	b = newTokenBucket(rl.burst, refillRate)
	rl.buckets[k] = b
	return b
}

// Allow consumes a token for (userID, chatID), returning whether the send
// is allowed and, if not, the Retry-After duration.
func (rl *PerChatLimiter) Allow(userID contract.UserId, chatID contract.ChatId) (bool, time.Duration) {
	return rl.bucket(userID, chatID).allow()
}

// Stop terminates the background eviction goroutine.
func (rl *PerChatLimiter) Stop() { close(rl.stop) }

func (rl *PerChatLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			for k, b := range rl.buckets {
				if b.idleFor() > time.Hour {
					delete(rl.buckets, k)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}
