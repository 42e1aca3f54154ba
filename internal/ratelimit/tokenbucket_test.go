package ratelimit

import (
	"testing"
	"time"

	"github.com/fechatter/realtime-core/internal/contract"
)

func TestPerChatLimiter_BurstThenReject(t *testing.T) {
	rl := NewPerChatLimiter(2, time.Minute)
	defer rl.Stop()

	user, chat := contract.UserId(1), contract.ChatId(1)

	for i := 0; i < 2; i++ {
		ok, _ := rl.Allow(user, chat)
		if !ok {
			t.Fatalf("request %d: expected allowed within burst capacity", i+1)
		}
	}

	ok, retryAfter := rl.Allow(user, chat)
	if ok {
		t.Fatal("expected third request to be rejected once burst is exhausted")
	}
	if retryAfter < time.Second {
		t.Errorf("Retry-After = %v, want >= 1s", retryAfter)
	}
}

func TestPerChatLimiter_IndependentPerChat(t *testing.T) {
	rl := NewPerChatLimiter(1, time.Minute)
	defer rl.Stop()

	user := contract.UserId(1)
	chatA, chatB := contract.ChatId(1), contract.ChatId(2)

	if ok, _ := rl.Allow(user, chatA); !ok {
		t.Fatal("expected first send to chat A to be allowed")
	}
	if ok, _ := rl.Allow(user, chatA); ok {
		t.Fatal("expected second send to chat A to be rejected")
	}
	if ok, _ := rl.Allow(user, chatB); !ok {
		t.Fatal("a rate-limited user in chat A should still have budget in chat B")
	}
}

func TestPerChatLimiter_IndependentPerUser(t *testing.T) {
	rl := NewPerChatLimiter(1, time.Minute)
	defer rl.Stop()

	chat := contract.ChatId(1)
	userA, userB := contract.UserId(1), contract.UserId(2)

	if ok, _ := rl.Allow(userA, chat); !ok {
		t.Fatal("expected user A's send to be allowed")
	}
	if ok, _ := rl.Allow(userA, chat); ok {
		t.Fatal("expected user A's second send to be rejected")
	}
	if ok, _ := rl.Allow(userB, chat); !ok {
		t.Fatal("user B should have an independent bucket in the same chat")
	}
}

func TestPerChatLimiter_RefillsOverTime(t *testing.T) {
	rl := NewPerChatLimiter(1, 10*time.Millisecond)
	defer rl.Stop()

	user, chat := contract.UserId(1), contract.ChatId(1)

	if ok, _ := rl.Allow(user, chat); !ok {
		t.Fatal("expected initial send to be allowed")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, _ := rl.Allow(user, chat); !ok {
		t.Fatal("expected a token to have refilled after the window elapsed")
	}
}
