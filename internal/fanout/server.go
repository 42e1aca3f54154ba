package fanout

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/fechatter/realtime-core/internal/auth"
	"github.com/fechatter/realtime-core/internal/contract"
	"github.com/fechatter/realtime-core/internal/eventbus"
	"github.com/fechatter/realtime-core/internal/storage/cache"
	"github.com/fechatter/realtime-core/internal/storage/postgres"
)

// Server holds fan-out's dependencies: the connection Hub, the
// membership cache/repo used to resolve recipients at connect time and
// for ephemeral broadcasts, and the auth config used to validate the
// access_token query parameter.
type Server struct {
	Hub          *Hub
	Chats        *postgres.ChatRepo
	Members      *postgres.MemberRepo
	Cache        *cache.MembershipCache
	JWTCfg       auth.JWTCfg
	Consumer     *Consumer
	Ephemeral    eventbus.Bus
	ConsumerName string

	typingSubscribed   sync.Map // contract.ChatId -> struct{}
	presenceSubscribed sync.Map // contract.UserId -> struct{}
}

// Routes builds the fan-out HTTP router: just the SSE endpoint plus a
// health check, no authenticated-by-middleware group since ServeSSE
// authenticates the query-param token itself.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/events", s.ServeSSE)

	log.Info().Msg("fan-out routes registered")
	return r
}

func (s *Server) authenticate(token string) (auth.Identity, error) {
	return auth.ValidateToken(token, s.JWTCfg)
}

// recipientChats resolves the chats a user belongs to at connect time,
// used both to seed the connection's chat-scoped broadcast membership
// and to answer the connection_confirmed payload's chat_ids field.
func (s *Server) recipientChats(ctx context.Context, workspaceID contract.WorkspaceId, userID contract.UserId) ([]contract.ChatId, error) {
	chats, err := s.Chats.ListChatsForUser(ctx, workspaceID, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]contract.ChatId, len(chats))
	for i, c := range chats {
		ids[i] = c.ID
	}
	return ids, nil
}

// ensureTypingSubscriptions lazily subscribes this replica to the
// ephemeral typing subject for each chat, the first time any local
// connection joins it. Avoids pre-subscribing to every chat in the
// system up front.
func (s *Server) ensureTypingSubscriptions(ctx context.Context, chatIDs []contract.ChatId) {
	if s.Consumer == nil || s.Ephemeral == nil {
		return
	}
	for _, chatID := range chatIDs {
		if _, already := s.typingSubscribed.LoadOrStore(chatID, struct{}{}); already {
			continue
		}
		if err := s.Consumer.SubscribeChatTyping(ctx, s.Ephemeral, chatID, s.ConsumerName); err != nil {
			s.typingSubscribed.Delete(chatID)
			log.Warn().Err(err).Int64("chat_id", int64(chatID)).Msg("failed to subscribe ephemeral typing lane")
		}
	}
}

// ensurePresenceSubscriptions lazily subscribes this replica to the
// ephemeral presence subject for each of userIDs, the first time any
// local connection shares a chat with them.
func (s *Server) ensurePresenceSubscriptions(ctx context.Context, userIDs []contract.UserId) {
	if s.Consumer == nil || s.Ephemeral == nil {
		return
	}
	for _, userID := range userIDs {
		if _, already := s.presenceSubscribed.LoadOrStore(userID, struct{}{}); already {
			continue
		}
		if err := s.Consumer.SubscribeUserPresence(ctx, s.Ephemeral, userID, s.ConsumerName); err != nil {
			s.presenceSubscribed.Delete(userID)
			log.Warn().Err(err).Int64("user_id", int64(userID)).Msg("failed to subscribe ephemeral presence lane")
		}
	}
}
