// Package ingress is the HTTP entry point: authenticates the caller,
// enforces per-(user,chat) rate limits, and drives the storage adapter's
// message/chat/member operations. It never talks to the event bus
// directly — fan-out is decoupled through the outbox and the durable bus
// lane, both owned by internal/outbox and internal/eventbus.
package ingress

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/fechatter/realtime-core/internal/auth"
	"github.com/fechatter/realtime-core/internal/ratelimit"
	"github.com/fechatter/realtime-core/internal/storage/cache"
	"github.com/fechatter/realtime-core/internal/storage/postgres"
)

// Server holds the dependencies HTTP handlers need.
type Server struct {
	Messages *postgres.MessageRepo
	Chats    *postgres.ChatRepo
	Members  *postgres.MemberRepo
	Cache    *cache.MembershipCache
	Limiter  *ratelimit.PerChatLimiter
	JWTCfg   auth.JWTCfg
}

// Routes builds the chi router: request id/logging/recovery middleware,
// auth, then the four message/chat/member endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.JWTCfg))

		r.Post("/chat/{id}/messages", s.SendMessage)
		r.Get("/chat/{id}/messages", s.ListMessages)
		r.Get("/chat/{id}/members", s.ListMembers)
		r.Get("/workspace/chats", s.ListWorkspaceChats)
	})

	log.Info().Msg("ingress routes registered")
	return r
}
