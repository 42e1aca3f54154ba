package fanout

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fechatter/realtime-core/internal/contract"
)

// heartbeatInterval matches the 30s ping cadence clients are told to
// expect. The 60s silence window after which a client should give up and
// reconnect is a client-side rule; nothing here enforces it.
const heartbeatInterval = 30 * time.Second

// ServeSSE handles GET /events: it authenticates via the access_token
// query parameter (EventSource cannot set an Authorization header),
// opens a Connection, and blocks streaming events until the client
// disconnects or the request context is canceled.
func (s *Server) ServeSSE(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")
	identity, err := s.authenticate(token)
	if err != nil {
		http.Error(w, `{"success":false,"error":{"code":"Unauthenticated","message":"invalid or missing access_token"}}`, http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	chatIDs, err := s.recipientChats(r.Context(), identity.WorkspaceID, identity.UserID)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", int64(identity.UserID)).Msg("failed to load chat membership for new connection")
	}
	s.ensureTypingSubscriptions(r.Context(), chatIDs)

	coMembers, err := s.Members.ListCoMembers(r.Context(), identity.UserID)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", int64(identity.UserID)).Msg("failed to load co-members for presence subscription")
	}
	s.ensurePresenceSubscriptions(r.Context(), coMembers)

	conn := newConnection(uuid.NewString(), identity.UserID, chatIDs)
	s.Hub.Register(conn)
	defer func() {
		s.Hub.Unregister(conn)
		if conn.closedSlow() {
			log.Warn().Str("connection_id", conn.ID).Int64("user_id", int64(identity.UserID)).
				Int64("dropped", conn.droppedCount()).Msg("closing connection: slow consumer")
			writeSSE(w, flusher, contract.SSEEvent{
				Type: contract.SSEError,
				Payload: contract.ErrorDetail{
					Code:    contract.CodeSlowConsumer,
					Message: "connection closed: too many dropped events, reconnect and re-sync",
				},
				SentAt: time.Now(),
			})
		}
		conn.close()
	}()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, flusher, contract.SSEEvent{
		Type: contract.SSEConnectionConfirmed,
		Payload: contract.ConnectionConfirmedPayload{
			ChatIDs:    chatIDs,
			ServerTime: time.Now(),
		},
		SentAt: time.Now(),
	})
	conn.touch()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			return
		case event := <-conn.egress:
			writeSSE(w, flusher, event)
			conn.touch()
		case <-ticker.C:
			writeSSE(w, flusher, contract.SSEEvent{Type: contract.SSEPing, SentAt: time.Now()})
			conn.touch()
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event contract.SSEEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal SSE event")
		return
	}
	fmt.Fprintf(w, "event: %s\n", event.Type)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
