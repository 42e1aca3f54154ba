package ingress

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fechatter/realtime-core/internal/auth"
	"github.com/fechatter/realtime-core/internal/contract"
)

// sendMessageReq is the POST /chat/{id}/messages body. ReplyTo and
// Mentions are accepted for forward compatibility with richer clients
// but aren't persisted: Message's wire shape is fixed to the fields in
// contract.Message, and neither has a backing column yet.
type sendMessageReq struct {
	Content        string          `json:"content"`
	Files          []contract.File `json:"files"`
	IdempotencyKey string          `json:"idempotency_key"`
	ReplyTo        *int64          `json:"reply_to"`
	Mentions       []int64         `json:"mentions"`
}

func chatIDParam(r *http.Request) (contract.ChatId, bool) {
	raw := chi.URLParam(r, "id")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return contract.ChatId(n), true
}

// SendMessage handles POST /chat/{id}/messages: rate-limits, decodes the
// body, and inserts the message. A 409 IdempotencyReplay never actually
// happens as an HTTP error — a replay returns 201 with the original row
// and MessageResponse.IsReplay=true, since the send already "succeeded"
// from the client's point of view the first time.
func (s *Server) SendMessage(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		writeErr(w, contract.NewAPIError(contract.CodeValidationError, "invalid chat id", nil))
		return
	}
	userID := auth.UserID(r.Context())

	if allowed, retryAfter := s.Limiter.Allow(userID, chatID); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		writeErr(w, contract.NewAPIError(contract.CodeTooManyRequests, "rate limit exceeded", nil))
		return
	}

	var req sendMessageReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, contract.NewAPIError(contract.CodeValidationError, "malformed request body", err))
		return
	}

	msg, isNew, err := s.Messages.InsertMessage(r.Context(), chatID, userID, req.Content, req.Files, req.IdempotencyKey)
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, http.StatusCreated, contract.MessageResponse{Message: msg, IsReplay: !isNew})
}

// ListMessages handles GET /chat/{id}/messages?limit=&before_seq=.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	chatID, ok := chatIDParam(r)
	if !ok {
		writeErr(w, contract.NewAPIError(contract.CodeValidationError, "invalid chat id", nil))
		return
	}
	userID := auth.UserID(r.Context())

	if _, err := s.Chats.GetChat(r.Context(), chatID); err != nil {
		writeErr(w, err)
		return
	}
	isMember, err := s.isMember(r.Context(), chatID, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !isMember {
		writeErr(w, contract.NewAPIError(contract.CodeForbidden, "not a member of this chat", nil))
		return
	}

	limit := contract.MaxFetchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var anchor int64
	if v := r.URL.Query().Get("before_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			anchor = n
		}
	}

	msgs, err := s.Messages.FetchMessages(r.Context(), chatID, anchor, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, msgs)
}
