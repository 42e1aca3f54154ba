package ingress

import (
	"net/http"

	"github.com/fechatter/realtime-core/internal/auth"
	"github.com/fechatter/realtime-core/internal/contract"
)

// ListMembers handles GET /chat/{id}/members.
func (s *Server) ListMembers(w http.ResponseWriter, r *http.Request) {
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

	members, err := s.Members.ListMembers(r.Context(), chatID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, members)
}
