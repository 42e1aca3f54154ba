package ingress

import (
	"net/http"

	"github.com/fechatter/realtime-core/internal/auth"
)

// ListWorkspaceChats handles GET /workspace/chats: every chat the caller
// belongs to within their own workspace, newest first.
func (s *Server) ListWorkspaceChats(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	workspaceID := auth.WorkspaceID(r.Context())

	chats, err := s.Chats.ListChatsForUser(r.Context(), workspaceID, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, chats)
}
