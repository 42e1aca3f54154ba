package ingress

import (
	"context"

	"github.com/fechatter/realtime-core/internal/contract"
)

// isMember checks the membership cache before falling back to Postgres.
// A cache hit saves a round trip on the read path that GET /chat/{id}/...
// endpoints exercise far more often than the mutating ones.
func (s *Server) isMember(ctx context.Context, chatID contract.ChatId, userID contract.UserId) (bool, error) {
	if s.Cache != nil {
		if ids, ok := s.Cache.Get(ctx, chatID); ok {
			for _, id := range ids {
				if id == userID {
					return true, nil
				}
			}
			return false, nil
		}
	}

	isMember, err := s.Members.IsMember(ctx, chatID, userID)
	if err != nil {
		return false, err
	}

	if s.Cache != nil && isMember {
		if ids, err := s.Members.ListMemberIDs(ctx, chatID); err == nil {
			s.Cache.Set(ctx, chatID, ids)
		}
	}

	return isMember, nil
}
