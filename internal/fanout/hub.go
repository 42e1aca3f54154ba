package fanout

import (
	"sync"

	"github.com/fechatter/realtime-core/internal/contract"
)

// Hub tracks every live connection on this fan-out replica, indexed both
// by user (direct delivery: a message.created event's RecipientUserIDs
// already name the users to push to) and by chat (so member_joined/left
// and typing events, which are scoped to a chat rather than a specific
// recipient list, can be broadcast to whoever is subscribed).
type Hub struct {
	mu       sync.RWMutex
	byUser   map[contract.UserId]map[*Connection]struct{}
	byChat   map[contract.ChatId]map[*Connection]struct{}
	connByID map[string]*Connection
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		byUser:   make(map[contract.UserId]map[*Connection]struct{}),
		byChat:   make(map[contract.ChatId]map[*Connection]struct{}),
		connByID: make(map[string]*Connection),
	}
}

// Register adds a new connection to every index.
func (h *Hub) Register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connByID[c.ID] = c

	if h.byUser[c.UserID] == nil {
		h.byUser[c.UserID] = make(map[*Connection]struct{})
	}
	h.byUser[c.UserID][c] = struct{}{}

	for chatID := range c.ChatIDs {
		if h.byChat[chatID] == nil {
			h.byChat[chatID] = make(map[*Connection]struct{})
		}
		h.byChat[chatID][c] = struct{}{}
	}
}

// Unregister removes a connection from every index.
func (h *Hub) Unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.connByID, c.ID)

	if set, ok := h.byUser[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.UserID)
		}
	}
	for chatID := range c.ChatIDs {
		if set, ok := h.byChat[chatID]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byChat, chatID)
			}
		}
	}
}

// BroadcastToUsers delivers event to every live connection belonging to
// any of userIDs. Used for message.created, which already carries an
// exact recipient snapshot.
func (h *Hub) BroadcastToUsers(userIDs []contract.UserId, event contract.SSEEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, uid := range userIDs {
		for c := range h.byUser[uid] {
			c.enqueue(event)
		}
	}
}

// BroadcastToChat delivers event to every live connection currently
// tracking chatID. Used for typing indicators and membership changes,
// which are scoped by chat rather than by an explicit recipient list.
func (h *Hub) BroadcastToChat(chatID contract.ChatId, event contract.SSEEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.byChat[chatID] {
		c.enqueue(event)
	}
}

// TrackChat adds chatID to a live connection's membership set, called
// when a member_joined event names a currently-connected user.
func (h *Hub) TrackChat(userID contract.UserId, chatID contract.ChatId) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.byUser[userID] {
		c.ChatIDs[chatID] = struct{}{}
		if h.byChat[chatID] == nil {
			h.byChat[chatID] = make(map[*Connection]struct{})
		}
		h.byChat[chatID][c] = struct{}{}
	}
}

// UntrackChat removes chatID from a live connection's membership set.
func (h *Hub) UntrackChat(userID contract.UserId, chatID contract.ChatId) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.byUser[userID] {
		delete(c.ChatIDs, chatID)
	}
	if set, ok := h.byChat[chatID]; ok {
		for c := range set {
			if c.UserID == userID {
				delete(set, c)
			}
		}
		if len(set) == 0 {
			delete(h.byChat, chatID)
		}
	}
}

// ConnectionCount reports the number of live connections, for metrics.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connByID)
}
