package chatws

import (
	"sync"
	"time"

	"github.com/KaranMittal0623/SkillSwap/internal/models"
)

// Hub tracks instance-local presence, conversation rooms, and active
// session bookkeeping. All state is owned by this instance; cross-instance
// coordination happens through the pub/sub broker, never through these maps.
//
// Join and Leave report first-member/last-member transitions so the gateway
// can reference-count broker subscriptions per conversation: the instance
// stays subscribed exactly while at least one local connection needs the
// channel.
type Hub struct {
	mu          sync.RWMutex
	presence    map[string]*Client            // userID -> active client, last join wins
	rooms       map[string]map[string]*Client // conversationID -> clientID -> client
	clientRooms map[string]map[string]struct{}
	sessions    map[string]models.ActiveConversation
}

func NewHub() *Hub {
	return &Hub{
		presence:    make(map[string]*Client),
		rooms:       make(map[string]map[string]*Client),
		clientRooms: make(map[string]map[string]struct{}),
		sessions:    make(map[string]models.ActiveConversation),
	}
}

// Attach registers the client as the active connection for its user and
// returns the connection it replaced, if any, together with the
// conversations the replacement emptied. The caller closes the replaced
// connection and releases the emptied subscriptions outside the lock; the
// replaced connection's own disconnect finds no state left to tear down.
func (h *Hub) Attach(c *Client) (replaced *Client, emptied []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.presence[c.UserID]; ok && existing != c {
		replaced = existing
		emptied = h.detachLocked(existing)
	}

	h.presence[c.UserID] = c
	if h.clientRooms[c.ID] == nil {
		h.clientRooms[c.ID] = make(map[string]struct{})
	}
	return replaced, emptied
}

// Detach removes the client's presence entry and room memberships. It
// returns the conversations whose local membership dropped to zero so the
// gateway can release their broker subscriptions.
func (h *Hub) Detach(c *Client) (emptied []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detachLocked(c)
}

func (h *Hub) detachLocked(c *Client) (emptied []string) {
	if current, ok := h.presence[c.UserID]; ok && current == c {
		delete(h.presence, c.UserID)
	}

	for conversationID := range h.clientRooms[c.ID] {
		if h.leaveLocked(conversationID, c.ID) {
			emptied = append(emptied, conversationID)
		}
	}
	delete(h.clientRooms, c.ID)
	return emptied
}

// Join adds the client to the conversation room and records the session on
// first local entry. The returned flag is true when this client is the
// first local member.
func (h *Hub) Join(conversationID string, c *Client, participants []string) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Client)
		h.rooms[conversationID] = room
		h.sessions[conversationID] = models.ActiveConversation{
			ConversationID: conversationID,
			Participants:   participants,
			StartedAt:      time.Now().UTC(),
		}
		first = true
	}
	room[c.ID] = c

	memberships := h.clientRooms[c.ID]
	if memberships == nil {
		memberships = make(map[string]struct{})
		h.clientRooms[c.ID] = memberships
	}
	memberships[conversationID] = struct{}{}
	return first
}

// Leave removes the client from the room. The returned flag is true when
// the room has no local members left.
func (h *Hub) Leave(conversationID string, c *Client) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(conversationID, c.ID)
}

func (h *Hub) leaveLocked(conversationID, clientID string) (last bool) {
	room := h.rooms[conversationID]
	if room == nil {
		return false
	}
	delete(room, clientID)
	if memberships, ok := h.clientRooms[clientID]; ok {
		delete(memberships, conversationID)
	}
	if len(room) == 0 {
		delete(h.rooms, conversationID)
		delete(h.sessions, conversationID)
		return true
	}
	return false
}

// Broadcast delivers payload to every local member of the conversation and
// reports how many connections accepted it.
func (h *Hub) Broadcast(conversationID string, payload []byte) int {
	h.mu.RLock()
	room := h.rooms[conversationID]
	members := make([]*Client, 0, len(room))
	for _, c := range room {
		members = append(members, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range members {
		if err := c.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// NotifyUser delivers payload to the user's active connection, if any.
func (h *Hub) NotifyUser(userID string, payload []byte) bool {
	h.mu.RLock()
	c := h.presence[userID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	return c.Send(payload) == nil
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.presence[userID]
	return ok
}

func (h *Hub) ActiveUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]string, 0, len(h.presence))
	for userID := range h.presence {
		users = append(users, userID)
	}
	return users
}

func (h *Hub) ActiveConversations() []models.ActiveConversation {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conversations := make([]models.ActiveConversation, 0, len(h.sessions))
	for _, session := range h.sessions {
		conversations = append(conversations, session)
	}
	return conversations
}

// Close terminates every tracked connection and clears all state.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.presence))
	for _, c := range h.presence {
		clients = append(clients, c)
	}
	h.presence = make(map[string]*Client)
	h.rooms = make(map[string]map[string]*Client)
	h.clientRooms = make(map[string]map[string]struct{})
	h.sessions = make(map[string]models.ActiveConversation)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
