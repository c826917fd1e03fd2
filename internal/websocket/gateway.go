package chatws

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KaranMittal0623/SkillSwap/internal/models"
	"github.com/KaranMittal0623/SkillSwap/internal/pubsub"
	"github.com/KaranMittal0623/SkillSwap/pkg/utils"
)

// Client -> server events.
const (
	EventUserJoin       = "user_join"
	EventStartChat      = "start_chat"
	EventSendMessage    = "send_message"
	EventUserTyping     = "user_typing"
	EventUserStopTyping = "user_stop_typing"
	EventLoadHistory    = "load_chat_history"
	EventMarkAsRead     = "mark_as_read"
	EventEndChat        = "end_chat"
)

// Server -> client events.
const (
	EventChatStarted  = "chat_started"
	EventNewMessage   = "new_message"
	EventChatHistory  = "chat_history"
	EventMessagesRead = "messages_read"
	EventChatEnded    = "chat_ended"
	EventMessageError = "message_error"
	EventHistoryError = "history_error"
)

// MessageStore is the persistence contract the gateway consumes. Storage is
// authoritative: a message missed on the live path is recovered through
// ListByConversation.
type MessageStore interface {
	Create(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, error)
	ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]models.ChatMessage, error)
	MarkMessagesRead(ctx context.Context, messageIDs []string) (time.Time, error)
}

// Broker is the cross-instance fan-out contract. Failures degrade delivery
// to this instance's local rooms; they never abort a persisted operation.
type Broker interface {
	Publish(ctx context.Context, channel string, payload any) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error
	Unsubscribe(ctx context.Context, channel string) error
}

// Notifier enqueues a best-effort notification for a receiver with no live
// connection on this instance.
type Notifier interface {
	NotifyOffline(ctx context.Context, msg *models.ChatMessage) error
}

// Gateway drives the per-connection event state machine: a connection
// authenticates at upgrade, identifies itself with user_join, enters rooms
// with start_chat, and exchanges messages until it disconnects.
//
// The gateway subscribes the instance to a conversation's channels when the
// first local connection joins the room and unsubscribes when the last one
// leaves, so local and remote deliveries run through the same subscription
// callbacks.
type Gateway struct {
	hub      *Hub
	store    MessageStore
	broker   Broker
	notifier Notifier

	historyLimit int
	historyMax   int
}

func NewGateway(hub *Hub, store MessageStore, broker Broker, notifier Notifier, historyLimit, historyMax int) *Gateway {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	if historyMax < historyLimit {
		historyMax = historyLimit
	}
	return &Gateway{
		hub:          hub,
		store:        store,
		broker:       broker,
		notifier:     notifier,
		historyLimit: historyLimit,
		historyMax:   historyMax,
	}
}

type clientEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type serverEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type userJoinPayload struct {
	UserID string `json:"userId"`
}

type startChatPayload struct {
	UserID       string `json:"userId"`
	TargetUserID string `json:"targetUserId"`
	RoomID       string `json:"roomId"`
}

type sendMessagePayload struct {
	UserID       string `json:"userId"`
	TargetUserID string `json:"targetUserId"`
	Message      string `json:"message"`
	MessageType  string `json:"messageType"`
}

type typingPayload struct {
	UserID       string `json:"userId"`
	TargetUserID string `json:"targetUserId"`
}

type loadHistoryPayload struct {
	UserID       string `json:"userId"`
	TargetUserID string `json:"targetUserId"`
	Limit        int    `json:"limit"`
}

type markAsReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type readEventPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

type userStatusPayload struct {
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	SocketID  string    `json:"socketId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Serve runs the read loop for the connection and blocks until it closes.
// Disconnect tears down presence and room state but lets already-issued
// persistence and publish calls complete.
func (g *Gateway) Serve(c *Client) {
	go c.WritePump()
	defer g.disconnect(c)

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		g.handleEvent(c, payload)
	}
}

// handleEvent dispatches one inbound frame. Any failure is isolated to this
// handler and reported to the originating connection only.
func (g *Gateway) handleEvent(c *Client, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"userId": c.UserID,
				"panic":  r,
			}).Error("event handler panicked")
			g.sendError(c, EventMessageError, "internal error")
		}
	}()

	var ev clientEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		g.sendError(c, EventMessageError, "invalid event payload")
		return
	}

	switch ev.Event {
	case EventUserJoin:
		g.handleUserJoin(c, ev.Data)
	case EventStartChat:
		g.handleStartChat(c, ev.Data)
	case EventSendMessage:
		g.handleSendMessage(c, ev.Data)
	case EventUserTyping:
		g.handleTyping(c, ev.Data, EventUserTyping)
	case EventUserStopTyping:
		g.handleTyping(c, ev.Data, EventUserStopTyping)
	case EventLoadHistory:
		g.handleLoadHistory(c, ev.Data)
	case EventMarkAsRead:
		g.handleMarkAsRead(c, ev.Data)
	case EventEndChat:
		g.handleEndChat(c, ev.Data)
	default:
		g.sendError(c, EventMessageError, "unknown event: "+ev.Event)
	}
}

func (g *Gateway) handleUserJoin(c *Client, data json.RawMessage) {
	var p userJoinPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			g.sendError(c, EventMessageError, "invalid event payload")
			return
		}
	}
	if p.UserID != "" && p.UserID != c.UserID {
		g.sendError(c, EventMessageError, "user id does not match token")
		return
	}

	replaced, emptied := g.hub.Attach(c)
	if replaced != nil {
		replaced.Close()
	}
	// Rooms the replaced connection was the last local member of must
	// release their channels now; its own disconnect finds nothing left.
	for _, conversationID := range emptied {
		g.unsubscribeConversation(conversationID)
	}

	logrus.WithFields(logrus.Fields{"userId": c.UserID, "socketId": c.ID}).Info("user joined")
	g.publishUserStatus("user_online", c)
}

func (g *Gateway) handleStartChat(c *Client, data json.RawMessage) {
	var p startChatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.sendError(c, EventMessageError, "invalid event payload")
		return
	}
	if p.TargetUserID == "" {
		g.sendError(c, EventMessageError, "targetUserId is required")
		return
	}

	conversationID := p.RoomID
	if conversationID == "" {
		conversationID = utils.ConversationKey(c.UserID, p.TargetUserID)
	}

	if g.hub.Join(conversationID, c, []string{c.UserID, p.TargetUserID}) {
		g.subscribeConversation(conversationID)
	}

	logrus.WithFields(logrus.Fields{
		"conversationId": conversationID,
		"initiatorId":    c.UserID,
	}).Info("chat started")

	if payload, err := encodeEvent(EventChatStarted, map[string]any{
		"conversationId": conversationID,
		"initiatorId":    c.UserID,
	}); err == nil {
		g.hub.NotifyUser(p.TargetUserID, payload)
	}
}

func (g *Gateway) handleSendMessage(c *Client, data json.RawMessage) {
	var p sendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.sendError(c, EventMessageError, "invalid event payload")
		return
	}

	body := strings.TrimSpace(p.Message)
	switch {
	case p.TargetUserID == "":
		g.sendError(c, EventMessageError, "targetUserId is required")
		return
	case p.TargetUserID == c.UserID:
		g.sendError(c, EventMessageError, "cannot send a message to yourself")
		return
	case body == "":
		g.sendError(c, EventMessageError, "message is required")
		return
	}

	messageType := models.MessageType(p.MessageType)
	if p.MessageType == "" {
		messageType = models.MessageTypeText
	}
	if !messageType.Valid() {
		g.sendError(c, EventMessageError, "unsupported message type")
		return
	}

	conversationID := utils.ConversationKey(c.UserID, p.TargetUserID)

	// Persistence strictly precedes publish: a history read is never behind
	// a live delivery, and nothing is fanned out that was not stored.
	saved, err := g.store.Create(context.Background(), &models.ChatMessage{
		ConversationID: conversationID,
		SenderID:       c.UserID,
		ReceiverID:     p.TargetUserID,
		Message:        body,
		MessageType:    messageType,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"conversationId": conversationID,
			"senderId":       c.UserID,
		}).WithError(err).Error("failed to persist message")
		g.sendError(c, EventMessageError, "failed to send message")
		return
	}

	if err := g.broker.Publish(context.Background(), pubsub.ChatChannel(conversationID), saved); err != nil {
		// The message is stored and recoverable via history pull; degrade to
		// delivering on this instance only.
		logrus.WithField("conversationId", conversationID).WithError(err).Warn("publish failed; delivering locally")
		if payload, merr := json.Marshal(saved); merr == nil {
			g.deliverMessage(conversationID, payload)
		}
	}

	if g.notifier != nil && !g.hub.IsOnline(p.TargetUserID) {
		if err := g.notifier.NotifyOffline(context.Background(), saved); err != nil {
			logrus.WithField("receiverId", p.TargetUserID).WithError(err).Warn("offline notification enqueue failed")
		}
	}
}

func (g *Gateway) handleTyping(c *Client, data json.RawMessage, event string) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.sendError(c, EventMessageError, "invalid event payload")
		return
	}
	if p.TargetUserID == "" {
		g.sendError(c, EventMessageError, "targetUserId is required")
		return
	}

	conversationID := utils.ConversationKey(c.UserID, p.TargetUserID)
	payload, err := encodeEvent(event, map[string]any{
		"userId":         c.UserID,
		"conversationId": conversationID,
	})
	if err != nil {
		return
	}
	g.hub.Broadcast(conversationID, payload)
}

func (g *Gateway) handleLoadHistory(c *Client, data json.RawMessage) {
	var p loadHistoryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.sendError(c, EventHistoryError, "invalid event payload")
		return
	}
	if p.TargetUserID == "" {
		g.sendError(c, EventHistoryError, "targetUserId is required")
		return
	}

	limit := p.Limit
	if limit <= 0 {
		limit = g.historyLimit
	}
	if limit > g.historyMax {
		limit = g.historyMax
	}

	conversationID := utils.ConversationKey(c.UserID, p.TargetUserID)
	messages, err := g.store.ListByConversation(context.Background(), conversationID, limit, 0)
	if err != nil {
		logrus.WithField("conversationId", conversationID).WithError(err).Error("failed to load chat history")
		g.sendError(c, EventHistoryError, "failed to load chat history")
		return
	}

	// The store returns newest first; clients render chronologically.
	reverseMessages(messages)

	payload, err := encodeEvent(EventChatHistory, map[string]any{
		"conversationId": conversationID,
		"messages":       messages,
	})
	if err != nil {
		g.sendError(c, EventHistoryError, "failed to load chat history")
		return
	}
	_ = c.Send(payload)
}

func (g *Gateway) handleMarkAsRead(c *Client, data json.RawMessage) {
	var p markAsReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.sendError(c, EventMessageError, "invalid event payload")
		return
	}
	if p.ConversationID == "" || len(p.MessageIDs) == 0 {
		g.sendError(c, EventMessageError, "conversationId and messageIds are required")
		return
	}

	readAt, err := g.store.MarkMessagesRead(context.Background(), p.MessageIDs)
	if err != nil {
		logrus.WithField("conversationId", p.ConversationID).WithError(err).Error("failed to mark messages read")
		g.sendError(c, EventMessageError, "failed to mark messages as read")
		return
	}

	event := readEventPayload{
		ConversationID: p.ConversationID,
		MessageIDs:     p.MessageIDs,
		ReadAt:         readAt,
	}
	if err := g.broker.Publish(context.Background(), pubsub.ReadChannel(p.ConversationID), event); err != nil {
		logrus.WithField("conversationId", p.ConversationID).WithError(err).Warn("read event publish failed; delivering locally")
		if payload, merr := json.Marshal(event); merr == nil {
			g.deliverRead(p.ConversationID, payload)
		}
	}
}

func (g *Gateway) handleEndChat(c *Client, data json.RawMessage) {
	var p typingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		g.sendError(c, EventMessageError, "invalid event payload")
		return
	}
	if p.TargetUserID == "" {
		g.sendError(c, EventMessageError, "targetUserId is required")
		return
	}

	conversationID := utils.ConversationKey(c.UserID, p.TargetUserID)
	if payload, err := encodeEvent(EventChatEnded, map[string]any{
		"conversationId": conversationID,
		"userId":         c.UserID,
	}); err == nil {
		g.hub.Broadcast(conversationID, payload)
	}

	if g.hub.Leave(conversationID, c) {
		g.unsubscribeConversation(conversationID)
	}

	logrus.WithField("conversationId", conversationID).Info("chat ended")
}

func (g *Gateway) disconnect(c *Client) {
	emptied := g.hub.Detach(c)
	for _, conversationID := range emptied {
		g.unsubscribeConversation(conversationID)
	}

	// A replaced connection disconnects while the user is live on a newer
	// one; publishing offline then would be a lie to remote instances.
	if !g.hub.IsOnline(c.UserID) {
		g.publishUserStatus("user_offline", c)
	}
	c.Close()
	logrus.WithField("userId", c.UserID).Info("user disconnected")
}

// subscribeConversation registers the instance for the conversation's
// message and read channels. Failures log and degrade to local delivery;
// they never fail the triggering operation.
func (g *Gateway) subscribeConversation(conversationID string) {
	ctx := context.Background()
	err := g.broker.Subscribe(ctx, pubsub.ChatChannel(conversationID), func(payload []byte) {
		g.deliverMessage(conversationID, payload)
	})
	if err != nil {
		logrus.WithField("conversationId", conversationID).WithError(err).Warn("chat channel subscribe failed; local delivery only")
	}

	err = g.broker.Subscribe(ctx, pubsub.ReadChannel(conversationID), func(payload []byte) {
		g.deliverRead(conversationID, payload)
	})
	if err != nil {
		logrus.WithField("conversationId", conversationID).WithError(err).Warn("read channel subscribe failed")
	}
}

func (g *Gateway) unsubscribeConversation(conversationID string) {
	ctx := context.Background()
	if err := g.broker.Unsubscribe(ctx, pubsub.ChatChannel(conversationID)); err != nil {
		logrus.WithField("conversationId", conversationID).WithError(err).Warn("chat channel unsubscribe failed")
	}
	if err := g.broker.Unsubscribe(ctx, pubsub.ReadChannel(conversationID)); err != nil {
		logrus.WithField("conversationId", conversationID).WithError(err).Warn("read channel unsubscribe failed")
	}
}

// deliverMessage fans a published message out to the local room. Local and
// remote sends share this path: the sending instance receives its own
// publish through the subscription.
func (g *Gateway) deliverMessage(conversationID string, payload []byte) {
	event, err := json.Marshal(serverEvent{Event: EventNewMessage, Data: json.RawMessage(payload)})
	if err != nil {
		return
	}
	g.hub.Broadcast(conversationID, event)
}

func (g *Gateway) deliverRead(conversationID string, payload []byte) {
	event, err := json.Marshal(serverEvent{Event: EventMessagesRead, Data: json.RawMessage(payload)})
	if err != nil {
		return
	}
	g.hub.Broadcast(conversationID, event)
}

// publishUserStatus emits a presence event. Fire-and-forget: a dropped
// event self-heals on the next join/disconnect cycle.
func (g *Gateway) publishUserStatus(status string, c *Client) {
	event := userStatusPayload{
		Type:      status,
		UserID:    c.UserID,
		Timestamp: time.Now().UTC(),
	}
	if status == "user_online" {
		event.SocketID = c.ID
	}
	if err := g.broker.Publish(context.Background(), pubsub.UserStatusChannel, event); err != nil {
		logrus.WithField("userId", c.UserID).WithError(err).Warn("user status publish failed")
	}
}

func (g *Gateway) sendError(c *Client, event, message string) {
	payload, err := encodeEvent(event, map[string]any{"error": message})
	if err != nil {
		return
	}
	_ = c.Send(payload)
}

func encodeEvent(event string, data any) ([]byte, error) {
	return json.Marshal(serverEvent{Event: event, Data: data})
}

func reverseMessages(messages []models.ChatMessage) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
