package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	websocket "github.com/gofiber/contrib/websocket"

	"github.com/KaranMittal0623/SkillSwap/internal/models"
)

type fakeConn struct {
	inbound chan []byte
	once    sync.Once
	done    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-f.done:
		return 0, nil, io.EOF
	case payload := <-f.inbound:
		return websocket.TextMessage, payload, nil
	}
}

func (f *fakeConn) WriteMessage(int, []byte) error   { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

// stubStore is an in-memory MessageStore. Insertion order stands in for the
// seq column's stable tie-break.
type stubStore struct {
	mu        sync.Mutex
	messages  []models.ChatMessage
	createErr error
	markErr   error
	markCalls [][]string
}

func (s *stubStore) Create(_ context.Context, msg *models.ChatMessage) (*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	saved := *msg
	saved.ID = fmt.Sprintf("m%d", len(s.messages)+1)
	saved.CreatedAt = time.Now().UTC()
	s.messages = append(s.messages, saved)
	return &saved, nil
}

func (s *stubStore) ListByConversation(_ context.Context, conversationID string, limit, offset int) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Walk newest-insertion-first so equal timestamps keep insertion order
	// after the stable sort, matching the seq tie-break in the real store.
	matched := make([]models.ChatMessage, 0)
	for i := len(s.messages) - 1; i >= 0; i-- {
		msg := s.messages[i]
		if msg.ConversationID == conversationID && msg.DeletedAt == nil {
			matched = append(matched, msg)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if offset >= len(matched) {
		return []models.ChatMessage{}, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *stubStore) MarkMessagesRead(_ context.Context, messageIDs []string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return time.Time{}, s.markErr
	}
	s.markCalls = append(s.markCalls, messageIDs)
	readAt := time.Now().UTC()
	ids := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}
	for i := range s.messages {
		if _, ok := ids[s.messages[i].ID]; ok {
			s.messages[i].IsRead = true
			at := readAt
			s.messages[i].ReadAt = &at
		}
	}
	return readAt, nil
}

type published struct {
	channel string
	payload []byte
}

// fakeBroker loops a successful publish straight back to the channel's
// registered handler, mimicking Redis fan-out including self-delivery.
type fakeBroker struct {
	mu           sync.Mutex
	published    []published
	handlers     map[string]func([]byte)
	unsubscribed []string
	publishErr   error
	subscribeErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]func([]byte))}
}

func (b *fakeBroker) Publish(_ context.Context, channel string, payload any) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, published{channel: channel, payload: data})
	handler := b.handlers[channel]
	b.mu.Unlock()

	if handler != nil {
		handler(data)
	}
	return nil
}

func (b *fakeBroker) Subscribe(_ context.Context, channel string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	b.handlers[channel] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, channel)
	b.unsubscribed = append(b.unsubscribed, channel)
	return nil
}

func (b *fakeBroker) publishedTo(channel string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	matched := make([]published, 0)
	for _, p := range b.published {
		if p.channel == channel {
			matched = append(matched, p)
		}
	}
	return matched
}

func event(t *testing.T, name string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal event data: %v", err)
	}
	payload, err := json.Marshal(clientEvent{Event: name, Data: raw})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

// nextEvent pops the next queued outbound frame for the client.
func nextEvent(t *testing.T, c *Client) (string, json.RawMessage) {
	t.Helper()
	select {
	case payload := <-c.send:
		var ev struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("unmarshal outbound event: %v", err)
		}
		return ev.Event, ev.Data
	case <-time.After(time.Second):
		t.Fatalf("no outbound event for %s", c.UserID)
		return "", nil
	}
}

func newTestGateway(store *stubStore, broker *fakeBroker) (*Gateway, *Hub) {
	hub := NewHub()
	return NewGateway(hub, store, broker, nil, 50, 200), hub
}

func joinAndStartChat(t *testing.T, g *Gateway, c *Client, target string) {
	t.Helper()
	g.handleEvent(c, event(t, EventUserJoin, map[string]string{"userId": c.UserID}))
	g.handleEvent(c, event(t, EventStartChat, map[string]string{
		"userId":       c.UserID,
		"targetUserId": target,
	}))
}

func TestSendMessagePersistsThenFansOut(t *testing.T) {
	store := &stubStore{}
	broker := newFakeBroker()
	g, _ := newTestGateway(store, broker)

	a := newTestClient("a1")
	joinAndStartChat(t, g, a, "b1")

	g.handleEvent(a, event(t, EventSendMessage, map[string]string{
		"userId":       "a1",
		"targetUserId": "b1",
		"message":      "hello",
	}))

	if len(store.messages) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(store.messages))
	}
	saved := store.messages[0]
	if saved.ConversationID != "a1_b1" || saved.SenderID != "a1" || saved.ReceiverID != "b1" {
		t.Fatalf("unexpected persisted message: %+v", saved)
	}
	if saved.Message != "hello" || saved.IsRead {
		t.Fatalf("expected unread hello, got %+v", saved)
	}

	if got := broker.publishedTo("chat:a1_b1"); len(got) != 1 {
		t.Fatalf("expected 1 publish to chat:a1_b1, got %d", len(got))
	}

	// The sender's instance is subscribed, so the loopback delivery reaches
	// the local room through the subscription callback.
	name, data := nextEvent(t, a)
	if name != EventNewMessage {
		t.Fatalf("expected new_message, got %s", name)
	}
	var delivered models.ChatMessage
	if err := json.Unmarshal(data, &delivered); err != nil {
		t.Fatalf("unmarshal delivered message: %v", err)
	}
	if delivered.ID != saved.ID || delivered.Message != "hello" {
		t.Fatalf("unexpected delivered message: %+v", delivered)
	}
}

func TestSendMessagePersistFailureAbortsPublish(t *testing.T) {
	store := &stubStore{createErr: errors.New("db down")}
	broker := newFakeBroker()
	g, _ := newTestGateway(store, broker)

	a := newTestClient("a1")
	joinAndStartChat(t, g, a, "b1")

	g.handleEvent(a, event(t, EventSendMessage, map[string]string{
		"userId":       "a1",
		"targetUserId": "b1",
		"message":      "hello",
	}))

	name, _ := nextEvent(t, a)
	if name != EventMessageError {
		t.Fatalf("expected message_error, got %s", name)
	}
	if got := broker.publishedTo("chat:a1_b1"); len(got) != 0 {
		t.Fatalf("no publish may follow a failed persist, got %d", len(got))
	}
}

func TestSendMessagePublishFailureDegradesToLocalDelivery(t *testing.T) {
	store := &stubStore{}
	broker := newFakeBroker()
	g, _ := newTestGateway(store, broker)

	a := newTestClient("a1")
	joinAndStartChat(t, g, a, "b1")
	broker.publishErr = errors.New("redis down")

	g.handleEvent(a, event(t, EventSendMessage, map[string]string{
		"userId":       "a1",
		"targetUserId": "b1",
		"message":      "hello",
	}))

	if len(store.messages) != 1 {
		t.Fatalf("message must persist despite broker failure")
	}
	name, _ := nextEvent(t, a)
	if name != EventNewMessage {
		t.Fatalf("expected local new_message delivery, got %s", name)
	}
}

func TestSendMessageValidation(t *testing.T) {
	store := &stubStore{}
	broker := newFakeBroker()
	g, _ := newTestGateway(store, broker)

	a := newTestClient("a1")
	g.handleEvent(a, event(t, EventUserJoin, map[string]string{"userId": "a1"}))

	cases := []map[string]string{
		{"targetUserId": "a1", "message": "self"},
		{"targetUserId": "b1", "message": "   "},
		{"message": "no target"},
		{"targetUserId": "b1", "message": "hi", "messageType": "video"},
	}
	for _, payload := range cases {
		g.handleEvent(a, event(t, EventSendMessage, payload))
		name, _ := nextEvent(t, a)
		if name != EventMessageError {
			t.Fatalf("expected message_error for %v, got %s", payload, name)
		}
	}
	if len(store.messages) != 0 {
		t.Fatalf("invalid events must not persist, got %d", len(store.messages))
	}
}

func TestStartChatNotifiesPresentTarget(t *testing.T) {
	store := &stubStore{}
	broker := newFakeBroker()
	g, _ := newTestGateway(store, broker)

	b := newTestClient("b1")
	g.handleEvent(b, event(t, EventUserJoin, map[string]string{"userId": "b1"}))

	a := newTestClient("a1")
	joinAndStartChat(t, g, a, "b1")

	name, data := nextEvent(t, b)
	if name != EventChatStarted {
		t.Fatalf("expected chat_started, got %s", name)
	}
	var started struct {
		ConversationID string `json:"conversationId"`
		InitiatorID    string `json:"initiatorId"`
	}
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal chat_started: %v", err)
	}
	if started.ConversationID != "a1_b1" || started.InitiatorID != "a1" {
		t.Fatalf("unexpected chat_started payload: %+v", started)
	}
}

func TestLoadHistoryReturnsChronologicalOrder(t *testing.T) {
	store := &stubStore{}
	broker := newFakeBroker()
	g, _ := newTestGateway(store, broker)

	base := time.Now().UTC()
	for i, body := range []string{"first", "second", "third"} {
		store.messages = append(store.messages, models.ChatMessage{
			ID:             fmt.Sprintf("m%d", i+1),
			ConversationID: "a1_b1",
			SenderID:       "a1",
			ReceiverID:     "b1",
			Message:        body,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
	}

	a := newTestClient("a1")
	joinAndStartChat(t, g, a, "b1")
	g.handleEvent(a, event(t, EventLoadHistory, map[string]any{
		"userId":       "a1",
		"targetUserId": "b1",
		"limit":        10,
	}))

	name, data := nextEvent(t, a)
	if name != EventChatHistory {
		t.Fatalf("expected chat_history, got %s", name)
	}
	var history struct {
		ConversationID string               `json:"conversationId"`
		Messages       []models.ChatMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal chat_history: %v", err)
	}
	if history.ConversationID != "a1_b1" || len(history.Messages) != 3 {
		t.Fatalf("unexpected history: %+v", history)
	}
	for i, want := range []string{"first", "second", "third"} {
		if history.Messages[i].Message != want {
			t.Fatalf("expected %s at position %d, got %s", want, i, history.Messages[i].Message)
		}
	}
}

func TestMarkAsReadIsIdempotent(t *testing.T) {
	store := &stubStore{}
	broker := newFakeBroker()
	g, _ := newTestGateway(store, broker)

	b := newTestClient("b1")
	joinAndStartChat(t, g, b, "a1")

	store.messages = append(store.messages,
		models.ChatMessage{ID: "m1", ConversationID: "a1_b1", SenderID: "a1", ReceiverID: "b1"},
		models.ChatMessage{ID: "m2", ConversationID: "a1_b1", SenderID: "a1", ReceiverID: "b1"},
	)

	mark := event(t, EventMarkAsRead, map[string]any{
		"conversationId": "a1_b1",
		"messageIds":     []string{"m1", "m2"},
	})

	for attempt := 0; attempt < 2; attempt++ {
		g.handleEvent(b, mark)
		name, data := nextEvent(t, b)
		if name != EventMessagesRead {
			t.Fatalf("attempt %d: expected messages_read, got %s", attempt, name)
		}
		var read readEventPayload
		if err := json.Unmarshal(data, &read); err != nil {
			t.Fatalf("unmarshal messages_read: %v", err)
		}
		if len(read.MessageIDs) != 2 || read.ReadAt.IsZero() {
			t.Fatalf("unexpected read payload: %+v", read)
		}
	}

	for _, msg := range store.messages {
		if !msg.IsRead || msg.ReadAt == nil {
			t.Fatalf("expected %s read with readAt set", msg.ID)
		}
	}
	if len(store.markCalls) != 2 {
		t.Fatalf("expected 2 mark calls, got %d", len(store.markCalls))
	}
}

func TestEndChatUnsubscribesOnlyAfterLastLocalMemberLeaves(t *testing.T) {
	store := &stubStore{}
	broker := newFakeBroker()
	g, _ := newTestGateway(store, broker)

	a := newTestClient("a1")
	b := newTestClient("b1")
	joinAndStartChat(t, g, a, "b1")
	joinAndStartChat(t, g, b, "a1")

	end := func(c *Client, target string) {
		g.handleEvent(c, event(t, EventEndChat, map[string]string{
			"userId":       c.UserID,
			"targetUserId": target,
		}))
	}

	end(a, "b1")
	broker.mu.Lock()
	unsubs := len(broker.unsubscribed)
	broker.mu.Unlock()
	if unsubs != 0 {
		t.Fatalf("must not unsubscribe while b1 still needs the channel")
	}

	end(b, "a1")
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.unsubscribed) != 2 {
		t.Fatalf("expected chat and read channels released, got %v", broker.unsubscribed)
	}
}

func TestDisconnectRemovesPresenceAndPublishesOffline(t *testing.T) {
	store := &stubStore{}
	broker := newFakeBroker()
	g, hub := newTestGateway(store, broker)

	a := newTestClient("a1")
	joinAndStartChat(t, g, a, "b1")
	if !hub.IsOnline("a1") {
		t.Fatalf("expected a1 online after join")
	}

	g.disconnect(a)

	if hub.IsOnline("a1") {
		t.Fatalf("expected a1 offline after disconnect")
	}
	statuses := broker.publishedTo("user_status")
	if len(statuses) != 2 {
		t.Fatalf("expected online+offline status events, got %d", len(statuses))
	}
	var last userStatusPayload
	if err := json.Unmarshal(statuses[1].payload, &last); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if last.Type != "user_offline" || last.UserID != "a1" {
		t.Fatalf("unexpected offline event: %+v", last)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.unsubscribed) != 2 {
		t.Fatalf("disconnect must release the emptied room's channels, got %v", broker.unsubscribed)
	}
}

func TestSessionReplaceReleasesEmptiedRoomSubscriptions(t *testing.T) {
	store := &stubStore{}
	broker := newFakeBroker()
	g, hub := newTestGateway(store, broker)

	old := newTestClient("a1")
	joinAndStartChat(t, g, old, "b1")

	// A rejoin replaces the session before the old connection's read loop
	// notices it was closed.
	fresh := newTestClient("a1")
	g.handleEvent(fresh, event(t, EventUserJoin, map[string]string{"userId": "a1"}))
	g.disconnect(old)

	if sessions := hub.ActiveConversations(); len(sessions) != 0 {
		t.Fatalf("expected no active sessions after replacement, got %v", sessions)
	}

	broker.mu.Lock()
	unsubscribed := append([]string(nil), broker.unsubscribed...)
	remaining := len(broker.handlers)
	broker.mu.Unlock()
	if len(unsubscribed) != 2 || remaining != 0 {
		t.Fatalf("emptied room must release chat and read channels, unsubscribed %v with %d handlers left", unsubscribed, remaining)
	}
}

func TestReplacedConnectionDisconnectDoesNotPublishOffline(t *testing.T) {
	store := &stubStore{}
	broker := newFakeBroker()
	g, hub := newTestGateway(store, broker)

	old := newTestClient("a1")
	g.handleEvent(old, event(t, EventUserJoin, map[string]string{"userId": "a1"}))
	fresh := newTestClient("a1")
	g.handleEvent(fresh, event(t, EventUserJoin, map[string]string{"userId": "a1"}))

	g.disconnect(old)

	if !hub.IsOnline("a1") {
		t.Fatalf("expected a1 still online on the fresh connection")
	}
	for _, status := range broker.publishedTo("user_status") {
		var payload userStatusPayload
		if err := json.Unmarshal(status.payload, &payload); err != nil {
			t.Fatalf("unmarshal status: %v", err)
		}
		if payload.Type == "user_offline" {
			t.Fatalf("stale connection must not publish offline while the user is live")
		}
	}

	g.disconnect(fresh)
	statuses := broker.publishedTo("user_status")
	var last userStatusPayload
	if err := json.Unmarshal(statuses[len(statuses)-1].payload, &last); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if last.Type != "user_offline" || last.UserID != "a1" {
		t.Fatalf("real disconnect must publish offline, got %+v", last)
	}
}

func TestUnknownEventReportsToOriginatingConnectionOnly(t *testing.T) {
	store := &stubStore{}
	broker := newFakeBroker()
	g, _ := newTestGateway(store, broker)

	a := newTestClient("a1")
	g.handleEvent(a, []byte(`{"event":"bogus","data":{}}`))
	name, _ := nextEvent(t, a)
	if name != EventMessageError {
		t.Fatalf("expected message_error, got %s", name)
	}

	g.handleEvent(a, []byte(`not json`))
	name, _ = nextEvent(t, a)
	if name != EventMessageError {
		t.Fatalf("expected message_error for malformed frame, got %s", name)
	}
}
