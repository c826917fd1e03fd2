package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/KaranMittal0623/SkillSwap/internal/cache"
	"github.com/KaranMittal0623/SkillSwap/internal/models"
)

type stubMessageStore struct {
	byID            map[string]*models.ChatMessage
	listResult      []models.ChatMessage
	listErr         error
	total           int
	unread          int
	unreadCalls     int
	deletedMessages []string
	deletedConvs    []string
	markedConvs     []string
	searchResult    []models.ChatMessage
	lastSearchQuery string
	lastSearchConv  string
	lastListConv    string
	lastListLimit   int
	lastListOffset  int
	summaries       []models.ConversationSummary
}

func (s *stubMessageStore) GetByID(_ context.Context, messageID string) (*models.ChatMessage, error) {
	msg, ok := s.byID[messageID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return msg, nil
}

func (s *stubMessageStore) ListByConversation(_ context.Context, conversationID string, limit, offset int) ([]models.ChatMessage, error) {
	s.lastListConv = conversationID
	s.lastListLimit = limit
	s.lastListOffset = offset
	return s.listResult, s.listErr
}

func (s *stubMessageStore) CountByConversation(_ context.Context, _ string) (int, error) {
	return s.total, nil
}

func (s *stubMessageStore) CountUnread(_ context.Context, _ string) (int, error) {
	s.unreadCalls++
	return s.unread, nil
}

func (s *stubMessageStore) MarkConversationRead(_ context.Context, conversationID, receiverID string) error {
	s.markedConvs = append(s.markedConvs, conversationID+"|"+receiverID)
	return nil
}

func (s *stubMessageStore) SoftDeleteMessage(_ context.Context, messageID string) error {
	s.deletedMessages = append(s.deletedMessages, messageID)
	return nil
}

func (s *stubMessageStore) SoftDeleteConversation(_ context.Context, conversationID string) error {
	s.deletedConvs = append(s.deletedConvs, conversationID)
	return nil
}

func (s *stubMessageStore) Search(_ context.Context, userID, query, conversationID string, limit int) ([]models.ChatMessage, error) {
	s.lastSearchQuery = query
	s.lastSearchConv = conversationID
	return s.searchResult, nil
}

func (s *stubMessageStore) ListConversationSummaries(_ context.Context, userID string) ([]models.ConversationSummary, error) {
	return s.summaries, nil
}

type memoryCache struct {
	values map[string]string
	dels   []string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: make(map[string]string)}
}

func (c *memoryCache) Get(_ context.Context, key string) (string, error) {
	value, ok := c.values[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return value, nil
}

func (c *memoryCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.values[key] = value
	return nil
}

func (c *memoryCache) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(c.values, key)
		c.dels = append(c.dels, key)
	}
	return nil
}

func (c *memoryCache) Close() error { return nil }

func TestHistoryReversesToChronologicalOrder(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	repo := &stubMessageStore{
		listResult: []models.ChatMessage{
			{ID: "m3", Message: "third", CreatedAt: base.Add(2 * time.Second)},
			{ID: "m2", Message: "second", CreatedAt: base.Add(time.Second)},
			{ID: "m1", Message: "first", CreatedAt: base},
		},
		total: 3,
	}
	service := NewChatService(repo, nil, 0)

	messages, total, err := service.History(context.Background(), "b1", "a1", 1, 50)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	if repo.lastListConv != "a1_b1" {
		t.Fatalf("expected conversation a1_b1, got %s", repo.lastListConv)
	}
	for i, want := range []string{"first", "second", "third"} {
		if messages[i].Message != want {
			t.Fatalf("expected %s at %d, got %s", want, i, messages[i].Message)
		}
	}
}

func TestHistoryPagination(t *testing.T) {
	repo := &stubMessageStore{}
	service := NewChatService(repo, nil, 0)

	if _, _, err := service.History(context.Background(), "a1", "b1", 3, 20); err != nil {
		t.Fatalf("History: %v", err)
	}
	if repo.lastListLimit != 20 || repo.lastListOffset != 40 {
		t.Fatalf("expected limit 20 offset 40, got %d %d", repo.lastListLimit, repo.lastListOffset)
	}

	if _, _, err := service.History(context.Background(), "a1", "", 1, 20); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty target, got %v", err)
	}
}

func TestUnreadCountUsesCache(t *testing.T) {
	repo := &stubMessageStore{unread: 7}
	unreadCache := newMemoryCache()
	service := NewChatService(repo, unreadCache, time.Minute)

	for i := 0; i < 3; i++ {
		count, err := service.UnreadCount(context.Background(), "b1")
		if err != nil {
			t.Fatalf("UnreadCount: %v", err)
		}
		if count != 7 {
			t.Fatalf("expected 7, got %d", count)
		}
	}
	if repo.unreadCalls != 1 {
		t.Fatalf("expected single store read, got %d", repo.unreadCalls)
	}
}

func TestMarkConversationReadInvalidatesCache(t *testing.T) {
	repo := &stubMessageStore{}
	unreadCache := newMemoryCache()
	unreadCache.values["unread:b1"] = "4"
	service := NewChatService(repo, unreadCache, time.Minute)

	if err := service.MarkConversationRead(context.Background(), "b1", "a1"); err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	if len(repo.markedConvs) != 1 || repo.markedConvs[0] != "a1_b1|b1" {
		t.Fatalf("unexpected mark calls: %v", repo.markedConvs)
	}
	if _, ok := unreadCache.values["unread:b1"]; ok {
		t.Fatalf("expected unread cache entry invalidated")
	}
}

func TestDeleteMessageRequiresOwnership(t *testing.T) {
	repo := &stubMessageStore{byID: map[string]*models.ChatMessage{
		"m1": {ID: "m1", SenderID: "a1", ReceiverID: "b1"},
	}}
	service := NewChatService(repo, nil, 0)

	if err := service.DeleteMessage(context.Background(), "b1", "m1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-owner, got %v", err)
	}
	if err := service.DeleteMessage(context.Background(), "a1", "m1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if len(repo.deletedMessages) != 1 || repo.deletedMessages[0] != "m1" {
		t.Fatalf("unexpected deletions: %v", repo.deletedMessages)
	}
	if err := service.DeleteMessage(context.Background(), "a1", "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestDeleteConversationUsesCanonicalKey(t *testing.T) {
	repo := &stubMessageStore{}
	service := NewChatService(repo, nil, 0)

	if err := service.DeleteConversation(context.Background(), "b1", "a1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if len(repo.deletedConvs) != 1 || repo.deletedConvs[0] != "a1_b1" {
		t.Fatalf("unexpected conversation deletions: %v", repo.deletedConvs)
	}
}

func TestSearchValidatesQueryLength(t *testing.T) {
	repo := &stubMessageStore{}
	service := NewChatService(repo, nil, 0)

	if _, err := service.Search(context.Background(), "a1", " h ", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for short query, got %v", err)
	}

	if _, err := service.Search(context.Background(), "a1", "hello", "b1"); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if repo.lastSearchQuery != "hello" || repo.lastSearchConv != "a1_b1" {
		t.Fatalf("unexpected search call: %q %q", repo.lastSearchQuery, repo.lastSearchConv)
	}
}
