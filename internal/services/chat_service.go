package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/KaranMittal0623/SkillSwap/internal/cache"
	"github.com/KaranMittal0623/SkillSwap/internal/models"
	"github.com/KaranMittal0623/SkillSwap/pkg/utils"
)

var (
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidInput    = errors.New("invalid input")
	ErrMessageNotFound = errors.New("message not found")
)

const searchResultLimit = 50

type messageStore interface {
	GetByID(ctx context.Context, messageID string) (*models.ChatMessage, error)
	ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]models.ChatMessage, error)
	CountByConversation(ctx context.Context, conversationID string) (int, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkConversationRead(ctx context.Context, conversationID, receiverID string) error
	SoftDeleteMessage(ctx context.Context, messageID string) error
	SoftDeleteConversation(ctx context.Context, conversationID string) error
	Search(ctx context.Context, userID, query, conversationID string, limit int) ([]models.ChatMessage, error)
	ListConversationSummaries(ctx context.Context, userID string) ([]models.ConversationSummary, error)
}

// ChatService is the read-mostly REST surface over the message store.
// Clients use it independently of the live socket path, and to recover
// from missed real-time delivery.
type ChatService struct {
	repo      messageStore
	cache     cache.Cache
	unreadTTL time.Duration
}

// NewChatService builds the query service. unreadCache may be nil; the
// unread count then always hits the store.
func NewChatService(repo messageStore, unreadCache cache.Cache, unreadTTL time.Duration) *ChatService {
	return &ChatService{
		repo:      repo,
		cache:     unreadCache,
		unreadTTL: unreadTTL,
	}
}

func (s *ChatService) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	return s.repo.ListConversationSummaries(ctx, userID)
}

// History returns one page of the conversation between userID and
// targetUserID in chronological order, plus the total message count.
func (s *ChatService) History(
	ctx context.Context,
	userID string,
	targetUserID string,
	page int,
	limit int,
) ([]models.ChatMessage, int, error) {
	if targetUserID == "" || page <= 0 || limit <= 0 {
		return nil, 0, ErrInvalidInput
	}

	conversationID := utils.ConversationKey(userID, targetUserID)
	messages, err := s.repo.ListByConversation(ctx, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.CountByConversation(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}

	// Store order is newest first; clients render chronologically.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, total, nil
}

// UnreadCount returns the user's unread total, served from cache when warm.
// The cache is best-effort: any cache failure falls through to the store.
func (s *ChatService) UnreadCount(ctx context.Context, userID string) (int, error) {
	key := unreadCacheKey(userID)
	if s.cache != nil {
		if value, err := s.cache.Get(ctx, key); err == nil {
			if count, convErr := strconv.Atoi(value); convErr == nil {
				return count, nil
			}
		} else if !errors.Is(err, cache.ErrMiss) {
			logrus.WithField("userId", userID).WithError(err).Warn("unread cache read failed")
		}
	}

	count, err := s.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, strconv.Itoa(count), s.unreadTTL); err != nil {
			logrus.WithField("userId", userID).WithError(err).Warn("unread cache write failed")
		}
	}
	return count, nil
}

func (s *ChatService) MarkConversationRead(ctx context.Context, userID, targetUserID string) error {
	if targetUserID == "" {
		return ErrInvalidInput
	}

	conversationID := utils.ConversationKey(userID, targetUserID)
	if err := s.repo.MarkConversationRead(ctx, conversationID, userID); err != nil {
		return err
	}
	s.invalidateUnread(ctx, userID)
	return nil
}

// DeleteMessage soft-deletes a single message. Only the sender may delete;
// repeating the call succeeds and keeps the original deletion timestamp.
func (s *ChatService) DeleteMessage(ctx context.Context, userID, messageID string) error {
	if messageID == "" {
		return ErrInvalidInput
	}

	msg, err := s.repo.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMessageNotFound
		}
		return err
	}
	if msg.SenderID != userID {
		return ErrForbidden
	}

	if err := s.repo.SoftDeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.invalidateUnread(ctx, msg.ReceiverID)
	return nil
}

func (s *ChatService) DeleteConversation(ctx context.Context, userID, targetUserID string) error {
	if targetUserID == "" {
		return ErrInvalidInput
	}

	conversationID := utils.ConversationKey(userID, targetUserID)
	if err := s.repo.SoftDeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	s.invalidateUnread(ctx, userID, targetUserID)
	return nil
}

func (s *ChatService) Search(
	ctx context.Context,
	userID string,
	query string,
	targetUserID string,
) ([]models.ChatMessage, error) {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) < 2 {
		return nil, ErrInvalidInput
	}

	conversationID := ""
	if targetUserID != "" {
		conversationID = utils.ConversationKey(userID, targetUserID)
	}
	return s.repo.Search(ctx, userID, trimmed, conversationID, searchResultLimit)
}

func (s *ChatService) invalidateUnread(ctx context.Context, userIDs ...string) {
	if s.cache == nil {
		return
	}
	keys := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		keys = append(keys, unreadCacheKey(userID))
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		logrus.WithError(err).Warn("unread cache invalidation failed")
	}
}

func unreadCacheKey(userID string) string {
	return "unread:" + userID
}
