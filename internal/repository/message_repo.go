package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/KaranMittal0623/SkillSwap/internal/models"
)

type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// MessageRepository persists chat messages. Messages are never physically
// removed: deletion sets deleted_at, read-marking flips is_read once.
type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, conversation_id, sender_id, receiver_id, message, message_type, attachment_url, is_read, read_at, deleted_at, created_at`

func (r *MessageRepository) Create(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, error) {
	query := `
		INSERT INTO chat_messages (id, conversation_id, sender_id, receiver_id, message, message_type, attachment_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING is_read, created_at
	`

	saved := *msg
	saved.ID = uuid.NewString()
	err := r.db.QueryRow(ctx, query,
		saved.ID,
		saved.ConversationID,
		saved.SenderID,
		saved.ReceiverID,
		saved.Message,
		saved.MessageType,
		saved.AttachmentURL,
	).Scan(&saved.IsRead, &saved.CreatedAt)
	if err != nil {
		return nil, err
	}

	return &saved, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, messageID string) (*models.ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM chat_messages
		WHERE id = $1
	`

	var msg models.ChatMessage
	if err := scanMessage(r.db.QueryRow(ctx, query, messageID), &msg); err != nil {
		return nil, err
	}

	return &msg, nil
}

// ListByConversation returns non-deleted messages newest first. Ties on
// identical timestamps break by insertion order via the seq column.
func (r *MessageRepository) ListByConversation(
	ctx context.Context,
	conversationID string,
	limit int,
	offset int,
) ([]models.ChatMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM chat_messages
		WHERE conversation_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMessages(rows)
}

func (r *MessageRepository) CountByConversation(ctx context.Context, conversationID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM chat_messages
		WHERE conversation_id = $1 AND deleted_at IS NULL
	`

	var total int
	if err := r.db.QueryRow(ctx, query, conversationID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *MessageRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM chat_messages
		WHERE receiver_id = $1 AND is_read = FALSE AND deleted_at IS NULL
	`

	var total int
	if err := r.db.QueryRow(ctx, query, userID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// MarkMessagesRead flips is_read on the given IDs and returns the timestamp
// written to read_at. Re-marking already-read IDs is a successful no-op
// beyond refreshing read_at.
func (r *MessageRepository) MarkMessagesRead(ctx context.Context, messageIDs []string) (time.Time, error) {
	readAt := time.Now().UTC()
	if len(messageIDs) == 0 {
		return readAt, nil
	}

	_, err := r.db.Exec(ctx, `
		UPDATE chat_messages
		SET is_read = TRUE, read_at = $2
		WHERE id = ANY($1) AND deleted_at IS NULL
	`, messageIDs, readAt)
	if err != nil {
		return time.Time{}, err
	}

	return readAt, nil
}

func (r *MessageRepository) MarkConversationRead(
	ctx context.Context,
	conversationID string,
	receiverID string,
) error {
	_, err := r.db.Exec(ctx, `
		UPDATE chat_messages
		SET is_read = TRUE, read_at = $3
		WHERE conversation_id = $1
		  AND receiver_id = $2
		  AND is_read = FALSE
		  AND deleted_at IS NULL
	`, conversationID, receiverID, time.Now().UTC())
	return err
}

// SoftDeleteMessage stamps deleted_at once; repeating the call leaves the
// original timestamp in place.
func (r *MessageRepository) SoftDeleteMessage(ctx context.Context, messageID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE chat_messages
		SET deleted_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`, messageID, time.Now().UTC())
	return err
}

func (r *MessageRepository) SoftDeleteConversation(ctx context.Context, conversationID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE chat_messages
		SET deleted_at = $2
		WHERE conversation_id = $1 AND deleted_at IS NULL
	`, conversationID, time.Now().UTC())
	return err
}

// Search matches message bodies case-insensitively across the user's
// conversations, optionally narrowed to a single conversation.
func (r *MessageRepository) Search(
	ctx context.Context,
	userID string,
	query string,
	conversationID string,
	limit int,
) ([]models.ChatMessage, error) {
	sql := `
		SELECT ` + messageColumns + `
		FROM chat_messages
		WHERE (sender_id = $1 OR receiver_id = $1)
		  AND message ILIKE '%' || $2 || '%'
		  AND deleted_at IS NULL
	`
	args := []any{userID, query}
	if conversationID != "" {
		sql += ` AND conversation_id = $3`
		args = append(args, conversationID)
	}
	sql += ` ORDER BY created_at DESC, seq DESC LIMIT ` + placeholder(len(args)+1)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectMessages(rows)
}

// ListConversationSummaries aggregates, per conversation the user takes part
// in, the latest non-deleted message and the user's unread count, newest
// conversation first.
func (r *MessageRepository) ListConversationSummaries(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	query := `
		SELECT last.conversation_id,
		       CASE WHEN last.sender_id = $1 THEN last.receiver_id ELSE last.sender_id END AS other_user_id,
		       last.message,
		       last.created_at,
		       COALESCE(unread.total, 0) AS unread_count
		FROM (
			SELECT DISTINCT ON (conversation_id)
			       conversation_id, sender_id, receiver_id, message, created_at
			FROM chat_messages
			WHERE (sender_id = $1 OR receiver_id = $1) AND deleted_at IS NULL
			ORDER BY conversation_id, created_at DESC, seq DESC
		) last
		LEFT JOIN (
			SELECT conversation_id, COUNT(*) AS total
			FROM chat_messages
			WHERE receiver_id = $1 AND is_read = FALSE AND deleted_at IS NULL
			GROUP BY conversation_id
		) unread ON unread.conversation_id = last.conversation_id
		ORDER BY last.created_at DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var summary models.ConversationSummary
		if err := rows.Scan(
			&summary.ConversationID,
			&summary.OtherUserID,
			&summary.LastMessage,
			&summary.LastMessageTime,
			&summary.UnreadCount,
		); err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return summaries, nil
}

func scanMessage(row pgx.Row, msg *models.ChatMessage) error {
	return row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.Message,
		&msg.MessageType,
		&msg.AttachmentURL,
		&msg.IsRead,
		&msg.ReadAt,
		&msg.DeletedAt,
		&msg.CreatedAt,
	)
}

func collectMessages(rows pgx.Rows) ([]models.ChatMessage, error) {
	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		var msg models.ChatMessage
		if err := scanMessage(rows, &msg); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
