package models

import "time"

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile:
		return true
	default:
		return false
	}
}

// ChatMessage is the persisted chat record. JSON field names match the wire
// format consumed by the SkillSwap clients.
type ChatMessage struct {
	ID             string      `json:"_id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	ReceiverID     string      `json:"receiverId"`
	Message        string      `json:"message"`
	MessageType    MessageType `json:"messageType"`
	AttachmentURL  *string     `json:"attachmentUrl,omitempty"`
	IsRead         bool        `json:"isRead"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`
	DeletedAt      *time.Time  `json:"deletedAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// ConversationSummary aggregates one conversation for the list endpoint:
// the latest message plus the unread count for the requesting user.
type ConversationSummary struct {
	ConversationID  string    `json:"conversationId"`
	OtherUserID     string    `json:"otherUserId"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
}

// ActiveConversation is instance-local bookkeeping surfaced by /stats.
// It is never authoritative for delivery.
type ActiveConversation struct {
	ConversationID string    `json:"conversationId"`
	Participants   []string  `json:"participants"`
	StartedAt      time.Time `json:"startedAt"`
}

type PaginationMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"pages"`
}
