package handlers

import (
	"context"
	"errors"
	"strings"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/KaranMittal0623/SkillSwap/internal/models"
	"github.com/KaranMittal0623/SkillSwap/internal/services"
	chatws "github.com/KaranMittal0623/SkillSwap/internal/websocket"
	"github.com/KaranMittal0623/SkillSwap/pkg/utils"
)

type chatQueryService interface {
	ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	History(ctx context.Context, userID, targetUserID string, page, limit int) ([]models.ChatMessage, int, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkConversationRead(ctx context.Context, userID, targetUserID string) error
	DeleteMessage(ctx context.Context, userID, messageID string) error
	DeleteConversation(ctx context.Context, userID, targetUserID string) error
	Search(ctx context.Context, userID, query, targetUserID string) ([]models.ChatMessage, error)
}

type ChatHandler struct {
	service   chatQueryService
	hub       *chatws.Hub
	gateway   *chatws.Gateway
	jwtSecret string
}

func NewChatHandler(service chatQueryService, hub *chatws.Hub, gateway *chatws.Gateway, jwtSecret string) *ChatHandler {
	return &ChatHandler{
		service:   service,
		hub:       hub,
		gateway:   gateway,
		jwtSecret: jwtSecret,
	}
}

func (h *ChatHandler) ListConversations(c *fiber.Ctx) error {
	userID, err := actorUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversations, err := h.service.ListConversations(c.Context(), userID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"conversations": conversations})
}

func (h *ChatHandler) GetHistory(c *fiber.Ctx) error {
	userID, err := actorUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	targetUserID := c.Params("targetUserId")
	page := parsePositiveInt(c.Query("page"), 1)
	limit := parsePositiveInt(c.Query("limit"), defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	messages, total, err := h.service.History(c.Context(), userID, targetUserID, page, limit)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{
		"messages":   messages,
		"pagination": buildPaginationMeta(page, limit, total),
	})
}

func (h *ChatHandler) GetUnreadCount(c *fiber.Ctx) error {
	userID, err := actorUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	count, err := h.service.UnreadCount(c.Context(), userID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"unreadCount": count})
}

func (h *ChatHandler) MarkConversationRead(c *fiber.Ctx) error {
	userID, err := actorUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	if err := h.service.MarkConversationRead(c.Context(), userID, c.Params("targetUserId")); err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"message": "Conversation marked as read"})
}

func (h *ChatHandler) DeleteMessage(c *fiber.Ctx) error {
	userID, err := actorUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	if err := h.service.DeleteMessage(c.Context(), userID, c.Params("id")); err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"message": "Message deleted"})
}

func (h *ChatHandler) DeleteConversation(c *fiber.Ctx) error {
	userID, err := actorUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	if err := h.service.DeleteConversation(c.Context(), userID, c.Params("targetUserId")); err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"message": "Conversation deleted"})
}

func (h *ChatHandler) SearchMessages(c *fiber.Ctx) error {
	userID, err := actorUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	messages, err := h.service.Search(c.Context(), userID, c.Query("query"), c.Query("targetUserId"))
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"messages": messages})
}

func (h *ChatHandler) Stats(c *fiber.Ctx) error {
	users := h.hub.ActiveUsers()
	conversations := h.hub.ActiveConversations()

	return c.JSON(fiber.Map{
		"activeUsers":         len(users),
		"activeConversations": len(conversations),
		"users":               users,
		"conversations":       conversations,
	})
}

// WebSocketAuth validates the upgrade request's token before the connection
// is promoted to a websocket.
func (h *ChatHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	return c.Next()
}

func (h *ChatHandler) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("user_id").(string)
	client := chatws.NewClient(userID, conn)
	h.gateway.Serve(client)
}

func (h *ChatHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		authHeader := strings.TrimSpace(c.Get("Authorization"))
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}

func actorUserID(c *fiber.Ctx) (string, error) {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return "", errors.New("missing user id")
	}
	return userID, nil
}

func mapChatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	case errors.Is(err, services.ErrMessageNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Message not found"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process chat request"})
	}
}
