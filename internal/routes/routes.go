package routes

import (
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KaranMittal0623/SkillSwap/internal/cache"
	"github.com/KaranMittal0623/SkillSwap/internal/config"
	"github.com/KaranMittal0623/SkillSwap/internal/handlers"
	"github.com/KaranMittal0623/SkillSwap/internal/middleware"
	"github.com/KaranMittal0623/SkillSwap/internal/pubsub"
	"github.com/KaranMittal0623/SkillSwap/internal/queue"
	"github.com/KaranMittal0623/SkillSwap/internal/repository"
	"github.com/KaranMittal0623/SkillSwap/internal/services"
	chatws "github.com/KaranMittal0623/SkillSwap/internal/websocket"
)

func RegisterRoutes(app *fiber.App, cfg *config.Config, db *pgxpool.Pool, broker *pubsub.Broker, unreadCache cache.Cache, offlineQueue *queue.Client) {
	messageRepo := repository.NewMessageRepository(db)

	hub := chatws.NewHub()
	var notifier chatws.Notifier
	if offlineQueue != nil {
		notifier = offlineQueue
	}
	gateway := chatws.NewGateway(hub, messageRepo, broker, notifier, cfg.HistoryDefaultLimit, cfg.HistoryMaxLimit)

	chatService := services.NewChatService(messageRepo, unreadCache, cfg.UnreadCacheTTL)
	chatHandler := handlers.NewChatHandler(chatService, hub, gateway, cfg.JWTSecret)

	api := app.Group("/api")

	chat := api.Group("/chat", middleware.AuthRequired(cfg.JWTSecret))
	chat.Get("/conversations", chatHandler.ListConversations)
	chat.Get("/history/:targetUserId", chatHandler.GetHistory)
	chat.Get("/unread-count", chatHandler.GetUnreadCount)
	chat.Put("/mark-read/:targetUserId", chatHandler.MarkConversationRead)
	chat.Delete("/message/:id", chatHandler.DeleteMessage)
	chat.Delete("/conversation/:targetUserId", chatHandler.DeleteConversation)
	chat.Get("/search", chatHandler.SearchMessages)

	app.Get("/stats", chatHandler.Stats)

	app.Use("/ws", chatHandler.WebSocketAuth)
	app.Get("/ws", websocket.New(chatHandler.HandleWebSocket))
}
