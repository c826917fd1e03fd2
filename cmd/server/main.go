package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/KaranMittal0623/SkillSwap/internal/cache"
	"github.com/KaranMittal0623/SkillSwap/internal/config"
	"github.com/KaranMittal0623/SkillSwap/internal/database"
	"github.com/KaranMittal0623/SkillSwap/internal/pubsub"
	"github.com/KaranMittal0623/SkillSwap/internal/queue"
	"github.com/KaranMittal0623/SkillSwap/internal/routes"
)

func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if cfg.AppEnv == "development" {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	// 2. Connect to Database
	if cfg.DBUrl == "" {
		logrus.Fatal("DB_URL is required")
	}
	if err := database.ConnectDB(cfg.DBUrl); err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.CloseDB()

	// 3. Connect the Redis broker. Without it, multi-instance delivery is
	// broken, so startup fails hard.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	broker, err := pubsub.Connect(ctx, cfg.RedisURL, cfg.BrokerOpTimeout)
	cancel()
	if err != nil {
		logrus.Fatalf("Failed to connect to redis broker: %v", err)
	}
	defer broker.Close()

	// Unread-count cache and offline queue are optional accelerators.
	unreadCache, err := cache.NewRedisCache(cfg.RedisURL)
	if err != nil {
		logrus.Warnf("Unread cache unavailable, counts served from database: %v", err)
		unreadCache = nil
	}

	var offlineQueue *queue.Client
	var worker *queue.Worker
	if offlineQueue, err = queue.NewClient(cfg.RedisURL); err != nil {
		logrus.Warnf("Offline notification queue unavailable: %v", err)
		offlineQueue = nil
	} else {
		if worker, err = queue.NewWorker(cfg.RedisURL); err != nil {
			logrus.Warnf("Queue worker unavailable: %v", err)
		} else if err := worker.Start(); err != nil {
			logrus.Warnf("Queue worker failed to start: %v", err)
			worker = nil
		}
	}

	// 4. Setup Fiber
	app := fiber.New()

	app.Use(cors.New())
	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})
	var cacheIface cache.Cache
	if unreadCache != nil {
		cacheIface = unreadCache
	}
	routes.RegisterRoutes(app, cfg, database.DB, broker, cacheIface, offlineQueue)

	// 5. Start Server
	go func() {
		logrus.Infof("Server starting on port %s", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			logrus.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down")
	if worker != nil {
		worker.Shutdown()
	}
	if offlineQueue != nil {
		offlineQueue.Close()
	}
	if unreadCache != nil {
		unreadCache.Close()
	}
	if err := app.Shutdown(); err != nil {
		logrus.Errorf("Server shutdown: %v", err)
	}
}
