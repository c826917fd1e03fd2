package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/KaranMittal0623/SkillSwap/internal/models"
)

// TaskOfflineMessage is enqueued when a message is sent to a user with no
// live connection on this instance. The worker hands the payload to the
// notification collaborator; delivery beyond the queue is best-effort.
const TaskOfflineMessage = "chat:offline_message"

const notificationQueue = "notifications"

type OfflineMessagePayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Preview        string `json:"preview"`
}

type Client struct {
	client *asynq.Client
}

func NewClient(redisURL string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	return &Client{client: asynq.NewClient(opt)}, nil
}

// NotifyOffline enqueues an offline-message notification task for msg.
func (c *Client) NotifyOffline(ctx context.Context, msg *models.ChatMessage) error {
	preview := msg.Message
	if len(preview) > 120 {
		preview = preview[:120]
	}

	payload, err := json.Marshal(OfflineMessagePayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Preview:        preview,
	})
	if err != nil {
		return fmt.Errorf("queue: marshal offline message payload: %w", err)
	}

	task := asynq.NewTask(TaskOfflineMessage, payload)
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(notificationQueue), asynq.MaxRetry(3))
	if err != nil {
		return fmt.Errorf("queue: enqueue offline message: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewWorker(redisURL string) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 5,
		Queues:      map[string]int{notificationQueue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logrus.WithFields(logrus.Fields{
				"task":  task.Type(),
				"error": err,
			}).Error("queue task failed")
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskOfflineMessage, handleOfflineMessage)

	return &Worker{server: server, mux: mux}, nil
}

func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

func handleOfflineMessage(_ context.Context, task *asynq.Task) error {
	var payload OfflineMessagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("queue: decode offline message payload: %w", err)
	}

	// Hand-off point for the external notifier service.
	logrus.WithFields(logrus.Fields{
		"messageId":      payload.MessageID,
		"conversationId": payload.ConversationID,
		"receiverId":     payload.ReceiverID,
	}).Info("dispatching offline message notification")
	return nil
}
