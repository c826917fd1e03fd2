package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const connectTimeout = 3 * time.Second

// Channel names shared by publishers and subscribers. Both sides must build
// them through these helpers so cross-instance lookups never diverge.
func ChatChannel(conversationID string) string {
	return "chat:" + conversationID
}

func ReadChannel(conversationID string) string {
	return "chat:" + conversationID + ":read"
}

const UserStatusChannel = "user_status"

// Broker relays JSON payloads across gateway instances over Redis pub/sub.
//
// It holds two connections: one publish-only client and one dedicated
// subscriber. The split is load-bearing: a connection in subscribe mode
// cannot serve ordinary request/response commands. Delivery is at-most-once
// and non-durable; missed messages are recovered through history reads,
// never broker replay.
type Broker struct {
	publisher  *redis.Client
	subscriber *redis.Client
	sub        *redis.PubSub

	mu       sync.RWMutex
	handlers map[string]func(payload []byte)

	opTimeout time.Duration
}

// Connect dials both clients and starts the receiver goroutine that
// demultiplexes incoming channel messages to registered handlers.
func Connect(ctx context.Context, redisURL string, opTimeout time.Duration) (*Broker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("pubsub: parse redis url: %w", err)
	}

	publisher := redis.NewClient(opt)
	subscriber := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := publisher.Ping(pingCtx).Err(); err != nil {
		_ = publisher.Close()
		_ = subscriber.Close()
		return nil, fmt.Errorf("pubsub: ping publisher: %w", err)
	}
	if err := subscriber.Ping(pingCtx).Err(); err != nil {
		_ = publisher.Close()
		_ = subscriber.Close()
		return nil, fmt.Errorf("pubsub: ping subscriber: %w", err)
	}

	b := &Broker{
		publisher:  publisher,
		subscriber: subscriber,
		sub:        subscriber.Subscribe(ctx),
		handlers:   make(map[string]func(payload []byte)),
		opTimeout:  opTimeout,
	}
	go b.receive()

	logrus.Info("Connected to Redis pub/sub")
	return b, nil
}

// Publish serializes payload to JSON and sends it on the publish-only
// connection. The call is bounded by the broker operation timeout.
func (b *Broker) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pubsub: marshal payload for %s: %w", channel, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	if err := b.publisher.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("pubsub: publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers handler for channel and adds the channel to the
// subscriber connection. A second subscribe on the same channel replaces
// the handler.
func (b *Broker) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	b.mu.Lock()
	b.handlers[channel] = handler
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	if err := b.sub.Subscribe(ctx, channel); err != nil {
		b.mu.Lock()
		delete(b.handlers, channel)
		b.mu.Unlock()
		return fmt.Errorf("pubsub: subscribe to %s: %w", channel, err)
	}
	return nil
}

// Unsubscribe removes the handler and releases the channel subscription.
func (b *Broker) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	delete(b.handlers, channel)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	if err := b.sub.Unsubscribe(ctx, channel); err != nil {
		return fmt.Errorf("pubsub: unsubscribe from %s: %w", channel, err)
	}
	return nil
}

func (b *Broker) receive() {
	for msg := range b.sub.Channel() {
		b.dispatch(msg.Channel, []byte(msg.Payload))
	}
}

// dispatch routes one incoming message to its channel handler. A handler
// panic is contained here so a bad payload cannot kill the receiver loop.
func (b *Broker) dispatch(channel string, payload []byte) {
	b.mu.RLock()
	handler := b.handlers[channel]
	b.mu.RUnlock()
	if handler == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"channel": channel,
				"panic":   r,
			}).Error("pubsub handler panicked")
		}
	}()
	handler(payload)
}

func (b *Broker) Close() error {
	if err := b.sub.Close(); err != nil {
		logrus.WithError(err).Warn("pubsub: closing subscription")
	}
	if err := b.subscriber.Close(); err != nil {
		logrus.WithError(err).Warn("pubsub: closing subscriber client")
	}
	return b.publisher.Close()
}
