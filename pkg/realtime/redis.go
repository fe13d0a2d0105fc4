package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dukex/runflow/pkg/events"
	redis "github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "runflow:execution:"

// RedisChannel publishes each execution's events on its own pub/sub channel,
// runflow:execution:<id>.
type RedisChannel struct {
	client redis.UniversalClient
	logger *slog.Logger
	closed atomic.Bool
}

func NewRedisChannel(client redis.UniversalClient, logger *slog.Logger) *RedisChannel {
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisChannel{
		client: client,
		logger: logger.With("module", "realtime_redis"),
	}
}

func channelName(executionID string) string {
	return redisChannelPrefix + executionID
}

func (c *RedisChannel) Publish(ctx context.Context, event events.Event) error {
	if c.closed.Load() {
		return ErrClosed
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := c.client.Publish(ctx, channelName(event.ExecutionID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}

	return nil
}

// Subscribe returns once redis has confirmed the subscription.
func (c *RedisChannel) Subscribe(ctx context.Context, executionID string) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	pubsub := c.client.Subscribe(ctx, channelName(executionID))

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()

		return nil, fmt.Errorf("failed to subscribe to execution %s: %w", executionID, err)
	}

	sub := newSubscription(pubsub.Close)
	logger := c.logger.With("execution_id", executionID)

	go func() {
		defer close(sub.events)

		messages := pubsub.Channel()

		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}

				var event events.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logger.Warn("dropping undecodable event", "error", err)

					continue
				}

				if !sub.deliver(event) {
					return
				}
			}
		}
	}()

	return sub, nil
}

// Close stops publishing. The redis client is owned by the caller.
func (c *RedisChannel) Close() error {
	c.closed.Store(true)

	return nil
}
