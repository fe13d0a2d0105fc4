package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/runflow/pkg/channels/gochannel"
	"github.com/dukex/runflow/pkg/channels/kafka"
	"github.com/dukex/runflow/pkg/engine"
	"github.com/dukex/runflow/pkg/queue"
	redis "github.com/redis/go-redis/v9"
)

const jobsConsumerGroup = "runflow-workers"

type QueueConfig struct {
	// Provider is one of redis, kafka, memory or none.
	Provider     string
	Redis        redis.UniversalClient
	KafkaBrokers []string
	ConsumerID   string
	MaxAttempts  int
	OTELEnabled  bool
}

// NewQueueFactory returns the factory the engine opens its queue with. The
// none provider returns a nil factory, which runs every execution
// synchronously.
func NewQueueFactory(cfg QueueConfig, logger *slog.Logger) (engine.QueueFactory, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "redis":
		if cfg.Redis == nil {
			return nil, ErrRedisRequired
		}

		return func(context.Context) (queue.Queue, error) {
			return queue.NewRedisQueue(cfg.Redis, queue.RedisConfig{
				ConsumerID:  cfg.ConsumerID,
				MaxAttempts: cfg.MaxAttempts,
			}, logger), nil
		}, nil
	case "kafka":
		return func(context.Context) (queue.Queue, error) {
			pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), kafka.Config{
				Brokers:       cfg.KafkaBrokers,
				ConsumerGroup: jobsConsumerGroup,
				OldestOffset:  true,
				OTELEnabled:   cfg.OTELEnabled,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create kafka job channel: %w", err)
			}

			return queue.NewWatermillQueue(pub, sub, queue.WatermillConfig{MaxAttempts: cfg.MaxAttempts}, logger), nil
		}, nil
	case "memory", "gochannel":
		return func(context.Context) (queue.Queue, error) {
			pub, sub, err := gochannel.CreatePersistentChannel(watermill.NewSlogLogger(logger))
			if err != nil {
				return nil, err
			}

			return queue.NewWatermillQueue(pub, sub, queue.WatermillConfig{
				MaxAttempts: cfg.MaxAttempts,
				AckOnClaim:  true,
			}, logger), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported queue provider: %s", cfg.Provider)
	}
}
