package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/runflow/pkg/channels/gochannel"
	"github.com/dukex/runflow/pkg/channels/kafka"
	"github.com/dukex/runflow/pkg/realtime"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

type RealtimeConfig struct {
	// Provider is one of redis, kafka or memory.
	Provider     string
	Redis        redis.UniversalClient
	KafkaBrokers []string
	OTELEnabled  bool
}

// NewRealtimeChannel opens the channel execution events cross processes on.
// Every process must see every event, so each kafka consumer gets a group of
// its own.
func NewRealtimeChannel(cfg RealtimeConfig, logger *slog.Logger) (realtime.Channel, error) {
	switch cfg.Provider {
	case "redis":
		if cfg.Redis == nil {
			return nil, ErrRedisRequired
		}

		return realtime.NewRedisChannel(cfg.Redis, logger), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), kafka.Config{
			Brokers:       cfg.KafkaBrokers,
			ConsumerGroup: "runflow-realtime-" + uuid.NewString(),
			OTELEnabled:   cfg.OTELEnabled,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka realtime channel: %w", err)
		}

		return realtime.NewWatermillChannel(pub, sub, logger), nil
	case "", "memory", "gochannel":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			return nil, err
		}

		return realtime.NewWatermillChannel(pub, sub, logger), nil
	default:
		return nil, fmt.Errorf("unsupported realtime provider: %s", cfg.Provider)
	}
}
