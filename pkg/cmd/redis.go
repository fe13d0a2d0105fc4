package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/dukex/runflow/pkg/flowstate"
	redis "github.com/redis/go-redis/v9"
)

// ErrRedisRequired is returned when a provider needs redis and no URL is set.
var ErrRedisRequired = errors.New("REDIS_URL is required for this provider")

// NewRedisClient parses a redis:// URL. The connection is established lazily.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, ErrRedisRequired
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return redis.NewClient(opts), nil
}

// NewFlowStateStore caches node state in redis when a client is available
// and in memory otherwise.
func NewFlowStateStore(client redis.UniversalClient, ttl time.Duration) flowstate.Store {
	if client == nil {
		return flowstate.NewMemoryStore()
	}

	return flowstate.NewRedisStore(client, ttl)
}
