package flowstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/runflow/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "runflow:flowstate:"

	// DefaultTTL bounds how long a finished execution stays in the cache.
	DefaultTTL = 24 * time.Hour
)

// RedisStore keeps one hash per execution, field per node. Every write
// refreshes the hash expiry.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &RedisStore{client: client, ttl: ttl}
}

func key(executionID string) string {
	return keyPrefix + executionID
}

func (s *RedisStore) Put(ctx context.Context, state models.FlowExecutionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal flow state: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key(state.ExecutionID), state.NodeID, data)
		pipe.Expire(ctx, key(state.ExecutionID), s.ttl)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store flow state for %s/%s: %w", state.ExecutionID, state.NodeID, err)
	}

	return nil
}

func (s *RedisStore) Get(ctx context.Context, executionID, nodeID string) (*models.FlowExecutionState, error) {
	data, err := s.client.HGet(ctx, key(executionID), nodeID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read flow state: %w", err)
	}

	var state models.FlowExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow state: %w", err)
	}

	return &state, nil
}

func (s *RedisStore) List(ctx context.Context, executionID string) ([]models.FlowExecutionState, error) {
	fields, err := s.client.HGetAll(ctx, key(executionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read flow states: %w", err)
	}

	out := make([]models.FlowExecutionState, 0, len(fields))

	for nodeID, raw := range fields {
		var state models.FlowExecutionState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow state of node %s: %w", nodeID, err)
		}

		out = append(out, state)
	}

	sortStates(out)

	return out, nil
}

func (s *RedisStore) Prune(ctx context.Context, executionID string) error {
	if err := s.client.Del(ctx, key(executionID)).Err(); err != nil {
		return fmt.Errorf("failed to prune flow states: %w", err)
	}

	return nil
}
