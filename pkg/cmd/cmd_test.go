package cmd

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/flowstate"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/persistence/file"
	"github.com/dukex/runflow/pkg/persistence/memory"
	"github.com/dukex/runflow/pkg/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePersistenceProvider(t *testing.T) {
	tests := []struct {
		url      string
		provider string
		rest     string
	}{
		{"", "memory", ""},
		{"memory://", "memory", ""},
		{"file:///var/lib/runflow", "file", "/var/lib/runflow"},
		{"./data", "file", "./data"},
		{"postgres://user@localhost/runflow", "postgres", "user@localhost/runflow"},
		{"postgresql://user@localhost/runflow", "postgresql", "user@localhost/runflow"},
		{"mongodb://localhost", "file", "mongodb://localhost"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			provider, rest := parsePersistenceProvider(tt.url)
			assert.Equal(t, tt.provider, provider)
			assert.Equal(t, tt.rest, rest)
		})
	}
}

func TestNewPersistence(t *testing.T) {
	ctx := context.Background()

	p, err := NewPersistence(ctx, slog.Default(), "")
	require.NoError(t, err)
	assert.IsType(t, &memory.Persistence{}, p)

	p, err = NewPersistence(ctx, slog.Default(), "file://"+t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, p)
	assert.NoError(t, p.HealthCheck(ctx))
}

func TestNewRedisClient(t *testing.T) {
	_, err := NewRedisClient("")
	require.ErrorIs(t, err, ErrRedisRequired)

	_, err = NewRedisClient("http://not-redis")
	require.Error(t, err)

	mini := miniredis.RunT(t)

	client, err := NewRedisClient("redis://" + mini.Addr() + "/0")
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Ping(context.Background()).Err())

	assert.IsType(t, &flowstate.RedisStore{}, NewFlowStateStore(client, time.Minute))
	assert.IsType(t, &flowstate.MemoryStore{}, NewFlowStateStore(nil, time.Minute))
}

func TestNewQueueFactory(t *testing.T) {
	ctx := context.Background()

	factory, err := NewQueueFactory(QueueConfig{Provider: "none"}, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, factory)

	_, err = NewQueueFactory(QueueConfig{Provider: "redis"}, slog.Default())
	require.ErrorIs(t, err, ErrRedisRequired)

	_, err = NewQueueFactory(QueueConfig{Provider: "sqs"}, slog.Default())
	require.Error(t, err)

	factory, err = NewQueueFactory(QueueConfig{Provider: "kafka"}, slog.Default())
	require.NoError(t, err)

	_, err = factory(ctx)
	assert.Error(t, err, "no brokers configured")

	factory, err = NewQueueFactory(QueueConfig{Provider: "memory"}, slog.Default())
	require.NoError(t, err)

	q, err := factory(ctx)
	require.NoError(t, err)

	t.Cleanup(func() { _ = q.Close() })

	require.NoError(t, q.Enqueue(ctx, &models.Job{ExecutionID: "exec-1"}))

	claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	d, err := q.Claim(claimCtx)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", d.Job.ExecutionID)
}

func TestNewRealtimeChannel(t *testing.T) {
	_, err := NewRealtimeChannel(RealtimeConfig{Provider: "redis"}, slog.Default())
	require.ErrorIs(t, err, ErrRedisRequired)

	_, err = NewRealtimeChannel(RealtimeConfig{Provider: "nats"}, slog.Default())
	require.Error(t, err)

	ch, err := NewRealtimeChannel(RealtimeConfig{Provider: "memory"}, slog.Default())
	require.NoError(t, err)

	t.Cleanup(func() { _ = ch.Close() })

	assert.IsType(t, &realtime.WatermillChannel{}, ch)

	ctx := context.Background()

	sub, err := ch.Subscribe(ctx, "exec-1")
	require.NoError(t, err)

	defer func() { _ = sub.Close() }()

	require.NoError(t, ch.Publish(ctx, events.Event{ExecutionID: "exec-1", Type: events.ExecutionStarted}))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, events.ExecutionStarted, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}
