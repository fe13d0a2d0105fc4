package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/runflow/pkg/channels/gochannel"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/queue"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})

	t.Cleanup(func() { _ = client.Close() })

	return client
}

func newRedisQueue(client *redis.Client, consumer string) *queue.RedisQueue {
	return queue.NewRedisQueue(client, queue.RedisConfig{
		ConsumerID:   consumer,
		MaxAttempts:  2,
		BlockTimeout: 20 * time.Millisecond,
	}, nil)
}

func newWatermillQueue(t *testing.T, ackOnClaim bool) *queue.WatermillQueue {
	t.Helper()

	pub, sub, err := gochannel.CreatePersistentChannel(watermill.NopLogger{})
	require.NoError(t, err)

	q := queue.NewWatermillQueue(pub, sub, queue.WatermillConfig{MaxAttempts: 2, AckOnClaim: ackOnClaim}, nil)
	t.Cleanup(func() { _ = q.Close() })

	return q
}

func claim(t *testing.T, q queue.Queue) *queue.Delivery {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := q.Claim(ctx)
	require.NoError(t, err)

	return d
}

func TestQueues(t *testing.T) {
	queues := map[string]func(t *testing.T) queue.Queue{
		"redis": func(t *testing.T) queue.Queue {
			return newRedisQueue(newRedisClient(t), "worker-1")
		},
		"watermill": func(t *testing.T) queue.Queue {
			return newWatermillQueue(t, false)
		},
	}

	for name, newQueue := range queues {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("delivers every job", func(t *testing.T) {
				q := newQueue(t)

				first := &models.Job{ExecutionID: "exec-1", WorkflowID: "wf-1"}
				second := &models.Job{ExecutionID: "exec-2", WorkflowID: "wf-1", Kind: models.JobKindNode, NodeID: "n"}

				require.NoError(t, q.Enqueue(ctx, first))
				require.NoError(t, q.Enqueue(ctx, second))

				assert.NotEmpty(t, first.ID)
				assert.Equal(t, models.JobKindExecution, first.Kind)
				assert.False(t, first.EnqueuedAt.IsZero())

				claimed := map[string]models.Job{}

				for range 2 {
					d := claim(t, q)
					claimed[d.Job.ExecutionID] = d.Job
					require.NoError(t, d.Ack(ctx))
				}

				require.Len(t, claimed, 2)
				assert.Equal(t, first.ID, claimed["exec-1"].ID)
				assert.Equal(t, models.JobKindNode, claimed["exec-2"].Kind)
				assert.Equal(t, "n", claimed["exec-2"].NodeID)
			})

			t.Run("nack requeues until attempts are exhausted", func(t *testing.T) {
				q := newQueue(t)

				require.NoError(t, q.Enqueue(ctx, &models.Job{ExecutionID: "exec-1"}))

				d := claim(t, q)
				assert.Equal(t, 0, d.Job.Attempt)
				require.NoError(t, d.Nack(ctx, errors.New("boom")))

				d = claim(t, q)
				assert.Equal(t, 1, d.Job.Attempt)
				require.NoError(t, d.Nack(ctx, errors.New("boom")))

				claimCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
				defer cancel()

				_, err := q.Claim(claimCtx)
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			})

			t.Run("rejects jobs without execution", func(t *testing.T) {
				q := newQueue(t)

				err := q.Enqueue(ctx, &models.Job{})
				assert.ErrorIs(t, err, queue.ErrInvalidJob)

				err = q.Enqueue(ctx, &models.Job{ExecutionID: "e", Kind: "other"})
				assert.ErrorIs(t, err, queue.ErrInvalidJob)
			})

			t.Run("closed queue refuses work", func(t *testing.T) {
				q := newQueue(t)

				require.NoError(t, q.Ping(ctx))
				require.NoError(t, q.Close())

				assert.ErrorIs(t, q.Enqueue(ctx, &models.Job{ExecutionID: "e"}), queue.ErrClosed)

				_, err := q.Claim(ctx)
				assert.ErrorIs(t, err, queue.ErrClosed)
			})
		})
	}
}

func TestRedisQueue_TracksJobState(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	q := newRedisQueue(client, "worker-1")

	job := &models.Job{ExecutionID: "exec-1"}
	require.NoError(t, q.Enqueue(ctx, job))

	state, err := q.State(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStateQueued, state)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	d := claim(t, q)

	state, err = q.State(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStateActive, state)

	processing, err := client.LLen(ctx, "runflow:queue:executions:processing:worker-1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing)

	require.NoError(t, d.Ack(ctx))

	state, err = q.State(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStateDone, state)

	processing, err = client.LLen(ctx, "runflow:queue:executions:processing:worker-1").Result()
	require.NoError(t, err)
	assert.Zero(t, processing)
}

func TestRedisQueue_ExhaustedJobsGoToDeadList(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	q := newRedisQueue(client, "worker-1")

	job := &models.Job{ExecutionID: "exec-1"}
	require.NoError(t, q.Enqueue(ctx, job))

	require.NoError(t, claim(t, q).Nack(ctx, errors.New("first")))
	require.NoError(t, claim(t, q).Nack(ctx, errors.New("second")))

	state, err := q.State(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStateFailed, state)

	dead, err := client.LLen(ctx, "runflow:queue:executions:dead").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestRedisQueue_RecoverRequeuesOrphanedJobs(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)

	crashed := newRedisQueue(client, "worker-crashed")
	alive := newRedisQueue(client, "worker-alive")
	survivor := newRedisQueue(client, "worker-new")

	require.NoError(t, crashed.Enqueue(ctx, &models.Job{ExecutionID: "exec-orphan"}))
	require.NoError(t, crashed.Enqueue(ctx, &models.Job{ExecutionID: "exec-held"}))

	orphan := claim(t, crashed)
	assert.Equal(t, "exec-orphan", orphan.Job.ExecutionID)

	held := claim(t, alive)
	assert.Equal(t, "exec-held", held.Job.ExecutionID)

	// the crashed consumer stops heart-beating
	require.NoError(t, crashed.Close())

	recovered, err := survivor.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered, "jobs of live consumers are left alone")

	d := claim(t, survivor)
	assert.Equal(t, "exec-orphan", d.Job.ExecutionID)
	assert.Equal(t, orphan.Job.ID, d.Job.ID)
}

func TestRedisQueue_RecoverLeavesBusyConsumerAlone(t *testing.T) {
	ctx := context.Background()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	busy := queue.NewRedisQueue(client, queue.RedisConfig{
		ConsumerID:   "worker-busy",
		BlockTimeout: 20 * time.Millisecond,
		HeartbeatTTL: 300 * time.Millisecond,
	}, nil)
	t.Cleanup(func() { _ = busy.Close() })

	late := newRedisQueue(client, "worker-late")
	t.Cleanup(func() { _ = late.Close() })

	require.NoError(t, busy.Enqueue(ctx, &models.Job{ExecutionID: "exec-long"}))

	held := claim(t, busy)
	assert.Equal(t, "exec-long", held.Job.ExecutionID)

	// the consumer stays busy with its job well past the heartbeat TTL
	heartbeat := "runflow:queue:executions:consumer:worker-busy"
	mini.FastForward(time.Second)

	require.Eventually(t, func() bool { return mini.Exists(heartbeat) }, 2*time.Second, 10*time.Millisecond)

	recovered, err := late.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	depth, err := late.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	require.NoError(t, held.Ack(ctx))

	state, err := busy.State(ctx, held.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStateDone, state)
}

func TestRedisQueue_CloseStopsHeartbeat(t *testing.T) {
	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewRedisQueue(client, queue.RedisConfig{
		ConsumerID:   "worker-1",
		BlockTimeout: 20 * time.Millisecond,
		HeartbeatTTL: 150 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err := q.Claim(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	heartbeat := "runflow:queue:executions:consumer:worker-1"
	assert.True(t, mini.Exists(heartbeat))

	require.NoError(t, q.Close())
	assert.False(t, mini.Exists(heartbeat))

	time.Sleep(200 * time.Millisecond)
	assert.False(t, mini.Exists(heartbeat), "no heartbeat after close")
}

func TestRedisQueue_ClaimHonoursContext(t *testing.T) {
	q := newRedisQueue(newRedisClient(t), "worker-1")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := q.Claim(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestWatermillQueue_AckOnClaimHandsOutConcurrentJobs(t *testing.T) {
	ctx := context.Background()
	q := newWatermillQueue(t, true)

	require.NoError(t, q.Enqueue(ctx, &models.Job{ExecutionID: "exec-1"}))
	require.NoError(t, q.Enqueue(ctx, &models.Job{ExecutionID: "exec-2"}))

	first := claim(t, q)
	second := claim(t, q)

	assert.ElementsMatch(t, []string{"exec-1", "exec-2"}, []string{first.Job.ExecutionID, second.Job.ExecutionID})

	require.NoError(t, first.Nack(ctx, errors.New("retry me")))

	retried := claim(t, q)
	assert.Equal(t, first.Job.ID, retried.Job.ID)
	assert.Equal(t, 1, retried.Job.Attempt)
}

func TestRetry(t *testing.T) {
	job := models.Job{ID: "j", Attempt: 0}

	next, ok := queue.Retry(job, 3)
	require.True(t, ok)
	assert.Equal(t, 1, next.Attempt)

	next, ok = queue.Retry(next, 3)
	require.True(t, ok)
	assert.Equal(t, 2, next.Attempt)

	_, ok = queue.Retry(next, 3)
	assert.False(t, ok)
}
