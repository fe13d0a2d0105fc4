package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/runflow/pkg/models"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	defaultBlockTimeout = time.Second
	defaultHeartbeatTTL = 30 * time.Second
)

type RedisConfig struct {
	// Name namespaces every key of the queue.
	Name string
	// ConsumerID identifies this process's processing list. Generated when empty.
	ConsumerID   string
	MaxAttempts  int
	BlockTimeout time.Duration
	// HeartbeatTTL is how long a consumer is considered alive without a
	// heartbeat. Once claiming starts the heartbeat is refreshed every TTL/3
	// until Close, whether or not the consumer is busy.
	HeartbeatTTL time.Duration
}

// RedisQueue is a reliable list queue. Claimed jobs are moved atomically from
// the pending list into this consumer's processing list and removed on Ack,
// so a crashed consumer's jobs can be recovered by Recover.
//
// Keys, under runflow:queue:<name>:
//
//	pending              list of job payloads, LPUSH in, BLMOVE out
//	processing:<consumer> list of claimed payloads
//	consumer:<consumer>  heartbeat with TTL
//	state                hash job id -> queued|active|done|failed
//	dead                 list of payloads that exhausted their attempts
type RedisQueue struct {
	client redis.UniversalClient
	cfg    RedisConfig
	prefix string
	logger *slog.Logger
	closed atomic.Bool

	beatMu  sync.Mutex
	beating bool
	stop    chan struct{}
	beats   sync.WaitGroup
}

func NewRedisQueue(client redis.UniversalClient, cfg RedisConfig, logger *slog.Logger) *RedisQueue {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}

	if cfg.ConsumerID == "" {
		cfg.ConsumerID = uuid.NewString()
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}

	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = defaultHeartbeatTTL
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &RedisQueue{
		client: client,
		cfg:    cfg,
		prefix: "runflow:queue:" + cfg.Name,
		logger: logger.With("module", "redis_queue", "queue", cfg.Name, "consumer_id", cfg.ConsumerID),
		stop:   make(chan struct{}),
	}
}

func (q *RedisQueue) pendingKey() string    { return q.prefix + ":pending" }
func (q *RedisQueue) stateKey() string      { return q.prefix + ":state" }
func (q *RedisQueue) deadKey() string       { return q.prefix + ":dead" }
func (q *RedisQueue) processingKey() string { return q.processingKeyOf(q.cfg.ConsumerID) }

func (q *RedisQueue) processingKeyOf(consumer string) string {
	return q.prefix + ":processing:" + consumer
}

func (q *RedisQueue) heartbeatKey(consumer string) string {
	return q.prefix + ":consumer:" + consumer
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *models.Job) error {
	if q.closed.Load() {
		return ErrClosed
	}

	if err := prepare(job, time.Now().UTC()); err != nil {
		return err
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.stateKey(), job.ID, string(JobStateQueued))
		pipe.LPush(ctx, q.pendingKey(), payload)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	q.logger.DebugContext(ctx, "job enqueued", "job_id", job.ID, "execution_id", job.ExecutionID, "kind", job.Kind)

	return nil
}

func (q *RedisQueue) Claim(ctx context.Context) (*Delivery, error) {
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := q.startHeartbeat(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, fmt.Errorf("failed to refresh consumer heartbeat: %w", err)
		}

		payload, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", q.cfg.BlockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, fmt.Errorf("failed to claim job: %w", err)
		}

		var job models.Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.logger.ErrorContext(ctx, "dropping undecodable job", "error", err)
			q.bury(ctx, payload)

			continue
		}

		if err := q.client.HSet(ctx, q.stateKey(), job.ID, string(JobStateActive)).Err(); err != nil {
			q.logger.WarnContext(ctx, "failed to mark job active", "job_id", job.ID, "error", err)
		}

		return q.delivery(job, payload), nil
	}
}

// startHeartbeat writes the first heartbeat and keeps it alive in the
// background until Close. Jobs held by a busy consumer must never look
// orphaned to Recover.
func (q *RedisQueue) startHeartbeat(ctx context.Context) error {
	q.beatMu.Lock()
	defer q.beatMu.Unlock()

	if q.beating || q.closed.Load() {
		return nil
	}

	if err := q.beat(ctx); err != nil {
		return err
	}

	q.beating = true
	interval := q.cfg.HeartbeatTTL / 3

	q.beats.Add(1)

	go func() {
		defer q.beats.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-q.stop:
				return
			case <-ticker.C:
				beatCtx, cancel := context.WithTimeout(context.Background(), interval)
				if err := q.beat(beatCtx); err != nil {
					q.logger.Warn("failed to refresh consumer heartbeat", "error", err)
				}
				cancel()
			}
		}
	}()

	return nil
}

func (q *RedisQueue) beat(ctx context.Context) error {
	heartbeat := time.Now().UTC().Format(time.RFC3339)

	return q.client.Set(ctx, q.heartbeatKey(q.cfg.ConsumerID), heartbeat, q.cfg.HeartbeatTTL).Err()
}

func (q *RedisQueue) delivery(job models.Job, payload string) *Delivery {
	return &Delivery{
		Job: job,
		ack: func(ctx context.Context) error {
			_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, q.processingKey(), 1, payload)
				pipe.HSet(ctx, q.stateKey(), job.ID, string(JobStateDone))

				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
			}

			return nil
		},
		nack: func(ctx context.Context, cause error) error {
			next, retry := Retry(job, q.cfg.MaxAttempts)

			_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, q.processingKey(), 1, payload)

				if !retry {
					pipe.HSet(ctx, q.stateKey(), job.ID, string(JobStateFailed))
					pipe.LPush(ctx, q.deadKey(), payload)

					return nil
				}

				nextPayload, err := json.Marshal(next)
				if err != nil {
					return err
				}

				pipe.HSet(ctx, q.stateKey(), job.ID, string(JobStateQueued))
				pipe.LPush(ctx, q.pendingKey(), nextPayload)

				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to nack job %s: %w", job.ID, err)
			}

			q.logger.WarnContext(ctx, "job nacked", "job_id", job.ID, "attempt", job.Attempt,
				"requeued", retry, "error", cause)

			return nil
		},
	}
}

func (q *RedisQueue) bury(ctx context.Context, payload string) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, payload)
		pipe.LPush(ctx, q.deadKey(), payload)

		return nil
	})
	if err != nil {
		q.logger.ErrorContext(ctx, "failed to bury job", "error", err)
	}
}

// Recover moves jobs held by consumers without a live heartbeat back to the
// pending list. This consumer's own processing list is recovered too: it is
// only called before the consumer starts claiming.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	keys, err := q.scan(ctx, q.prefix+":processing:*")
	if err != nil {
		return 0, err
	}

	recovered := 0

	for _, key := range keys {
		consumer := strings.TrimPrefix(key, q.prefix+":processing:")

		if consumer != q.cfg.ConsumerID {
			alive, err := q.client.Exists(ctx, q.heartbeatKey(consumer)).Result()
			if err != nil {
				return recovered, err
			}

			if alive > 0 {
				continue
			}
		}

		for {
			_, err := q.client.LMove(ctx, key, q.pendingKey(), "RIGHT", "LEFT").Result()
			if errors.Is(err, redis.Nil) {
				break
			}

			if err != nil {
				return recovered, fmt.Errorf("failed to recover jobs of %s: %w", consumer, err)
			}

			recovered++
		}
	}

	if recovered > 0 {
		q.logger.InfoContext(ctx, "recovered orphaned jobs", "count", recovered)
	}

	return recovered, nil
}

func (q *RedisQueue) scan(ctx context.Context, match string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)

	for {
		batch, next, err := q.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, err
		}

		keys = append(keys, batch...)

		if next == 0 {
			return keys, nil
		}

		cursor = next
	}
}

// State returns the tracked state of a job.
func (q *RedisQueue) State(ctx context.Context, jobID string) (JobState, error) {
	state, err := q.client.HGet(ctx, q.stateKey(), jobID).Result()
	if err != nil {
		return "", err
	}

	return JobState(state), nil
}

// Depth returns the number of pending jobs.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey()).Result()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close stops claiming and drops the consumer heartbeat. The redis client is
// owned by the caller.
func (q *RedisQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}

	q.beatMu.Lock()
	close(q.stop)
	q.beatMu.Unlock()
	q.beats.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return q.client.Del(ctx, q.heartbeatKey(q.cfg.ConsumerID)).Err()
}
