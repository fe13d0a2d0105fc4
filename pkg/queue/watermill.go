package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/runflow/pkg/models"
)

// Topic carries jobs on message brokers.
const Topic = "runflow.jobs"

const jobIDMetadataKey = "job_id"

type WatermillConfig struct {
	MaxAttempts int
	// AckOnClaim acknowledges messages as soon as they are claimed. Watermill
	// subscribers hold back the next message until the current one is
	// acknowledged, so without it a subscription hands out one job at a time.
	// Only safe for in-memory transports, where redelivery after a crash is
	// impossible anyway.
	AckOnClaim bool
}

// WatermillQueue carries jobs over a watermill publisher/subscriber pair:
// Kafka in production, GoChannel in tests and single-process setups.
// Retries are republished as new messages with an incremented attempt.
type WatermillQueue struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	cfg        WatermillConfig
	logger     *slog.Logger

	mu       sync.Mutex
	messages <-chan *message.Message
	cancel   context.CancelFunc
	closed   atomic.Bool
}

func NewWatermillQueue(pub message.Publisher, sub message.Subscriber, cfg WatermillConfig, logger *slog.Logger) *WatermillQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &WatermillQueue{
		publisher:  pub,
		subscriber: sub,
		topic:      Topic,
		cfg:        cfg,
		logger:     logger.With("module", "watermill_queue", "topic", Topic),
	}
}

func (q *WatermillQueue) Enqueue(ctx context.Context, job *models.Job) error {
	if q.closed.Load() {
		return ErrClosed
	}

	if err := prepare(job, time.Now().UTC()); err != nil {
		return err
	}

	return q.publish(ctx, *job)
}

func (q *WatermillQueue) publish(ctx context.Context, job models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(jobIDMetadataKey, job.ID)

	if err := q.publisher.Publish(q.topic, msg); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}

	return nil
}

// Claim subscribes on first use. The subscription outlives the ctx of the
// call that created it and ends on Close.
func (q *WatermillQueue) Claim(ctx context.Context) (*Delivery, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}

	messages, err := q.subscribe()
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil, ErrClosed
			}

			var job models.Job
			if err := json.Unmarshal(msg.Payload, &job); err != nil {
				q.logger.ErrorContext(ctx, "dropping undecodable job", "message_uuid", msg.UUID, "error", err)
				msg.Ack()

				continue
			}

			if q.cfg.AckOnClaim {
				msg.Ack()
			}

			return q.delivery(msg, job), nil
		}
	}
}

func (q *WatermillQueue) subscribe() (<-chan *message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.messages != nil {
		return q.messages, nil
	}

	subCtx, cancel := context.WithCancel(context.Background())

	messages, err := q.subscriber.Subscribe(subCtx, q.topic)
	if err != nil {
		cancel()

		return nil, fmt.Errorf("failed to subscribe to %s: %w", q.topic, err)
	}

	q.messages = messages
	q.cancel = cancel

	return messages, nil
}

func (q *WatermillQueue) delivery(msg *message.Message, job models.Job) *Delivery {
	return &Delivery{
		Job: job,
		ack: func(context.Context) error {
			msg.Ack()

			return nil
		},
		nack: func(ctx context.Context, cause error) error {
			next, retry := Retry(job, q.cfg.MaxAttempts)
			if retry {
				if err := q.publish(ctx, next); err != nil {
					// unacked messages are redelivered by the broker
					msg.Nack()

					return err
				}
			}

			msg.Ack()

			q.logger.WarnContext(ctx, "job nacked", "job_id", job.ID, "attempt", job.Attempt,
				"requeued", retry, "error", cause)

			return nil
		},
	}
}

func (q *WatermillQueue) Ping(context.Context) error {
	if q.closed.Load() {
		return ErrClosed
	}

	return nil
}

func (q *WatermillQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}

	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()

	if err := q.publisher.Close(); err != nil {
		return err
	}

	return q.subscriber.Close()
}
