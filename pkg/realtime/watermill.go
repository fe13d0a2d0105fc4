package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/runflow/pkg/events"
)

// WatermillChannel publishes every event on one topic, tagged with the
// execution id, and fans received messages out to local subscriptions.
// With Kafka each process must consume with its own consumer group.
type WatermillChannel struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	logger     *slog.Logger

	mu       sync.Mutex
	subs     map[string]map[*subscription]struct{}
	cancel   context.CancelFunc
	finished chan struct{}
	closed   bool
}

func NewWatermillChannel(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *WatermillChannel {
	if logger == nil {
		logger = slog.Default()
	}

	return &WatermillChannel{
		publisher:  pub,
		subscriber: sub,
		topic:      events.Topic,
		logger:     logger.With("module", "realtime_watermill", "topic", events.Topic),
		subs:       map[string]map[*subscription]struct{}{},
	}
}

func (c *WatermillChannel) Publish(ctx context.Context, event events.Event) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(events.ExecutionIDMetadataKey, event.ExecutionID)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.Type))

	if err := c.publisher.Publish(c.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
	}

	return nil
}

func (c *WatermillChannel) Subscribe(_ context.Context, executionID string) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if c.cancel == nil {
		if err := c.listen(); err != nil {
			return nil, err
		}
	}

	var sub *subscription

	sub = newSubscription(func() error {
		c.remove(executionID, sub)

		return nil
	})

	if c.subs[executionID] == nil {
		c.subs[executionID] = map[*subscription]struct{}{}
	}

	c.subs[executionID][sub] = struct{}{}

	return sub, nil
}

// listen starts the shared topic subscription. Called with mu held.
func (c *WatermillChannel) listen() error {
	ctx, cancel := context.WithCancel(context.Background())

	messages, err := c.subscriber.Subscribe(ctx, c.topic)
	if err != nil {
		cancel()

		return fmt.Errorf("failed to subscribe to %s: %w", c.topic, err)
	}

	c.cancel = cancel
	c.finished = make(chan struct{})

	go c.route(messages)

	return nil
}

func (c *WatermillChannel) route(messages <-chan *message.Message) {
	defer close(c.finished)

	for msg := range messages {
		var event events.Event
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			c.logger.Warn("dropping undecodable event", "message_uuid", msg.UUID, "error", err)
			msg.Ack()

			continue
		}

		executionID := msg.Metadata.Get(events.ExecutionIDMetadataKey)
		if executionID == "" {
			executionID = event.ExecutionID
		}

		for _, sub := range c.subscribers(executionID) {
			sub.deliver(event)
		}

		msg.Ack()
	}
}

func (c *WatermillChannel) subscribers(executionID string) []*subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*subscription, 0, len(c.subs[executionID]))
	for sub := range c.subs[executionID] {
		out = append(out, sub)
	}

	return out
}

func (c *WatermillChannel) remove(executionID string, sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.subs[executionID], sub)

	if len(c.subs[executionID]) == 0 {
		delete(c.subs, executionID)
	}
}

func (c *WatermillChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	cancel, finished := c.cancel, c.finished
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if err := c.publisher.Close(); err != nil {
		return err
	}

	err := c.subscriber.Close()

	if finished != nil {
		<-finished
	}

	return err
}
