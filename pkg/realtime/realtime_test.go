package realtime_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/alicebob/miniredis/v2"
	"github.com/dukex/runflow/pkg/channels/gochannel"
	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/realtime"
	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisChannel(t *testing.T) realtime.Channel {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return realtime.NewRedisChannel(client, nil)
}

func newWatermillChannel(t *testing.T) realtime.Channel {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	ch := realtime.NewWatermillChannel(pub, sub, nil)
	t.Cleanup(func() { _ = ch.Close() })

	return ch
}

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()

	select {
	case e, ok := <-ch:
		require.True(t, ok, "events channel closed")

		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	return events.Event{}
}

func assertSilent(t *testing.T, ch <-chan events.Event) {
	t.Helper()

	select {
	case e, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %s for %s", e.Type, e.ExecutionID)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannels(t *testing.T) {
	channels := map[string]func(t *testing.T) realtime.Channel{
		"redis":     newRedisChannel,
		"watermill": newWatermillChannel,
	}

	for name, newChannel := range channels {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("routes events by execution", func(t *testing.T) {
				ch := newChannel(t)

				first, err := ch.Subscribe(ctx, "exec-1")
				require.NoError(t, err)
				defer first.Close()

				second, err := ch.Subscribe(ctx, "exec-2")
				require.NoError(t, err)
				defer second.Close()

				started := events.New(events.ExecutionStarted, "exec-1", "wf-1", "", nil)
				completed := events.New(events.NodeCompleted, "exec-1", "wf-1", "a", map[string]any{"status": "success"})

				require.NoError(t, ch.Publish(ctx, started))
				require.NoError(t, ch.Publish(ctx, completed))

				got := receive(t, first.Events())
				assert.Equal(t, started.ID, got.ID)
				assert.Equal(t, events.ExecutionStarted, got.Type)

				got = receive(t, first.Events())
				assert.Equal(t, completed.ID, got.ID)
				assert.Equal(t, "a", got.NodeID)
				assert.Equal(t, "success", got.Data["status"])

				assertSilent(t, second.Events())
			})

			t.Run("closed subscription stops receiving", func(t *testing.T) {
				ch := newChannel(t)

				sub, err := ch.Subscribe(ctx, "exec-1")
				require.NoError(t, err)
				require.NoError(t, sub.Close())
				require.NoError(t, sub.Close())

				require.NoError(t, ch.Publish(ctx, events.New(events.ExecutionStarted, "exec-1", "wf-1", "", nil)))

				assertSilent(t, sub.Events())
			})

			t.Run("closed channel refuses work", func(t *testing.T) {
				ch := newChannel(t)
				require.NoError(t, ch.Close())

				err := ch.Publish(ctx, events.New(events.ExecutionStarted, "exec-1", "wf-1", "", nil))
				assert.ErrorIs(t, err, realtime.ErrClosed)

				_, err = ch.Subscribe(ctx, "exec-1")
				assert.ErrorIs(t, err, realtime.ErrClosed)
			})
		})
	}
}

// countingChannel is an in-process Channel that records subscriptions.
type countingChannel struct {
	realtime.Channel

	mu     sync.Mutex
	opened map[string]int
	closed map[string]int
	fail   error
}

type countedSubscription struct {
	realtime.Subscription

	close func()
}

func (s *countedSubscription) Close() error {
	s.close()

	return s.Subscription.Close()
}

func newCountingChannel(t *testing.T) *countingChannel {
	return &countingChannel{
		Channel: newWatermillChannel(t),
		opened:  map[string]int{},
		closed:  map[string]int{},
	}
}

func (c *countingChannel) Subscribe(ctx context.Context, executionID string) (realtime.Subscription, error) {
	if c.fail != nil {
		return nil, c.fail
	}

	sub, err := c.Channel.Subscribe(ctx, executionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.opened[executionID]++
	c.mu.Unlock()

	return &countedSubscription{Subscription: sub, close: func() {
		c.mu.Lock()
		c.closed[executionID]++
		c.mu.Unlock()
	}}, nil
}

func (c *countingChannel) counts(executionID string) (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.opened[executionID], c.closed[executionID]
}

func TestHub_SharesOneSubscriptionPerExecution(t *testing.T) {
	ctx := context.Background()
	ch := newCountingChannel(t)
	hub := realtime.NewHub(ch, nil, nil)
	t.Cleanup(func() { _ = hub.Close() })

	alice, err := hub.Join(ctx, "exec-1")
	require.NoError(t, err)

	bob, err := hub.Join(ctx, "exec-1")
	require.NoError(t, err)

	opened, _ := ch.counts("exec-1")
	assert.Equal(t, 1, opened)
	assert.Equal(t, 2, hub.Clients("exec-1"))

	event := events.New(events.NodeStarted, "exec-1", "wf-1", "a", nil)
	require.NoError(t, ch.Publish(ctx, event))

	assert.Equal(t, event.ID, receive(t, alice.Events()).ID)
	assert.Equal(t, event.ID, receive(t, bob.Events()).ID)

	hub.Leave(alice)
	hub.Leave(alice)

	_, closed := ch.counts("exec-1")
	assert.Zero(t, closed)
	assert.Equal(t, 1, hub.Clients("exec-1"))

	hub.Leave(bob)

	_, closed = ch.counts("exec-1")
	assert.Equal(t, 1, closed)
	assert.Zero(t, hub.Clients("exec-1"))

	select {
	case <-bob.Done():
	default:
		t.Fatal("client not marked done after leaving")
	}

	// a new client opens a fresh subscription
	carol, err := hub.Join(ctx, "exec-1")
	require.NoError(t, err)
	defer hub.Leave(carol)

	opened, _ = ch.counts("exec-1")
	assert.Equal(t, 2, opened)
}

func TestHub_JoinFailsWhenChannelIsDown(t *testing.T) {
	ch := newCountingChannel(t)
	ch.fail = errors.New("redis down")

	hub := realtime.NewHub(ch, nil, nil)

	_, err := hub.Join(context.Background(), "exec-1")
	require.Error(t, err)
	assert.Zero(t, hub.Clients("exec-1"))
}

func TestHub_CloseDropsClients(t *testing.T) {
	hub := realtime.NewHub(newCountingChannel(t), nil, nil)

	client, err := hub.Join(context.Background(), "exec-1")
	require.NoError(t, err)

	require.NoError(t, hub.Close())

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client not dropped")
	}

	_, err = hub.Join(context.Background(), "exec-1")
	assert.ErrorIs(t, err, realtime.ErrClosed)
}

func TestRelay_PublishesObservedEvents(t *testing.T) {
	ctx := context.Background()
	ch := newWatermillChannel(t)

	sub, err := ch.Subscribe(ctx, "exec-1")
	require.NoError(t, err)
	defer sub.Close()

	relay := realtime.NewRelay(ch, nil, nil)
	event := events.New(events.ExecutionCompleted, "exec-1", "wf-1", "", nil)

	var observer events.Observer = relay
	observer.OnEvent(ctx, event)

	assert.Equal(t, event.ID, receive(t, sub.Events()).ID)

	require.NoError(t, ch.Close())
	assert.NotPanics(t, func() { relay.OnEvent(ctx, event) })
}

func TestWebsocketStreamsExecutionEvents(t *testing.T) {
	ctx := context.Background()
	ch := newWatermillChannel(t)
	hub := realtime.NewHub(ch, nil, nil)
	t.Cleanup(func() { _ = hub.Close() })

	server := httptest.NewServer(realtime.NewServeMux(hub, nil))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/executions/exec-1"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients("exec-1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, ch.Publish(ctx, events.New(events.ExecutionStarted, "exec-2", "wf-1", "", nil)))

	event := events.New(events.NodeFailed, "exec-1", "wf-1", "b", map[string]any{"error": "boom"})
	require.NoError(t, ch.Publish(ctx, event))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))

	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, events.NodeFailed, got.Type)
	assert.Equal(t, "b", got.NodeID)
	assert.Equal(t, "boom", got.Data["error"])

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return hub.Clients("exec-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	server := httptest.NewServer(realtime.NewServeMux(realtime.NewHub(newWatermillChannel(t), nil, nil), nil))
	t.Cleanup(server.Close)

	resp, err := server.Client().Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
