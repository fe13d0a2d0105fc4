package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dukex/runflow/pkg/events"
	"github.com/dukex/runflow/pkg/metrics"
)

const clientBuffer = 256

// Client is one connected viewer of an execution.
type Client struct {
	executionID string
	events      chan events.Event
	done        chan struct{}
	once        sync.Once
}

func (c *Client) ExecutionID() string { return c.executionID }

// Events yields the execution's events in the order they were received.
func (c *Client) Events() <-chan events.Event { return c.events }

// Done is closed when the hub drops the client, either because it fell too
// far behind or because the hub shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) drop() {
	c.once.Do(func() { close(c.done) })
}

type room struct {
	sub     Subscription
	clients map[*Client]struct{}
	stop    chan struct{}
}

// Hub shares one channel subscription per execution among its clients. The
// subscription is opened with the first client and closed with the last.
type Hub struct {
	channel Channel
	metrics *metrics.Collector
	logger  *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

func NewHub(channel Channel, collector *metrics.Collector, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		channel: channel,
		metrics: collector,
		logger:  logger.With("module", "realtime_hub"),
		rooms:   map[string]*room{},
	}
}

func (h *Hub) Join(ctx context.Context, executionID string) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	r, ok := h.rooms[executionID]
	if !ok {
		// the subscription outlives the request of the first client
		sub, err := h.channel.Subscribe(context.WithoutCancel(ctx), executionID)
		if err != nil {
			return nil, err
		}

		r = &room{sub: sub, clients: map[*Client]struct{}{}, stop: make(chan struct{})}
		h.rooms[executionID] = r

		go h.pump(executionID, r)

		h.logger.DebugContext(ctx, "execution subscribed", "execution_id", executionID)
	}

	client := &Client{
		executionID: executionID,
		events:      make(chan events.Event, clientBuffer),
		done:        make(chan struct{}),
	}
	r.clients[client] = struct{}{}

	h.metrics.RealtimeClients(1)

	return client, nil
}

// Leave removes the client. Calling it more than once is safe.
func (h *Hub) Leave(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leave(client)
}

func (h *Hub) leave(client *Client) {
	client.drop()

	r, ok := h.rooms[client.executionID]
	if !ok {
		return
	}

	if _, ok := r.clients[client]; !ok {
		return
	}

	delete(r.clients, client)
	h.metrics.RealtimeClients(-1)

	if len(r.clients) > 0 {
		return
	}

	delete(h.rooms, client.executionID)
	h.closeRoom(client.executionID, r)
}

func (h *Hub) closeRoom(executionID string, r *room) {
	close(r.stop)

	if err := r.sub.Close(); err != nil {
		h.logger.Warn("failed to close subscription", "execution_id", executionID, "error", err)
	}
}

// Clients returns the number of clients following an execution.
func (h *Hub) Clients(executionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[executionID]; ok {
		return len(r.clients)
	}

	return 0
}

func (h *Hub) pump(executionID string, r *room) {
	for {
		select {
		case <-r.stop:
			return
		case event, ok := <-r.sub.Events():
			if !ok {
				return
			}

			h.broadcast(executionID, r, event)
		}
	}
}

func (h *Hub) broadcast(executionID string, r *room, event events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range r.clients {
		select {
		case client.events <- event:
			h.metrics.EventRelayed("delivered")
		default:
			h.logger.Warn("dropping slow client", "execution_id", executionID)
			h.leave(client)
		}
	}
}

// Close drops every client and subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	h.closed = true

	for executionID, r := range h.rooms {
		for client := range r.clients {
			client.drop()
			h.metrics.RealtimeClients(-1)
		}

		delete(h.rooms, executionID)
		h.closeRoom(executionID, r)
	}

	return nil
}
