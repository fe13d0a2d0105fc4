package realtime

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	readLimit  = 4096
)

// Handler streams an execution's events to a websocket client as JSON text
// messages. The execution id comes from the {id} path value.
type Handler struct {
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		hub:    hub,
		logger: logger.With("module", "realtime_websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	if executionID == "" {
		http.Error(w, "missing execution id", http.StatusBadRequest)

		return
	}

	client, err := h.hub.Join(r.Context(), executionID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to join execution", "execution_id", executionID, "error", err)
		http.Error(w, "realtime channel unavailable", http.StatusServiceUnavailable)

		return
	}
	defer h.hub.Leave(client)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to upgrade connection", "execution_id", executionID, "error", err)

		return
	}
	defer func() { _ = conn.Close() }()

	logger := h.logger.With("execution_id", executionID, "remote_addr", r.RemoteAddr)
	logger.DebugContext(r.Context(), "client connected")

	disconnected := make(chan struct{})

	go func() {
		defer close(disconnected)

		conn.SetReadLimit(readLimit)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-disconnected:
			logger.DebugContext(r.Context(), "client disconnected")

			return
		case <-client.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
				time.Now().Add(writeWait))

			return
		case event := <-client.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := conn.WriteJSON(event); err != nil {
				logger.WarnContext(r.Context(), "failed to write event", "error", err)

				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// NewServeMux mounts the websocket stream at /ws/executions/{id} and the
// prometheus metrics at /metrics.
func NewServeMux(hub *Hub, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws/executions/{id}", NewHandler(hub, logger))
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}
