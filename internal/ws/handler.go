package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nadmax/asynctasq-monitor/internal/httputil"
	"github.com/nadmax/asynctasq-monitor/internal/room"
)

// Handler upgrades GET /ws requests and runs the client session until the
// peer goes away. Initial rooms come from repeated room query parameters:
//
//	/ws?room=tasks&room=queue:emails
type Handler struct {
	manager  *Manager
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	return &Handler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checks belong to the reverse proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rooms := r.URL.Query()["room"]
	for _, name := range rooms {
		if !room.Valid(name) {
			httputil.WriteJSONError(w, fmt.Sprintf("invalid room %q", name), http.StatusBadRequest)
			return
		}
	}

	t := NewGorillaTransport(w, r, &h.upgrader)
	c, err := h.manager.Connect(r.Context(), t, rooms...)
	if err != nil {
		// Upgrade has already answered the request on failure.
		h.logger.Warn("websocket connect failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	h.serve(c, t)
}

// serve reads client commands until the connection fails, answering each one
// through the manager so replies share the send timeout.
func (h *Handler) serve(c *Connection, t *GorillaTransport) {
	defer h.manager.Disconnect(c)

	ctx := context.Background()
	h.manager.SendTo(ctx, c, h.manager.ConnectedReply(c))

	stop := make(chan struct{})
	defer close(stop)
	go h.keepalive(t, stop)

	t.conn.SetReadLimit(maxMessageSize)
	if err := t.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		h.logger.Warn("set read deadline", zap.Error(err))
		return
	}
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				h.logger.Warn("unexpected close",
					zap.String("connection_id", c.ID()),
					zap.Error(err),
				)
			}
			return
		}
		if c.State() != StateConnected {
			return
		}

		h.manager.SendTo(ctx, c, h.manager.HandleCommand(c, data))
	}
}

func (h *Handler) keepalive(t *GorillaTransport, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := t.Ping(); err != nil {
				return
			}
		}
	}
}
