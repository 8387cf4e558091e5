package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds writes that carry no deadline of their own.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent before the read side
	// gives up on it.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound client commands.
	maxMessageSize = 4096
)

// GorillaTransport adapts a gorilla/websocket connection to Transport. The
// upgrade happens in Accept, so the HTTP handler can register the connection
// through the Manager before any message flows.
type GorillaTransport struct {
	w        http.ResponseWriter
	r        *http.Request
	upgrader *websocket.Upgrader

	conn *websocket.Conn

	// gorilla allows one concurrent writer; control frames are exempt.
	writeMu sync.Mutex
}

func NewGorillaTransport(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader) *GorillaTransport {
	return &GorillaTransport{w: w, r: r, upgrader: upgrader}
}

func (t *GorillaTransport) Accept(_ context.Context) error {
	conn, err := t.upgrader.Upgrade(t.w, t.r, nil)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *GorillaTransport) Send(ctx context.Context, data []byte) error {
	if t.conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = time.Now().Add(writeWait)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return classify(err)
	}

	return classify(t.conn.WriteMessage(websocket.TextMessage, data))
}

func (t *GorillaTransport) Close(code int, reason string) error {
	if t.conn == nil {
		return ErrNotConnected
	}

	msg := websocket.FormatCloseMessage(code, reason)
	writeErr := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	closeErr := t.conn.Close()

	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
		return fmt.Errorf("write close frame: %w", writeErr)
	}
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return closeErr
	}
	return nil
}

// Ping sends a keepalive ping frame.
func (t *GorillaTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// classify maps gorilla's close signals onto ErrPeerClosed.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var timeout interface{ Timeout() bool }
	switch {
	case errors.Is(err, websocket.ErrCloseSent),
		errors.Is(err, net.ErrClosed),
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return fmt.Errorf("%w: %v", ErrPeerClosed, err)
	case errors.As(err, &timeout) && timeout.Timeout():
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	default:
		return err
	}
}
