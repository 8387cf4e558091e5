package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nadmax/asynctasq-monitor/internal/room"
)

func startServer(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()
	m := newTestManager()
	srv := httptest.NewServer(NewHandler(m, zap.NewNop()))
	t.Cleanup(srv.Close)
	return m, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandler_ConnectWithRooms(t *testing.T) {
	m, srv := startServer(t)
	conn := dial(t, srv, "?room=tasks&room=queue:emails")

	hello := readJSON(t, conn)
	assert.Equal(t, ReplyConnected, hello["type"])
	assert.NotEmpty(t, hello["connection_id"])
	assert.ElementsMatch(t, []any{"tasks", "queue:emails"}, hello["rooms"])

	assert.Equal(t, 1, m.ConnectionCount())
	assert.Equal(t, 1, m.RoomMemberCount(room.Queue("emails")))
}

func TestHandler_DefaultRoom(t *testing.T) {
	m, srv := startServer(t)
	conn := dial(t, srv, "")

	hello := readJSON(t, conn)
	assert.Equal(t, []any{room.Global}, hello["rooms"])
	assert.Equal(t, 1, m.RoomMemberCount(room.Global))
}

func TestHandler_InvalidRoomRejected(t *testing.T) {
	_, srv := startServer(t)

	resp, err := http.Get(srv.URL + "/ws?room=bogus")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "bogus")
}

func TestHandler_CommandsAndBroadcast(t *testing.T) {
	m, srv := startServer(t)
	conn := dial(t, srv, "?room=workers")
	readJSON(t, conn)

	require.NoError(t, conn.WriteJSON(Command{Action: ActionSubscribe, Room: room.Worker("w-1")}))
	reply := readJSON(t, conn)
	assert.Equal(t, ReplySubscribed, reply["type"])
	assert.Equal(t, "worker:w-1", reply["room"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	reply = readJSON(t, conn)
	assert.Equal(t, ReplyError, reply["type"])
	assert.Contains(t, reply["message"], "invalid JSON")

	require.NoError(t, conn.WriteJSON(Command{Action: ActionPing}))
	assert.Equal(t, ReplyPong, readJSON(t, conn)["type"])

	delivered := m.BroadcastToRooms(context.Background(),
		[]string{room.Workers, room.Worker("w-1")},
		map[string]string{"type": "worker_heartbeat"},
	)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, "worker_heartbeat", readJSON(t, conn)["type"])
}

func TestHandler_ClientCloseRemovesConnection(t *testing.T) {
	m, srv := startServer(t)
	conn := dial(t, srv, "")
	readJSON(t, conn)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	assert.Eventually(t, func() bool { return m.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_ShutdownClosesClients(t *testing.T) {
	m, srv := startServer(t)
	conn := dial(t, srv, "")
	readJSON(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
