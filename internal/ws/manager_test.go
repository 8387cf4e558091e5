package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nadmax/asynctasq-monitor/internal/room"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	sendErr   error
	acceptErr error
	// block, when set, stalls Send until it is closed, ignoring ctx.
	block chan struct{}

	closeCalls int
	closeCode  int
	closed     chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{closed: make(chan struct{})}
}

func (f *fakeTransport) Accept(context.Context) error {
	return f.acceptErr
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if f.closeCalls == 1 {
		f.closeCode = code
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeTransport) code() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func newTestManager(opts ...Option) *Manager {
	return NewManager(zap.NewNop(), opts...)
}

func connect(t *testing.T, m *Manager, rooms ...string) (*Connection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c, err := m.Connect(context.Background(), ft, rooms...)
	require.NoError(t, err)
	return c, ft
}

// assertSymmetric checks that the room index and every connection's room set
// describe the same membership.
func assertSymmetric(t *testing.T, m *Manager) {
	t.Helper()
	m.mu.RLock()
	defer m.mu.RUnlock()

	for r, members := range m.rooms {
		assert.NotEmpty(t, members, "empty room %q left in the index", r)
		for id, c := range members {
			_, registered := m.conns[id]
			assert.True(t, registered, "room %q holds unregistered connection %s", r, id)
			_, member := c.rooms[r]
			assert.True(t, member, "connection %s missing room %q", id, r)
		}
	}
	for id, c := range m.conns {
		for r := range c.rooms {
			_, indexed := m.rooms[r][id]
			assert.True(t, indexed, "room %q does not list connection %s", r, id)
		}
	}
}

func TestConnect_DefaultsToGlobalRoom(t *testing.T) {
	m := newTestManager()
	c, _ := connect(t, m)

	assert.Equal(t, StateConnected, c.State())
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, []string{room.Global}, m.RoomsOf(c))
	assert.Equal(t, 1, m.ConnectionCount())
	assert.Equal(t, 1, m.RoomMemberCount(room.Global))
}

func TestConnect_ExplicitRooms(t *testing.T) {
	m := newTestManager()
	c, _ := connect(t, m, room.Tasks, room.Queue("emails"))

	assert.Equal(t, []string{room.Queue("emails"), room.Tasks}, m.RoomsOf(c))
	assert.Equal(t, 0, m.RoomMemberCount(room.Global))
}

func TestConnect_AcceptFailure(t *testing.T) {
	m := newTestManager()
	ft := newFakeTransport()
	ft.acceptErr = errors.New("bad handshake")

	c, err := m.Connect(context.Background(), ft)

	require.Error(t, err)
	assert.Nil(t, c)
	assert.Equal(t, 0, m.ConnectionCount())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	m := newTestManager()
	c, _ := connect(t, m)

	assert.True(t, m.Subscribe(c, room.Workers))
	assert.False(t, m.Subscribe(c, room.Workers), "second subscribe is a no-op")
	assert.Equal(t, 1, m.RoomMemberCount(room.Workers))

	assert.True(t, m.Unsubscribe(c, room.Workers))
	assert.False(t, m.Unsubscribe(c, room.Workers), "second unsubscribe is a no-op")
	assert.Equal(t, 0, m.RoomMemberCount(room.Workers))
	_, exists := m.Stats().Rooms[room.Workers]
	assert.False(t, exists, "empty rooms disappear")
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	m := newTestManager()
	c, ft := connect(t, m, room.Global, room.Tasks)

	m.Disconnect(c)
	m.Disconnect(c)

	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, m.ConnectionCount())
	assert.Nil(t, m.RoomsOf(c))
	assert.Equal(t, 1, ft.closeCalls)
	assert.Equal(t, CloseNormal, ft.code())
	assert.False(t, m.Subscribe(c, room.Workers), "removed connections cannot rejoin")
	assertSymmetric(t, m)
}

func TestMembershipStaysSymmetric(t *testing.T) {
	m := newTestManager()
	rooms := []string{room.Global, room.Tasks, room.Workers, room.Queue("a"), room.Task("1")}
	rng := rand.New(rand.NewSource(42))

	var conns []*Connection
	for i := 0; i < 500; i++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(conns) == 0:
			c, _ := connect(t, m, rooms[rng.Intn(len(rooms))])
			conns = append(conns, c)
		case op == 1:
			m.Subscribe(conns[rng.Intn(len(conns))], rooms[rng.Intn(len(rooms))])
		case op == 2:
			m.Unsubscribe(conns[rng.Intn(len(conns))], rooms[rng.Intn(len(rooms))])
		default:
			m.Disconnect(conns[rng.Intn(len(conns))])
		}
		assertSymmetric(t, m)
	}
}

func TestConcurrentMembershipChanges(t *testing.T) {
	m := newTestManager()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ft := newFakeTransport()
			c, err := m.Connect(context.Background(), ft, room.Global)
			if err != nil {
				return
			}
			m.Subscribe(c, room.Queue(fmt.Sprintf("q%d", i%3)))
			m.BroadcastToRoom(context.Background(), room.Global, map[string]int{"n": i})
			if i%2 == 0 {
				m.Disconnect(c)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, m.ConnectionCount())
	assertSymmetric(t, m)
}

func TestBroadcastToRoom_OnlyMembers(t *testing.T) {
	m := newTestManager()
	_, a := connect(t, m, room.Tasks)
	_, b := connect(t, m, room.Tasks)
	_, other := connect(t, m, room.Workers)

	delivered := m.BroadcastToRoom(context.Background(), room.Tasks, map[string]string{"type": "task_enqueued"})

	assert.Equal(t, 2, delivered)
	assert.Len(t, a.messages(), 1)
	assert.Len(t, b.messages(), 1)
	assert.Empty(t, other.messages())
	assert.JSONEq(t, `{"type":"task_enqueued"}`, string(a.messages()[0]))
}

func TestBroadcastToRoom_EmptyRoom(t *testing.T) {
	m := newTestManager()
	connect(t, m)

	assert.Equal(t, 0, m.BroadcastToRoom(context.Background(), room.Queue("nobody"), "x"))
}

func TestBroadcastToRooms_Deduplicates(t *testing.T) {
	m := newTestManager()
	_, ft := connect(t, m, room.Global, room.Tasks, room.Queue("emails"))
	_, single := connect(t, m, room.Tasks)

	delivered := m.BroadcastToRooms(context.Background(),
		[]string{room.Global, room.Tasks, room.Queue("emails")},
		map[string]string{"type": "task_started"},
	)

	assert.Equal(t, 2, delivered)
	assert.Len(t, ft.messages(), 1)
	assert.Len(t, single.messages(), 1)
}

func TestBroadcastAll(t *testing.T) {
	m := newTestManager()
	_, a := connect(t, m, room.Tasks)
	_, b := connect(t, m, room.Workers)

	assert.Equal(t, 2, m.BroadcastAll(context.Background(), "hello"))
	assert.Len(t, a.messages(), 1)
	assert.Len(t, b.messages(), 1)
}

func TestSendTo_TimeoutForcesDisconnect(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m := NewManager(zap.New(core), WithSendTimeout(50*time.Millisecond))

	slow, slowT := connect(t, m, room.Global, room.Tasks)
	slowT.block = make(chan struct{})
	t.Cleanup(func() { close(slowT.block) })
	_, fast := connect(t, m, room.Global)

	start := time.Now()
	delivered := m.BroadcastToRoom(context.Background(), room.Global, "tick")
	elapsed := time.Since(start)

	assert.Equal(t, 1, delivered)
	assert.Less(t, elapsed, time.Second, "broadcast must not wait on the stalled client")
	assert.Len(t, fast.messages(), 1)

	select {
	case <-slowT.closed:
	case <-time.After(time.Second):
		t.Fatal("stalled client was not disconnected")
	}
	assert.Equal(t, ClosePolicyViolation, slowT.code())
	assert.Eventually(t, func() bool { return m.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, m.RoomsOf(slow))
	assert.Equal(t, 0, m.RoomMemberCount(room.Tasks))
	assert.Equal(t, 1, logs.FilterMessage("send timed out, disconnecting client").Len())

	assert.Equal(t, 1, m.BroadcastToRoom(context.Background(), room.Global, "tock"))
	assertSymmetric(t, m)
}

func TestSendTo_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "peer closed", err: fmt.Errorf("write: %w", ErrPeerClosed), wantCode: CloseNormal},
		{name: "generic error", err: errors.New("connection reset by peer"), wantCode: ClosePolicyViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			c, ft := connect(t, m)
			ft.sendErr = tt.err

			assert.False(t, m.SendTo(context.Background(), c, "x"))

			select {
			case <-ft.closed:
			case <-time.After(time.Second):
				t.Fatal("failed client was not disconnected")
			}
			assert.Equal(t, tt.wantCode, ft.code())
			assert.Eventually(t, func() bool { return m.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestSendTo_DisconnectedConnection(t *testing.T) {
	m := newTestManager()
	c, ft := connect(t, m)
	m.Disconnect(c)

	assert.False(t, m.SendTo(context.Background(), c, "late"))
	assert.Empty(t, ft.messages())
}

func TestSendTo_UnmarshalableMessage(t *testing.T) {
	m := newTestManager()
	c, ft := connect(t, m)

	assert.False(t, m.SendTo(context.Background(), c, make(chan int)))
	assert.Empty(t, ft.messages())
	assert.Equal(t, 1, m.ConnectionCount())
}

func TestBroadcast_FailureIsIsolated(t *testing.T) {
	m := newTestManager()
	_, broken := connect(t, m, room.Workers)
	broken.sendErr = errors.New("boom")
	_, ok1 := connect(t, m, room.Workers)
	_, ok2 := connect(t, m, room.Workers)

	delivered := m.BroadcastToRoom(context.Background(), room.Workers, "hb")

	assert.Equal(t, 2, delivered)
	assert.Len(t, ok1.messages(), 1)
	assert.Len(t, ok2.messages(), 1)
}

func TestStats(t *testing.T) {
	m := newTestManager()
	connect(t, m, room.Global, room.Tasks)
	connect(t, m, room.Global)

	s := m.Stats()
	assert.Equal(t, 2, s.Connections)
	assert.Equal(t, map[string]int{room.Global: 2, room.Tasks: 1}, s.Rooms)

	body, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"connections":2,"rooms":{"global":2,"tasks":1}}`, string(body))
}

func TestShutdown(t *testing.T) {
	m := newTestManager()
	_, a := connect(t, m)
	_, b := connect(t, m, room.Tasks)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, CloseGoingAway, a.code())
	assert.Equal(t, CloseGoingAway, b.code())
	assert.Equal(t, 0, m.ConnectionCount())

	_, err := m.Connect(context.Background(), newFakeTransport())
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
}
