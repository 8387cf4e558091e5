package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nadmax/asynctasq-monitor/internal/metrics"
	"github.com/nadmax/asynctasq-monitor/internal/room"
)

// DefaultSendTimeout bounds a single delivery to one client.
const DefaultSendTimeout = 5 * time.Second

type Option func(*Manager)

func WithSendTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sendTimeout = d
		}
	}
}

// Manager tracks connections and the rooms they belong to.
//
// conns and rooms are always updated together under mu, so a connection is a
// member of room R exactly when R is in its own room set. mu is never held
// across a Transport call: broadcasts copy their recipients under the read
// lock and deliver outside it.
type Manager struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	rooms  map[string]map[string]*Connection
	closed bool

	sendTimeout time.Duration
	logger      *zap.Logger

	// pending tracks scheduled disconnects so Shutdown can wait for them.
	pending sync.WaitGroup
}

func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		conns:       make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
		sendTimeout: DefaultSendTimeout,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect accepts the transport and registers it in the given rooms, or in
// the global room when none are given.
func (m *Manager) Connect(ctx context.Context, t Transport, rooms ...string) (*Connection, error) {
	if len(rooms) == 0 {
		rooms = []string{room.Global}
	}

	c := &Connection{
		id:        uuid.New().String(),
		transport: t,
		rooms:     make(map[string]struct{}, len(rooms)),
	}
	c.setState(StateConnecting)

	if err := t.Accept(ctx); err != nil {
		c.setState(StateDisconnected)
		return nil, fmt.Errorf("accept connection: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		c.setState(StateDisconnected)
		_ = t.Close(CloseGoingAway, "server shutting down")
		return nil, ErrShutdown
	}
	m.conns[c.id] = c
	for _, r := range rooms {
		m.join(c, r)
	}
	c.setState(StateConnected)
	connections, roomCount := len(m.conns), len(m.rooms)
	m.mu.Unlock()

	metrics.UpdateConnections(connections, roomCount)
	m.logger.Debug("client connected",
		zap.String("connection_id", c.id),
		zap.Strings("rooms", rooms),
	)
	return c, nil
}

// join and leave require mu held for writing.
func (m *Manager) join(c *Connection, r string) bool {
	if _, member := c.rooms[r]; member {
		return false
	}
	c.rooms[r] = struct{}{}
	if m.rooms[r] == nil {
		m.rooms[r] = make(map[string]*Connection)
	}
	m.rooms[r][c.id] = c
	return true
}

func (m *Manager) leave(c *Connection, r string) bool {
	if _, member := c.rooms[r]; !member {
		return false
	}
	delete(c.rooms, r)
	delete(m.rooms[r], c.id)
	if len(m.rooms[r]) == 0 {
		delete(m.rooms, r)
	}
	return true
}

// Subscribe adds c to r. It reports whether membership changed.
func (m *Manager) Subscribe(c *Connection, r string) bool {
	m.mu.Lock()
	if _, registered := m.conns[c.id]; !registered {
		m.mu.Unlock()
		return false
	}
	changed := m.join(c, r)
	connections, roomCount := len(m.conns), len(m.rooms)
	m.mu.Unlock()

	if changed {
		metrics.UpdateConnections(connections, roomCount)
	}
	return changed
}

// Unsubscribe removes c from r. It reports whether membership changed.
func (m *Manager) Unsubscribe(c *Connection, r string) bool {
	m.mu.Lock()
	if _, registered := m.conns[c.id]; !registered {
		m.mu.Unlock()
		return false
	}
	changed := m.leave(c, r)
	connections, roomCount := len(m.conns), len(m.rooms)
	m.mu.Unlock()

	if changed {
		metrics.UpdateConnections(connections, roomCount)
	}
	return changed
}

// Disconnect removes c from every room and closes its transport with a
// normal close code. Calling it on a removed connection does nothing.
func (m *Manager) Disconnect(c *Connection) {
	m.disconnect(c, CloseNormal, "")
}

func (m *Manager) disconnect(c *Connection, code int, reason string) {
	m.mu.Lock()
	_, registered := m.conns[c.id]
	if registered {
		for r := range c.rooms {
			m.leave(c, r)
		}
		delete(m.conns, c.id)
	}
	connections, roomCount := len(m.conns), len(m.rooms)
	m.mu.Unlock()

	if !registered {
		return
	}
	c.setState(StateDisconnected)
	metrics.UpdateConnections(connections, roomCount)

	if err := c.transport.Close(code, reason); err != nil {
		m.logger.Debug("close transport",
			zap.String("connection_id", c.id),
			zap.Int("code", code),
			zap.Error(err),
		)
	}
	m.logger.Debug("client disconnected",
		zap.String("connection_id", c.id),
		zap.Int("code", code),
	)
}

// scheduleDisconnect removes c in the background. The caller does not wait
// for it.
func (m *Manager) scheduleDisconnect(c *Connection, code int, reason string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		m.disconnect(c, code, reason)
	}()
}

// SendTo marshals msg as JSON and delivers it to c. It reports whether the
// transport accepted the message within the send timeout.
func (m *Manager) SendTo(ctx context.Context, c *Connection, msg any) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("marshal message", zap.Error(err))
		return false
	}
	return m.deliver(ctx, c, payload)
}

func (m *Manager) deliver(ctx context.Context, c *Connection, payload []byte) bool {
	if c.State() != StateConnected {
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- c.transport.Send(sendCtx, payload)
	}()

	var err error
	select {
	case err = <-result:
	case <-sendCtx.Done():
		err = sendCtx.Err()
	}

	switch {
	case err == nil:
		return true
	case ctx.Err() != nil:
		// The caller gave up; the client is not at fault.
		return false
	case errors.Is(err, context.DeadlineExceeded):
		metrics.RecordSendFailure("timeout")
		m.logger.Warn("send timed out, disconnecting client",
			zap.String("connection_id", c.id),
			zap.Duration("timeout", m.sendTimeout),
		)
		m.scheduleDisconnect(c, ClosePolicyViolation, "send timeout")
	case errors.Is(err, ErrPeerClosed):
		metrics.RecordSendFailure("closed")
		m.logger.Debug("peer closed during send", zap.String("connection_id", c.id))
		m.scheduleDisconnect(c, CloseNormal, "")
	default:
		metrics.RecordSendFailure("error")
		m.logger.Warn("send failed, disconnecting client",
			zap.String("connection_id", c.id),
			zap.Error(err),
		)
		m.scheduleDisconnect(c, ClosePolicyViolation, "send error")
	}
	return false
}

// BroadcastToRoom delivers msg to every current member of r and returns the
// number of successful deliveries.
func (m *Manager) BroadcastToRoom(ctx context.Context, r string, msg any) int {
	return m.BroadcastToRooms(ctx, []string{r}, msg)
}

// BroadcastToRooms delivers msg once to every connection that belongs to at
// least one of rooms.
func (m *Manager) BroadcastToRooms(ctx context.Context, rooms []string, msg any) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("marshal broadcast", zap.Strings("rooms", rooms), zap.Error(err))
		return 0
	}
	return m.fanOut(ctx, m.members(rooms), payload)
}

// BroadcastAll delivers msg to every connection.
func (m *Manager) BroadcastAll(ctx context.Context, msg any) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		m.logger.Error("marshal broadcast", zap.Error(err))
		return 0
	}

	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	return m.fanOut(ctx, targets, payload)
}

// members returns the deduplicated union of the members of rooms.
func (m *Manager) members(rooms []string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]*Connection)
	for _, r := range rooms {
		for id, c := range m.rooms[r] {
			seen[id] = c
		}
	}

	targets := make([]*Connection, 0, len(seen))
	for _, c := range seen {
		targets = append(targets, c)
	}
	return targets
}

func (m *Manager) fanOut(ctx context.Context, targets []*Connection, payload []byte) int {
	if len(targets) == 0 {
		return 0
	}

	start := time.Now()
	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, c := range targets {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if m.deliver(ctx, c, payload) {
				delivered.Add(1)
			}
		}(c)
	}
	wg.Wait()

	n := int(delivered.Load())
	metrics.RecordBroadcast(n, time.Since(start))
	return n
}

func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Manager) RoomMemberCount(r string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[r])
}

// RoomsOf returns the sorted room set of c, or nil if c is not registered.
func (m *Manager) RoomsOf(c *Connection) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, registered := m.conns[c.id]; !registered {
		return nil
	}
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// Stats is a read-only view of the membership index.
type Stats struct {
	Connections int            `json:"connections"`
	Rooms       map[string]int `json:"rooms"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Connections: len(m.conns),
		Rooms:       make(map[string]int, len(m.rooms)),
	}
	for r, members := range m.rooms {
		s.Rooms[r] = len(members)
	}
	return s
}

// Shutdown closes every connection with a going-away code and waits for
// scheduled disconnects to finish. Connect fails afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.disconnect(c, CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
