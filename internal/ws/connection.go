// Package ws owns live client connections, their room memberships and
// message delivery. Rooms exist only as keys of the membership index and
// vanish when their last member leaves.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// WebSocket close codes used by the manager.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)

var (
	// ErrPeerClosed is returned by a Transport when the peer has closed the
	// connection gracefully.
	ErrPeerClosed = errors.New("peer closed the connection")
	// ErrNotConnected is returned when an operation targets a connection the
	// manager does not hold.
	ErrNotConnected = errors.New("connection is not registered")
	ErrShutdown     = errors.New("connection manager is shut down")
)

// Transport is one client's underlying channel.
type Transport interface {
	// Accept completes the handshake with the peer.
	Accept(ctx context.Context) error
	// Send hands data to the peer. Implementations must give up once ctx is
	// done and wrap ErrPeerClosed when the peer went away gracefully.
	Send(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection is the manager's handle on one client. Its room set is guarded
// by the owning Manager's lock.
type Connection struct {
	id        string
	transport Transport
	state     atomic.Int32
	rooms     map[string]struct{}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}
