// Package broadcaster turns domain events into wire messages and routes them
// to rooms.
package broadcaster

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nadmax/asynctasq-monitor/internal/event"
	"github.com/nadmax/asynctasq-monitor/internal/room"
	"github.com/nadmax/asynctasq-monitor/internal/stats"
)

// RoomSender delivers one message to the members of a set of rooms and
// reports how many clients received it. *ws.Manager implements it.
type RoomSender interface {
	BroadcastToRoom(ctx context.Context, room string, msg any) int
	BroadcastToRooms(ctx context.Context, rooms []string, msg any) int
}

// Message is the JSON frame clients receive.
type Message struct {
	Type      event.Type `json:"type"`
	Payload   any        `json:"payload"`
	Timestamp time.Time  `json:"timestamp"`
}

type Broadcaster struct {
	sender RoomSender
	logger *zap.Logger
	now    func() time.Time
}

func New(sender RoomSender, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{sender: sender, logger: logger, now: time.Now}
}

func (b *Broadcaster) message(ev event.Event, payload any) Message {
	at := ev.OccurredAt()
	if at.IsZero() {
		at = b.now().UTC()
	}
	return Message{Type: ev.Type(), Payload: payload, Timestamp: at}
}

func (b *Broadcaster) send(ctx context.Context, ev event.Event, payload any) int {
	rooms := RoomsFor(ev)
	delivered := b.sender.BroadcastToRooms(ctx, rooms, b.message(ev, payload))
	b.logger.Debug("event broadcast",
		zap.String("event_type", string(ev.Type())),
		zap.Strings("rooms", rooms),
		zap.Int("delivered", delivered),
	)
	return delivered
}

func (b *Broadcaster) BroadcastTaskEnqueued(ctx context.Context, ev event.TaskEnqueued) int {
	return b.send(ctx, ev, ev)
}

func (b *Broadcaster) BroadcastTaskStarted(ctx context.Context, ev event.TaskStarted) int {
	return b.send(ctx, ev, ev)
}

func (b *Broadcaster) BroadcastTaskCompleted(ctx context.Context, ev event.TaskCompleted) int {
	return b.send(ctx, ev, ev)
}

func (b *Broadcaster) BroadcastTaskFailed(ctx context.Context, ev event.TaskFailed) int {
	return b.send(ctx, ev, ev)
}

func (b *Broadcaster) BroadcastTaskRetrying(ctx context.Context, ev event.TaskRetrying) int {
	return b.send(ctx, ev, ev)
}

func (b *Broadcaster) BroadcastWorkerOnline(ctx context.Context, ev event.WorkerOnline) int {
	return b.send(ctx, ev, ev)
}

// heartbeatPayload always carries a load percentage.
type heartbeatPayload struct {
	event.WorkerHeartbeat
	LoadPercentage float64 `json:"load_percentage"`
}

func (b *Broadcaster) BroadcastWorkerHeartbeat(ctx context.Context, ev event.WorkerHeartbeat) int {
	return b.send(ctx, ev, heartbeatPayload{WorkerHeartbeat: ev, LoadPercentage: LoadPercentage(ev)})
}

func (b *Broadcaster) BroadcastWorkerOffline(ctx context.Context, ev event.WorkerOffline) int {
	return b.send(ctx, ev, ev)
}

func (b *Broadcaster) BroadcastQueueDepthChanged(ctx context.Context, ev event.QueueDepthChanged) int {
	return b.send(ctx, ev, ev)
}

func (b *Broadcaster) BroadcastQueuePaused(ctx context.Context, ev event.QueuePaused) int {
	return b.send(ctx, ev, ev)
}

func (b *Broadcaster) BroadcastQueueResumed(ctx context.Context, ev event.QueueResumed) int {
	return b.send(ctx, ev, ev)
}

type queueDepthPayload struct {
	Queue string `json:"queue"`
	Depth int    `json:"depth"`
}

// BroadcastMetricsUpdated sends the aggregate to the global room, then each
// known queue depth to that queue's room. The calls are independent: a
// client in several queue rooms receives one message per queue.
func (b *Broadcaster) BroadcastMetricsUpdated(ctx context.Context, snap stats.Snapshot) int {
	ev := event.MetricsUpdated{Meta: event.Meta{At: snap.CollectedAt}, Snapshot: snap}
	if ev.Snapshot.QueueDepths == nil {
		ev.Snapshot.QueueDepths = map[string]int{}
	}

	msg := b.message(ev, ev.Snapshot)
	delivered := b.sender.BroadcastToRoom(ctx, room.Global, msg)

	for queue, depth := range snap.QueueDepths {
		delivered += b.sender.BroadcastToRoom(ctx, room.Queue(queue), Message{
			Type:      event.TypeMetricsUpdated,
			Payload:   queueDepthPayload{Queue: queue, Depth: depth},
			Timestamp: msg.Timestamp,
		})
	}
	return delivered
}

// Dispatch routes ev to its Broadcast method.
func (b *Broadcaster) Dispatch(ctx context.Context, ev event.Event) int {
	switch e := ev.(type) {
	case event.TaskEnqueued:
		return b.BroadcastTaskEnqueued(ctx, e)
	case event.TaskStarted:
		return b.BroadcastTaskStarted(ctx, e)
	case event.TaskCompleted:
		return b.BroadcastTaskCompleted(ctx, e)
	case event.TaskFailed:
		return b.BroadcastTaskFailed(ctx, e)
	case event.TaskRetrying:
		return b.BroadcastTaskRetrying(ctx, e)
	case event.WorkerOnline:
		return b.BroadcastWorkerOnline(ctx, e)
	case event.WorkerHeartbeat:
		return b.BroadcastWorkerHeartbeat(ctx, e)
	case event.WorkerOffline:
		return b.BroadcastWorkerOffline(ctx, e)
	case event.QueueDepthChanged:
		return b.BroadcastQueueDepthChanged(ctx, e)
	case event.QueuePaused:
		return b.BroadcastQueuePaused(ctx, e)
	case event.QueueResumed:
		return b.BroadcastQueueResumed(ctx, e)
	case event.MetricsUpdated:
		return b.BroadcastMetricsUpdated(ctx, e.Snapshot)
	default:
		b.logger.Warn("no route for event", zap.String("event_type", string(ev.Type())))
		return 0
	}
}

// LoadPercentage reports a heartbeat's load. A direct percentage wins; a
// slot count is scaled at ten percent per active task and capped at 100.
func LoadPercentage(ev event.WorkerHeartbeat) float64 {
	if ev.LoadPercentage != nil {
		return *ev.LoadPercentage
	}
	if ev.Active != nil {
		return min(100.0, float64(*ev.Active)*10.0)
	}
	return 0.0
}
