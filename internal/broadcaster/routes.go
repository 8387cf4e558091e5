package broadcaster

import (
	"github.com/nadmax/asynctasq-monitor/internal/event"
	"github.com/nadmax/asynctasq-monitor/internal/room"
)

// RoomsFor returns the destination rooms of ev. Heartbeats skip the global
// room; they arrive too often for it. For metrics_updated it returns only
// the global room; per-queue depths go out separately.
func RoomsFor(ev event.Event) []string {
	switch e := ev.(type) {
	case event.TaskEnqueued:
		return []string{room.Global, room.Tasks, room.Queue(e.Queue)}
	case event.TaskStarted:
		return taskRooms(e.TaskRef, e.WorkerID)
	case event.TaskCompleted:
		return taskRooms(e.TaskRef, e.WorkerID)
	case event.TaskFailed:
		return taskRooms(e.TaskRef, e.WorkerID)
	case event.TaskRetrying:
		return taskRooms(e.TaskRef, e.WorkerID)
	case event.WorkerOnline:
		return []string{room.Global, room.Workers, room.Worker(e.WorkerID)}
	case event.WorkerHeartbeat:
		return []string{room.Workers, room.Worker(e.WorkerID)}
	case event.WorkerOffline:
		return []string{room.Global, room.Workers, room.Worker(e.WorkerID)}
	case event.QueueDepthChanged:
		return []string{room.Global, room.Queues, room.Queue(e.Queue)}
	case event.QueuePaused:
		return []string{room.Global, room.Queues, room.Queue(e.Queue)}
	case event.QueueResumed:
		return []string{room.Global, room.Queues, room.Queue(e.Queue)}
	case event.MetricsUpdated:
		return []string{room.Global}
	default:
		return nil
	}
}

func taskRooms(ref event.TaskRef, workerID *string) []string {
	rooms := []string{room.Global, room.Tasks, room.Task(ref.TaskID), room.Queue(ref.Queue)}
	if workerID != nil && *workerID != "" {
		rooms = append(rooms, room.Worker(*workerID))
	}
	return rooms
}
