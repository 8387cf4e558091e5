// Package event defines the domain events published by the task-queue engine
// and the binary envelope codec used on the pub/sub channel.
package event

import (
	"time"

	"github.com/nadmax/asynctasq-monitor/internal/stats"
)

type Type string

const (
	TypeTaskEnqueued      Type = "task_enqueued"
	TypeTaskStarted       Type = "task_started"
	TypeTaskCompleted     Type = "task_completed"
	TypeTaskFailed        Type = "task_failed"
	TypeTaskRetrying      Type = "task_retrying"
	TypeWorkerOnline      Type = "worker_online"
	TypeWorkerHeartbeat   Type = "worker_heartbeat"
	TypeWorkerOffline     Type = "worker_offline"
	TypeQueueDepthChanged Type = "queue_depth_changed"
	TypeQueuePaused       Type = "queue_paused"
	TypeQueueResumed      Type = "queue_resumed"
	TypeMetricsUpdated    Type = "metrics_updated"
)

// Event is one decoded occurrence in the engine. The concrete types below
// form a closed set; switch on them rather than on Type where fields matter.
type Event interface {
	Type() Type
	OccurredAt() time.Time
}

// Meta carries the envelope timestamp. A zero At means the publisher did not
// send one.
type Meta struct {
	At time.Time `json:"-"`
}

func (m Meta) OccurredAt() time.Time { return m.At }

// TaskRef holds the fields every task event requires.
type TaskRef struct {
	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`
	Queue    string `json:"queue"`
}

type TaskEnqueued struct {
	Meta
	TaskRef
}

type TaskStarted struct {
	Meta
	TaskRef
	WorkerID *string `json:"worker_id"`
	Attempt  int     `json:"attempt"`
}

type TaskCompleted struct {
	Meta
	TaskRef
	WorkerID   *string  `json:"worker_id"`
	Attempt    int      `json:"attempt"`
	DurationMs *float64 `json:"duration_ms"`
}

type TaskFailed struct {
	Meta
	TaskRef
	WorkerID   *string  `json:"worker_id"`
	Attempt    int      `json:"attempt"`
	Error      *string  `json:"error"`
	DurationMs *float64 `json:"duration_ms"`
}

type TaskRetrying struct {
	Meta
	TaskRef
	WorkerID *string `json:"worker_id"`
	Attempt  int     `json:"attempt"`
	Error    *string `json:"error"`
}

type WorkerOnline struct {
	Meta
	WorkerID    string   `json:"worker_id"`
	Hostname    *string  `json:"hostname"`
	Queues      []string `json:"queues"`
	Concurrency *int     `json:"concurrency"`
}

// WorkerHeartbeat reports a worker's load. Engines that track concurrency
// slots send Active; others send LoadPercentage directly.
type WorkerHeartbeat struct {
	Meta
	WorkerID       string   `json:"worker_id"`
	Active         *int     `json:"active"`
	Processed      *int     `json:"processed"`
	UptimeSeconds  *float64 `json:"uptime_seconds"`
	LoadPercentage *float64 `json:"load_percentage"`
}

type WorkerOffline struct {
	Meta
	WorkerID      string   `json:"worker_id"`
	Processed     *int     `json:"processed"`
	UptimeSeconds *float64 `json:"uptime_seconds"`
	Reason        *string  `json:"reason"`
}

type QueueDepthChanged struct {
	Meta
	Queue string `json:"queue"`
	Depth int    `json:"depth"`
}

type QueuePaused struct {
	Meta
	Queue string `json:"queue"`
}

type QueueResumed struct {
	Meta
	Queue string `json:"queue"`
}

type MetricsUpdated struct {
	Meta
	stats.Snapshot
}

func (TaskEnqueued) Type() Type      { return TypeTaskEnqueued }
func (TaskStarted) Type() Type       { return TypeTaskStarted }
func (TaskCompleted) Type() Type     { return TypeTaskCompleted }
func (TaskFailed) Type() Type        { return TypeTaskFailed }
func (TaskRetrying) Type() Type      { return TypeTaskRetrying }
func (WorkerOnline) Type() Type      { return TypeWorkerOnline }
func (WorkerHeartbeat) Type() Type   { return TypeWorkerHeartbeat }
func (WorkerOffline) Type() Type     { return TypeWorkerOffline }
func (QueueDepthChanged) Type() Type { return TypeQueueDepthChanged }
func (QueuePaused) Type() Type       { return TypeQueuePaused }
func (QueueResumed) Type() Type      { return TypeQueueResumed }
func (MetricsUpdated) Type() Type    { return TypeMetricsUpdated }
