// Package engine reads aggregate task metrics from the task-queue engine's
// own storage, in Redis or PostgreSQL.
package engine

import (
	"encoding/json"
	"time"

	"github.com/nadmax/asynctasq-monitor/internal/stats"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRetrying  TaskStatus = "retrying"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// TaskRecord is the engine's stored view of one task. Only the fields the
// monitor reads are declared.
type TaskRecord struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Queue     string     `json:"queue"`
	Status    TaskStatus `json:"status"`
	Attempt   int        `json:"attempt"`
	CreatedAt time.Time  `json:"created_at"`
}

func TaskRecordFromJSON(data string) (*TaskRecord, error) {
	var task TaskRecord
	err := json.Unmarshal([]byte(data), &task)
	return &task, err
}

// tally accumulates per-queue status counts into an aggregate.
type tally struct {
	snap stats.Snapshot
}

func newTally() *tally {
	return &tally{snap: stats.Snapshot{QueueDepths: make(map[string]int)}}
}

// add counts n tasks of queue in status. A retrying task waits in its queue
// again, so it counts as pending. Unknown statuses are skipped.
func (t *tally) add(queue string, status TaskStatus, n int) {
	switch status {
	case StatusPending, StatusRetrying:
		t.snap.Pending += n
		t.snap.QueueDepths[queue] += n
		return
	case StatusRunning:
		t.snap.Running += n
	case StatusCompleted:
		t.snap.Completed += n
	case StatusFailed:
		t.snap.Failed += n
	default:
		return
	}
	if _, seen := t.snap.QueueDepths[queue]; !seen {
		t.snap.QueueDepths[queue] = 0
	}
}

func (t *tally) result(activeWorkers int, at time.Time) *stats.Snapshot {
	snap := t.snap
	snap.ActiveWorkers = activeWorkers
	snap.SuccessRate = stats.SuccessRate(snap.Completed, snap.Failed)
	snap.CollectedAt = at
	return &snap
}
