// Package stats defines the aggregate task-queue metrics shape shared by the
// polling aggregator and the event-driven tracker.
package stats

import "time"

// Snapshot is one view of the engine's aggregate counters. The poller builds
// it from the engine's storage, the tracker from the event stream; both must
// mean the same thing by each field.
type Snapshot struct {
	Pending       int            `json:"pending"`
	Running       int            `json:"running"`
	Completed     int            `json:"completed"`
	Failed        int            `json:"failed"`
	ActiveWorkers int            `json:"active_workers"`
	SuccessRate   float64        `json:"success_rate"`
	QueueDepths   map[string]int `json:"queue_depths"`
	CollectedAt   time.Time      `json:"collected_at"`
}

// SuccessRate returns the completed share of finished tasks as a percentage.
// With nothing finished yet the rate is 100.
func SuccessRate(completed, failed int) float64 {
	finished := completed + failed
	if finished <= 0 {
		return 100.0
	}

	return float64(completed) / float64(finished) * 100.0
}

// Unavailable is the stub reported when the engine cannot be reached: every
// count is zero and the success rate is 100.
func Unavailable(at time.Time) *Snapshot {
	return &Snapshot{
		SuccessRate: 100.0,
		QueueDepths: map[string]int{},
		CollectedAt: at,
	}
}

// Total is the number of tasks the snapshot accounts for.
func (s *Snapshot) Total() int {
	return s.Pending + s.Running + s.Completed + s.Failed
}
