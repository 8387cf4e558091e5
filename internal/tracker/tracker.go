// Package tracker derives aggregate task metrics from the event stream
// alone, for deployments where the engine cannot be polled.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/nadmax/asynctasq-monitor/internal/event"
	"github.com/nadmax/asynctasq-monitor/internal/stats"
)

const (
	// MaxSamples bounds the throughput history, about an hour at one sample
	// per minute.
	MaxSamples = 60

	DefaultMinSampleInterval = time.Second
)

// Sample is one throughput reading in tasks per minute.
type Sample struct {
	At        time.Time `json:"at"`
	PerMinute float64   `json:"per_minute"`
}

type Option func(*Tracker)

func WithMinSampleInterval(d time.Duration) Option {
	return func(t *Tracker) {
		t.minInterval = d
	}
}

// Tracker reduces domain events into task counters. Counters never drop
// below zero. It is safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	pending   int
	running   int
	completed int
	failed    int

	workers     map[string]struct{}
	queueDepths map[string]int

	minInterval   time.Duration
	lastSampleAt  time.Time
	lastCompleted int
	hasBaseline   bool
	history       []Sample
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		workers:     make(map[string]struct{}),
		queueDepths: make(map[string]int),
		minInterval: DefaultMinSampleInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply folds one event into the counters.
func (t *Tracker) Apply(ev event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e := ev.(type) {
	case event.TaskEnqueued:
		t.pending++
	case event.TaskStarted:
		t.pending = decr(t.pending)
		t.running++
	case event.TaskCompleted:
		t.running = decr(t.running)
		t.completed++
	case event.TaskFailed:
		t.running = decr(t.running)
		t.failed++
	case event.TaskRetrying:
		t.running = decr(t.running)
		t.pending++
	case event.WorkerOnline:
		t.workers[e.WorkerID] = struct{}{}
	case event.WorkerHeartbeat:
		t.workers[e.WorkerID] = struct{}{}
	case event.WorkerOffline:
		delete(t.workers, e.WorkerID)
	case event.QueueDepthChanged:
		t.queueDepths[e.Queue] = max(0, e.Depth)
	}
}

func decr(n int) int {
	if n > 0 {
		return n - 1
	}
	return 0
}

// Counts returns pending, running, completed and failed.
func (t *Tracker) Counts() (pending, running, completed, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending, t.running, t.completed, t.failed
}

// Snapshot returns the tracked state in the aggregate metrics shape.
func (t *Tracker) Snapshot(now time.Time) *stats.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	depths := make(map[string]int, len(t.queueDepths))
	for q, d := range t.queueDepths {
		depths[q] = d
	}
	return &stats.Snapshot{
		Pending:       t.pending,
		Running:       t.running,
		Completed:     t.completed,
		Failed:        t.failed,
		ActiveWorkers: len(t.workers),
		SuccessRate:   stats.SuccessRate(t.completed, t.failed),
		QueueDepths:   depths,
		CollectedAt:   now,
	}
}

// Collect lets the tracker stand in for a polled source.
func (t *Tracker) Collect(_ context.Context) (*stats.Snapshot, error) {
	return t.Snapshot(time.Now().UTC()), nil
}

// Sample records the completed count at now and returns the throughput in
// tasks per minute since the previous accepted sample. It returns false on
// the first call and when now is closer than the minimum interval to the
// previous accepted sample; such calls leave the baseline untouched.
func (t *Tracker) Sample(now time.Time) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasBaseline {
		t.lastSampleAt = now
		t.lastCompleted = t.completed
		t.hasBaseline = true
		return 0, false
	}

	elapsed := now.Sub(t.lastSampleAt)
	if elapsed < t.minInterval || elapsed <= 0 {
		return 0, false
	}

	rate := float64(t.completed-t.lastCompleted) / elapsed.Seconds() * 60
	t.lastSampleAt = now
	t.lastCompleted = t.completed

	if len(t.history) == MaxSamples {
		copy(t.history, t.history[1:])
		t.history = t.history[:MaxSamples-1]
	}
	t.history = append(t.history, Sample{At: now, PerMinute: rate})
	return rate, true
}

// History returns the accepted samples, oldest first.
func (t *Tracker) History() []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sample(nil), t.history...)
}
