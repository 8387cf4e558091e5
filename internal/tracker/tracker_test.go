package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/asynctasq-monitor/internal/event"
)

var ref = event.TaskRef{TaskID: "t1", TaskName: "resize", Queue: "images"}

func TestApply_Transitions(t *testing.T) {
	tests := []struct {
		name   string
		events []event.Event
		want   [4]int
	}{
		{
			name:   "enqueued started completed",
			events: []event.Event{event.TaskEnqueued{TaskRef: ref}, event.TaskStarted{TaskRef: ref}, event.TaskCompleted{TaskRef: ref}},
			want:   [4]int{0, 0, 1, 0},
		},
		{
			name:   "failed",
			events: []event.Event{event.TaskEnqueued{TaskRef: ref}, event.TaskStarted{TaskRef: ref}, event.TaskFailed{TaskRef: ref}},
			want:   [4]int{0, 0, 0, 1},
		},
		{
			name:   "retrying returns to pending",
			events: []event.Event{event.TaskEnqueued{TaskRef: ref}, event.TaskStarted{TaskRef: ref}, event.TaskRetrying{TaskRef: ref}},
			want:   [4]int{1, 0, 0, 0},
		},
		{
			name:   "started on empty pending floors at zero",
			events: []event.Event{event.TaskStarted{TaskRef: ref}},
			want:   [4]int{0, 1, 0, 0},
		},
		{
			name:   "completed on empty running floors at zero",
			events: []event.Event{event.TaskCompleted{TaskRef: ref}, event.TaskFailed{TaskRef: ref}, event.TaskRetrying{TaskRef: ref}},
			want:   [4]int{1, 0, 1, 1},
		},
		{
			name:   "non-task events leave counters alone",
			events: []event.Event{event.WorkerOnline{WorkerID: "w"}, event.QueuePaused{Queue: "q"}},
			want:   [4]int{0, 0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New()
			for _, ev := range tt.events {
				tr.Apply(ev)
			}

			pending, running, completed, failed := tr.Counts()
			assert.Equal(t, tt.want, [4]int{pending, running, completed, failed})
		})
	}
}

func TestSnapshot(t *testing.T) {
	tr := New()
	tr.Apply(event.WorkerOnline{WorkerID: "w1"})
	tr.Apply(event.WorkerHeartbeat{WorkerID: "w2"})
	tr.Apply(event.WorkerOffline{WorkerID: "w1"})
	tr.Apply(event.QueueDepthChanged{Queue: "emails", Depth: 4})
	tr.Apply(event.QueueDepthChanged{Queue: "images", Depth: -2})
	for i := 0; i < 3; i++ {
		tr.Apply(event.TaskStarted{TaskRef: ref})
		tr.Apply(event.TaskCompleted{TaskRef: ref})
	}
	tr.Apply(event.TaskStarted{TaskRef: ref})
	tr.Apply(event.TaskFailed{TaskRef: ref})

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	snap := tr.Snapshot(now)

	assert.Equal(t, 3, snap.Completed)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.ActiveWorkers)
	assert.InDelta(t, 75.0, snap.SuccessRate, 0.001)
	assert.Equal(t, map[string]int{"emails": 4, "images": 0}, snap.QueueDepths)
	assert.Equal(t, now, snap.CollectedAt)

	snap.QueueDepths["emails"] = 99
	assert.Equal(t, 4, tr.Snapshot(now).QueueDepths["emails"], "snapshots are copies")
}

func TestCollect(t *testing.T) {
	tr := New()
	snap, err := tr.Collect(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.SuccessRate)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestSample(t *testing.T) {
	tr := New()
	start := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	_, ok := tr.Sample(start)
	assert.False(t, ok, "first sample has no baseline")

	for i := 0; i < 10; i++ {
		tr.Apply(event.TaskCompleted{TaskRef: ref})
	}

	rate, ok := tr.Sample(start.Add(60 * time.Second))
	require.True(t, ok)
	assert.InDelta(t, 10.0, rate, 0.01)
	assert.Len(t, tr.History(), 1)
}

func TestSample_MinimumInterval(t *testing.T) {
	tr := New(WithMinSampleInterval(time.Second))
	start := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	tr.Sample(start)
	tr.Apply(event.TaskCompleted{TaskRef: ref})

	_, ok := tr.Sample(start.Add(500 * time.Millisecond))
	assert.False(t, ok)
	assert.Empty(t, tr.History())

	// The rejected call must not move the baseline.
	rate, ok := tr.Sample(start.Add(2 * time.Second))
	require.True(t, ok)
	assert.InDelta(t, 30.0, rate, 0.01)
}

func TestSample_HistoryIsBounded(t *testing.T) {
	tr := New()
	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	tr.Sample(at)

	for i := 0; i < MaxSamples+15; i++ {
		at = at.Add(time.Minute)
		tr.Apply(event.TaskCompleted{TaskRef: ref})
		_, ok := tr.Sample(at)
		require.True(t, ok)
	}

	history := tr.History()
	require.Len(t, history, MaxSamples)
	assert.Equal(t, at, history[len(history)-1].At)
	assert.Equal(t, at.Add(-time.Duration(MaxSamples-1)*time.Minute), history[0].At, "oldest samples are evicted first")
}
