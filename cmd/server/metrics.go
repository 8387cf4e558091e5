package main

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/nadmax/asynctasq-monitor/internal/tracker"
)

const sampleInterval = time.Minute

// startThroughputSampler records one throughput sample per minute from the
// event-derived counters.
func startThroughputSampler(tr *tracker.Tracker, logger *zap.Logger) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create throughput scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(sampleInterval),
		gocron.NewTask(func() { sampleThroughput(tr, time.Now(), logger) }),
		gocron.WithName("sample-throughput"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("gocron.NewJob failed for throughput sampling: %w", err)
	}

	s.Start()
	return s, nil
}

func sampleThroughput(tr *tracker.Tracker, now time.Time, logger *zap.Logger) {
	rate, ok := tr.Sample(now)
	if !ok {
		return
	}
	logger.Debug("throughput sampled", zap.Float64("tasks_per_minute", rate))
}
