// Package aggregator polls a metrics source on a fixed interval and
// republishes each aggregate through the broadcaster.
package aggregator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/nadmax/asynctasq-monitor/internal/metrics"
	"github.com/nadmax/asynctasq-monitor/internal/stats"
)

const DefaultInterval = 5 * time.Second

// Source produces one aggregate. A nil snapshot with a nil error means
// there is nothing to report this cycle.
type Source interface {
	Collect(ctx context.Context) (*stats.Snapshot, error)
}

// Publisher fans an aggregate out to clients. *broadcaster.Broadcaster
// implements it.
type Publisher interface {
	BroadcastMetricsUpdated(ctx context.Context, snap stats.Snapshot) int
}

type Aggregator struct {
	source    Source
	publisher Publisher
	interval  time.Duration
	cron      gocron.Scheduler
	latest    atomic.Pointer[stats.Snapshot]
	logger    *zap.Logger
	now       func() time.Time
}

func New(source Source, publisher Publisher, interval time.Duration, logger *zap.Logger) (*Aggregator, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Aggregator{
		source:    source,
		publisher: publisher,
		interval:  interval,
		cron:      s,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start runs a first collection, which must succeed, then schedules the
// periodic job. A later cycle that overruns the interval delays the next one
// instead of overlapping it.
func (a *Aggregator) Start(ctx context.Context) error {
	snap, err := a.collect(ctx)
	if err != nil {
		return fmt.Errorf("initial metrics collection: %w", err)
	}
	if snap != nil {
		a.publish(ctx, snap)
	}

	_, err = a.cron.NewJob(
		gocron.DurationJob(a.interval),
		gocron.NewTask(func() { a.RunOnce(context.Background()) }),
		gocron.WithName("collect-metrics"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for metrics collection: %w", err)
	}

	a.cron.Start()
	a.logger.Info("metrics aggregator started", zap.Duration("interval", a.interval))
	return nil
}

// Stop shuts the scheduler down, waiting for a running cycle.
func (a *Aggregator) Stop() error {
	if err := a.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	a.logger.Info("metrics aggregator stopped")
	return nil
}

// collect bounds the source read by the interval. Publishing runs on the
// caller's context so each client send is limited only by its own timeout.
func (a *Aggregator) collect(ctx context.Context) (*stats.Snapshot, error) {
	collectCtx, cancel := context.WithTimeout(ctx, a.interval)
	defer cancel()
	return a.source.Collect(collectCtx)
}

// Collect reads the source, substituting the unavailable stub when it
// fails.
func (a *Aggregator) Collect(ctx context.Context) *stats.Snapshot {
	snap, err := a.collect(ctx)
	if err != nil {
		metrics.RecordCollectionError()
		a.logger.Warn("metrics collection failed, using stub", zap.Error(err))
		return stats.Unavailable(a.now())
	}
	return snap
}

// RunOnce performs one collection cycle. A panic inside the cycle is logged
// and swallowed so the next cycle still runs.
func (a *Aggregator) RunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("metrics cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	snap := a.Collect(ctx)
	if snap == nil {
		a.logger.Debug("no metrics this cycle")
		return
	}
	a.publish(ctx, snap)
}

func (a *Aggregator) publish(ctx context.Context, snap *stats.Snapshot) {
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = a.now()
	}

	delivered := a.publisher.BroadcastMetricsUpdated(ctx, *snap)
	a.latest.Store(snap)

	metrics.UpdateTaskGauges(snap.Pending, snap.Running, snap.Completed, snap.Failed)
	metrics.UpdateQueueDepths(snap.QueueDepths)
	metrics.UpdateActiveWorkers(snap.ActiveWorkers)
	metrics.UpdateSuccessRate(snap.SuccessRate)

	a.logger.Debug("metrics published",
		zap.Int("tasks", snap.Total()),
		zap.Int("pending", snap.Pending),
		zap.Int("running", snap.Running),
		zap.Int("delivered", delivered),
	)
}

// Latest returns the last published aggregate, or nil before the first one.
func (a *Aggregator) Latest() *stats.Snapshot {
	return a.latest.Load()
}
