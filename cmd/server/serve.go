package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nadmax/asynctasq-monitor/internal/aggregator"
	"github.com/nadmax/asynctasq-monitor/internal/api"
	"github.com/nadmax/asynctasq-monitor/internal/broadcaster"
	"github.com/nadmax/asynctasq-monitor/internal/config"
	"github.com/nadmax/asynctasq-monitor/internal/consumer"
	"github.com/nadmax/asynctasq-monitor/internal/engine"
	"github.com/nadmax/asynctasq-monitor/internal/logging"
	"github.com/nadmax/asynctasq-monitor/internal/tracker"
	"github.com/nadmax/asynctasq-monitor/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting asynctasq monitor",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("channel", cfg.EventsChannel),
		zap.String("metrics_source", cfg.MetricsSource),
		zap.Duration("metrics_interval", cfg.MetricsInterval),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	manager := ws.NewManager(logger.Named("ws"), ws.WithSendTimeout(cfg.SendTimeout))
	bc := broadcaster.New(manager, logger.Named("broadcaster"))
	tr := tracker.New()

	cons := consumer.New(cfg.RedisURL, cfg.EventsChannel, bc, logger.Named("consumer"),
		consumer.WithPollTimeout(cfg.PollTimeout),
		consumer.WithObserver(tr.Apply),
	)

	source, closeSource, err := buildSource(cfg, tr, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	agg, err := aggregator.New(source, bc, cfg.MetricsInterval, logger.Named("aggregator"))
	if err != nil {
		return err
	}

	if err := cons.Start(ctx); err != nil {
		return err
	}
	if err := agg.Start(ctx); err != nil {
		cons.Stop()
		return err
	}

	sampler, err := startThroughputSampler(tr, logger.Named("throughput"))
	if err != nil {
		_ = agg.Stop()
		cons.Stop()
		return err
	}

	router := api.NewAPI(api.Config{
		Manager:    manager,
		Metrics:    agg,
		Throughput: tr,
		Consumer:   cons,
		Logger:     logger.Named("http"),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down asynctasq monitor")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := sampler.Shutdown(); err != nil {
		logger.Warn("throughput sampler shutdown", zap.Error(err))
	}
	if err := agg.Stop(); err != nil {
		logger.Warn("aggregator shutdown", zap.Error(err))
	}
	cons.Stop()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket shutdown", zap.Error(err))
	}

	logger.Info("asynctasq monitor stopped")
	return runErr
}

// buildSource picks where aggregate counts come from. The returned func
// releases whatever the source holds open.
func buildSource(cfg *config.Config, tr *tracker.Tracker, logger *zap.Logger) (aggregator.Source, func(), error) {
	switch cfg.MetricsSource {
	case config.SourceRedis:
		src, err := engine.NewRedisSource(cfg.RedisURL, cfg.EnginePrefix, cfg.WorkerTTL, logger.Named("engine"))
		if err != nil {
			return nil, nil, err
		}
		return src, closer(src, logger), nil
	case config.SourcePostgres:
		src, err := engine.NewPostgresSource(cfg.PostgresDSN, cfg.WorkerTTL)
		if err != nil {
			return nil, nil, err
		}
		return src, closer(src, logger), nil
	case config.SourceEvents:
		return tr, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown metrics source %q", cfg.MetricsSource)
	}
}

func closer(c interface{ Close() error }, logger *zap.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close metrics source", zap.Error(err))
		}
	}
}
