package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nadmax/asynctasq-monitor/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:   "asynctasq-monitor",
		Short: "Real-time monitor for asynctasq task queues",
		Long: `asynctasq-monitor subscribes to the task engine's event channel and
relays every event to WebSocket clients grouped into rooms. It also polls
aggregate queue metrics on a fixed interval and pushes them to the same
clients.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newEmitCmd(cfg))

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL carrying the events channel")
	flags.StringVar(&cfg.EventsChannel, "channel", cfg.EventsChannel, "Pub/sub channel the engine publishes events on")
	flags.DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "Bounded wait for the next channel message")
	flags.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP and WebSocket listen address")
	flags.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "Per-client delivery bound before a slow client is dropped")
	flags.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Aggregate metrics polling interval")
	flags.StringVar(&cfg.MetricsSource, "metrics-source", cfg.MetricsSource, "Where aggregate counts come from (redis, postgres or events)")
	flags.StringVar(&cfg.EnginePrefix, "engine-prefix", cfg.EnginePrefix, "Key prefix of the engine's Redis storage")
	flags.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "Engine database DSN for the postgres metrics source")
	flags.DurationVar(&cfg.WorkerTTL, "worker-ttl", cfg.WorkerTTL, "Heartbeat age after which a worker counts as inactive")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "asynctasq-monitor %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
