package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nadmax/asynctasq-monitor/internal/config"
	"github.com/nadmax/asynctasq-monitor/internal/event"
)

func newEmitCmd(cfg *config.Config) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "emit <event_type> [key=value...]",
		Short: "Publish one event envelope on the events channel",
		Long: `Publish a hand-built event envelope, for smoke testing a running monitor.

Identifier and message fields (task_id, worker_id, queue, ...) are always
strings. Other values are typed from their text: integers and floats become
numbers, values wrapped in {} or [] are parsed as JSON, and comma separated
values become lists (a trailing comma makes a one-element list). A timestamp
is added when none is given.

  asynctasq-monitor emit task_enqueued task_id=t-1 task_name=send_email queue=emails
  asynctasq-monitor emit worker_online worker_id=w-1 queues=default,emails`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[0], args[1:], time.Now())
			if err != nil {
				return err
			}

			payload, err := event.EncodeFields(fields)
			if err != nil {
				return err
			}

			// A usable event goes out in its canonical form: unknown keys are
			// dropped and defaults such as attempt are filled in.
			switch res := event.Decode(payload); {
			case res.Outcome == event.OutcomeOK:
				if payload, err = event.Encode(res.Event); err != nil {
					return err
				}
			case !force:
				return fmt.Errorf("envelope would be %s by the monitor: %s (use --force to send anyway)",
					res.Outcome, describe(res))
			}

			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid Redis URL: %w", err)
			}
			client := redis.NewClient(opts)
			defer func() { _ = client.Close() }()

			receivers, err := client.Publish(cmd.Context(), cfg.EventsChannel, payload).Result()
			if err != nil {
				return fmt.Errorf("failed to publish event: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s (%d subscribers)\n", args[0], cfg.EventsChannel, receivers)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Publish even if the monitor would ignore or reject the envelope")
	return cmd
}

func describe(res event.Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	return res.Reason
}

// textFields are always sent as strings, even when they look numeric.
var textFields = map[string]bool{
	"task_id":   true,
	"task_name": true,
	"queue":     true,
	"worker_id": true,
	"hostname":  true,
	"error":     true,
	"reason":    true,
}

// parseFields turns key=value arguments into an envelope.
func parseFields(eventType string, args []string, now time.Time) (map[string]any, error) {
	fields := map[string]any{
		event.DiscriminatorKey: eventType,
	}

	for _, arg := range args {
		key, raw, found := strings.Cut(arg, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid field %q, want key=value", arg)
		}
		if key == event.DiscriminatorKey {
			return nil, fmt.Errorf("%s is set by the first argument", event.DiscriminatorKey)
		}

		if textFields[key] {
			fields[key] = raw
			continue
		}

		value, err := parseValue(raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		fields[key] = value
	}

	if _, ok := fields["timestamp"]; !ok {
		fields["timestamp"] = float64(now.UnixNano()) / float64(time.Second)
	}
	return fields, nil
}

func parseValue(raw string) (any, error) {
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return v, nil
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, nil
	}

	if strings.Contains(raw, ",") {
		parts := strings.Split(raw, ",")
		list := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		return list, nil
	}
	return raw, nil
}
