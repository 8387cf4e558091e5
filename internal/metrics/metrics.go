// Package metrics provides Prometheus metrics for monitoring the event fan-out
// system and the task-queue aggregates it republishes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asynctasq_monitor_events_received_total",
			Help: "Total number of events decoded from the pub/sub channel",
		},
		[]string{"event_type"},
	)
	EventsIgnored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "asynctasq_monitor_events_ignored_total",
			Help: "Total number of envelopes with a missing or unknown event type",
		},
	)
	EventsMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "asynctasq_monitor_events_malformed_total",
			Help: "Total number of envelopes that could not be decoded",
		},
	)
	MessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "asynctasq_monitor_messages_delivered_total",
			Help: "Total number of messages handed to client transports",
		},
	)
	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asynctasq_monitor_send_failures_total",
			Help: "Total number of failed client sends by reason",
		},
		[]string{"reason"},
	)
	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "asynctasq_monitor_broadcast_duration_seconds",
			Help:    "Time spent fanning one message out to its recipients",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "asynctasq_monitor_connections",
			Help: "Current number of connected clients",
		},
	)
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "asynctasq_monitor_rooms",
			Help: "Current number of rooms with at least one member",
		},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynctasq_monitor_tasks",
			Help: "Tasks by status in the last collected aggregate",
		},
		[]string{"status"},
	)
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynctasq_monitor_queue_depth",
			Help: "Pending tasks per queue in the last collected aggregate",
		},
		[]string{"queue"},
	)
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "asynctasq_monitor_workers_active",
			Help: "Active workers in the last collected aggregate",
		},
	)
	SuccessRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "asynctasq_monitor_success_rate_percent",
			Help: "Completed share of finished tasks in the last collected aggregate",
		},
	)
	CollectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "asynctasq_monitor_collection_errors_total",
			Help: "Total number of failed aggregate collections",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "asynctasq_monitor_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "asynctasq_monitor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordEventReceived(eventType string) {
	EventsReceived.WithLabelValues(eventType).Inc()
}

func RecordEventIgnored() {
	EventsIgnored.Inc()
}

func RecordEventMalformed() {
	EventsMalformed.Inc()
}

func RecordBroadcast(delivered int, duration time.Duration) {
	MessagesDelivered.Add(float64(delivered))
	BroadcastDuration.Observe(duration.Seconds())
}

func RecordSendFailure(reason string) {
	SendFailures.WithLabelValues(reason).Inc()
}

func UpdateConnections(connections, rooms int) {
	ActiveConnections.Set(float64(connections))
	ActiveRooms.Set(float64(rooms))
}

func UpdateTaskGauges(pending, running, completed, failed int) {
	TasksByStatus.WithLabelValues("pending").Set(float64(pending))
	TasksByStatus.WithLabelValues("running").Set(float64(running))
	TasksByStatus.WithLabelValues("completed").Set(float64(completed))
	TasksByStatus.WithLabelValues("failed").Set(float64(failed))
}

func UpdateQueueDepths(depths map[string]int) {
	QueueDepth.Reset()
	for queue, depth := range depths {
		QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}
}

func UpdateActiveWorkers(count int) {
	WorkersActive.Set(float64(count))
}

func UpdateSuccessRate(rate float64) {
	SuccessRate.Set(rate)
}

func RecordCollectionError() {
	CollectionErrors.Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
