// Package api exposes the monitor over HTTP: the WebSocket endpoint plus a
// small JSON surface for connection stats, the latest aggregate and health.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nadmax/asynctasq-monitor/internal/httputil"
	"github.com/nadmax/asynctasq-monitor/internal/middleware"
	"github.com/nadmax/asynctasq-monitor/internal/room"
	"github.com/nadmax/asynctasq-monitor/internal/stats"
	"github.com/nadmax/asynctasq-monitor/internal/tracker"
	"github.com/nadmax/asynctasq-monitor/internal/ws"
)

// LatestMetrics is satisfied by the aggregator.
type LatestMetrics interface {
	Latest() *stats.Snapshot
}

// ThroughputHistory is satisfied by the tracker.
type ThroughputHistory interface {
	History() []tracker.Sample
}

// Liveness reports whether the event consumer is still running.
type Liveness interface {
	IsRunning() bool
}

type Config struct {
	Manager    *ws.Manager
	Metrics    LatestMetrics
	Throughput ThroughputHistory
	Consumer   Liveness
	Logger     *zap.Logger
}

type API struct {
	manager    *ws.Manager
	metrics    LatestMetrics
	throughput ThroughputHistory
	consumer   Liveness
	logger     *zap.Logger
	router     chi.Router
}

type RoomResponse struct {
	Room        string `json:"room"`
	Connections int    `json:"connections"`
}

type ThroughputResponse struct {
	Samples []tracker.Sample `json:"samples"`
}

type HealthResponse struct {
	Status          string `json:"status"`
	ConsumerRunning bool   `json:"consumer_running"`
	Connections     int    `json:"connections"`
}

func NewAPI(cfg Config) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &API{
		manager:    cfg.Manager,
		metrics:    cfg.Metrics,
		throughput: cfg.Throughput,
		consumer:   cfg.Consumer,
		logger:     logger,
		router:     chi.NewRouter(),
	}

	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	r := a.router

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(a.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.MetricsMiddleware)

	r.Handle("/ws", ws.NewHandler(a.manager, a.logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", a.getStats)
		r.Get("/metrics", a.getMetrics)
		r.Get("/throughput", a.getThroughput)
		r.Get("/rooms/{room}", a.getRoom)
	})

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) getStats(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, a.manager.Stats(), http.StatusOK)
}

func (a *API) getMetrics(w http.ResponseWriter, _ *http.Request) {
	var latest *stats.Snapshot
	if a.metrics != nil {
		latest = a.metrics.Latest()
	}
	if latest == nil {
		httputil.WriteJSONError(w, "no metrics collected yet", http.StatusNotFound)
		return
	}
	httputil.WriteJSON(w, latest, http.StatusOK)
}

func (a *API) getThroughput(w http.ResponseWriter, _ *http.Request) {
	resp := ThroughputResponse{Samples: []tracker.Sample{}}
	if a.throughput != nil {
		if samples := a.throughput.History(); len(samples) > 0 {
			resp.Samples = samples
		}
	}
	httputil.WriteJSON(w, resp, http.StatusOK)
}

func (a *API) getRoom(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "room")
	if !room.Valid(name) {
		httputil.WriteJSONError(w, "invalid room: "+name, http.StatusBadRequest)
		return
	}

	httputil.WriteJSON(w, RoomResponse{
		Room:        name,
		Connections: a.manager.RoomMemberCount(name),
	}, http.StatusOK)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:          "ok",
		ConsumerRunning: a.consumer == nil || a.consumer.IsRunning(),
		Connections:     a.manager.ConnectionCount(),
	}

	status := http.StatusOK
	if !resp.ConsumerRunning {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, resp, status)
}
