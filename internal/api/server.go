// Package api implements HTTPService: the loopback-only HTTP surface
// front-ends use to read usage, manage configuration, and trigger
// refreshes. Router shape (chi + go-chi/cors, global middleware, JSON
// envelope helpers) is grounded on wisbric-nightowl's
// internal/httpserver/server.go, generalized from its authenticated
// multi-tenant API to this agent's unauthenticated, loopback-only one.
package api

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/rygel/aiusagemonitor/internal/config"
	"github.com/rygel/aiusagemonitor/internal/discovery"
	"github.com/rygel/aiusagemonitor/internal/notify"
	"github.com/rygel/aiusagemonitor/internal/registry"
	"github.com/rygel/aiusagemonitor/internal/scheduler"
	"github.com/rygel/aiusagemonitor/internal/store"
	"github.com/rygel/aiusagemonitor/internal/wshub"
	"github.com/rygel/aiusagemonitor/pkg/metrics"
)

// AgentVersion is set at build time with -ldflags, matching the teacher's
// own Version/BuildTime/GitCommit pattern.
var AgentVersion = "dev"

// APIContractVersion names the external HTTP contract's version,
// independent of the agent's own release version.
const APIContractVersion = "1"

// Server bundles every collaborator an HTTP handler needs.
type Server struct {
	Router *chi.Mux

	registry   *registry.Registry
	configs    *config.Store
	usage      *store.Store
	sched      *scheduler.Scheduler
	discoverer *discovery.Discoverer
	sink       notify.Sink
	hub        *wshub.Hub

	port      int
	debugMode bool
	startedAt time.Time
}

// NewServer builds a Server and mounts every route named by the external
// HTTP contract.
func NewServer(
	reg *registry.Registry,
	configs *config.Store,
	usage *store.Store,
	sched *scheduler.Scheduler,
	disc *discovery.Discoverer,
	sink notify.Sink,
	hub *wshub.Hub,
	metricsGatherer prometheus.Gatherer,
	port int,
	debugMode bool,
) *Server {
	if sink == nil {
		sink = notify.NoopSink{}
	}

	s := &Server{
		registry:   reg,
		configs:    configs,
		usage:      usage,
		sched:      sched,
		discoverer: disc,
		sink:       sink,
		hub:        hub,
		port:       port,
		debugMode:  debugMode,
		startedAt:  time.Now().UTC(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/diagnostics", s.handleDiagnostics)
	r.Get("/api/usage", s.handleListUsage)
	r.Get("/api/usage/{providerId}", s.handleGetUsage)
	r.Post("/api/refresh", s.handleRefresh)
	r.Get("/api/config", s.handleListConfig)
	r.Post("/api/config", s.handleUpsertConfig)
	r.Delete("/api/config/{providerId}", s.handleDeleteConfig)
	r.Post("/api/scan-keys", s.handleScanKeys)
	r.Get("/api/history", s.handleRecentHistory)
	r.Get("/api/history/{providerId}", s.handleProviderHistory)
	r.Get("/api/resets/{providerId}", s.handleResetEvents)
	r.Post("/api/notifications/test", s.handleTestNotification)

	if hub != nil {
		r.Get("/api/ws", hub.HandleWebSocket)
	}

	if metricsGatherer != nil {
		r.Get("/api/metrics", metrics.Handler(metricsGatherer).ServeHTTP)
	}

	s.Router = r
	return s
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type healthResponse struct {
	Status             string `json:"status"`
	Timestamp          string `json:"timestamp"`
	Port               int    `json:"port"`
	ProcessID          int    `json:"process_id"`
	AgentVersion       string `json:"agent_version"`
	APIContractVersion string `json:"api_contract_version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	Respond(w, http.StatusOK, healthResponse{
		Status:             "ok",
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		Port:               s.port,
		ProcessID:          os.Getpid(),
		AgentVersion:       AgentVersion,
		APIContractVersion: APIContractVersion,
	})
}

type diagnosticsResponse struct {
	Port          int                  `json:"port"`
	ProcessID     int                  `json:"process_id"`
	WorkingDir    string               `json:"working_dir"`
	GoVersion     string               `json:"go_version"`
	OS            string               `json:"os"`
	Arch          string               `json:"arch"`
	Args          []string             `json:"args"`
	StartedAt     string               `json:"started_at"`
	UptimeSeconds float64              `json:"uptime_seconds"`
	Endpoints     []string             `json:"endpoints"`
	Telemetry     scheduler.Telemetry  `json:"telemetry"`
	State         scheduler.State      `json:"scheduler_state"`
	ClientCount   int                  `json:"websocket_client_count"`
}

var endpointList = []string{
	"GET /api/health", "GET /api/diagnostics", "GET /api/usage", "GET /api/usage/{providerId}",
	"POST /api/refresh", "GET /api/config", "POST /api/config", "DELETE /api/config/{providerId}",
	"POST /api/scan-keys", "GET /api/history", "GET /api/history/{providerId}",
	"GET /api/resets/{providerId}", "POST /api/notifications/test",
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	wd, _ := os.Getwd()

	var telemetry scheduler.Telemetry
	var state scheduler.State
	if s.sched != nil {
		telemetry = s.sched.Telemetry()
		state = s.sched.State()
	}

	clientCount := 0
	if s.hub != nil {
		clientCount = s.hub.ClientCount()
	}

	Respond(w, http.StatusOK, diagnosticsResponse{
		Port:          s.port,
		ProcessID:     os.Getpid(),
		WorkingDir:    wd,
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		Args:          os.Args,
		StartedAt:     s.startedAt.Format(time.RFC3339),
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Endpoints:     endpointList,
		Telemetry:     telemetry,
		State:         state,
		ClientCount:   clientCount,
	})
}
