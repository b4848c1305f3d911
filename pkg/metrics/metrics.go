// Package metrics exposes the agent's own operational telemetry as
// Prometheus collectors: refresh cycle counts, per-provider probe
// latency, and store write failures. Mounted on the loopback HTTP
// surface at /api/metrics, grounded on the teacher's
// cmd/pulse/metrics_server.go (promhttp.Handler on its own mux).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles every metric this agent records. A single instance
// is created at startup and shared between the scheduler and the probe
// fan-out goroutines that feed it.
type Collectors struct {
	RefreshCyclesTotal   *prometheus.CounterVec
	ProbeLatencySeconds  *prometheus.HistogramVec
	ProbeErrorsTotal     *prometheus.CounterVec
	StoreWriteErrorsTotal prometheus.Counter
	ResetEventsTotal     *prometheus.CounterVec
}

// New registers every collector against reg and returns the bundle. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer for the process-wide one.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		RefreshCyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiusagemonitor",
			Name:      "refresh_cycles_total",
			Help:      "Completed refresh cycles, labeled by trigger (scheduled, manual, startup).",
		}, []string{"trigger"}),
		ProbeLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aiusagemonitor",
			Name:      "probe_latency_seconds",
			Help:      "Latency of a single provider probe call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider_id"}),
		ProbeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiusagemonitor",
			Name:      "probe_errors_total",
			Help:      "Probe calls that returned an error or an unavailable result.",
		}, []string{"provider_id"}),
		StoreWriteErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aiusagemonitor",
			Name:      "store_write_errors_total",
			Help:      "Failures writing history, snapshot, or reset-event rows to the usage store.",
		}),
		ResetEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiusagemonitor",
			Name:      "reset_events_total",
			Help:      "Quota/usage reset events detected, labeled by provider.",
		}, []string{"provider_id"}),
	}

	reg.MustRegister(
		c.RefreshCyclesTotal,
		c.ProbeLatencySeconds,
		c.ProbeErrorsTotal,
		c.StoreWriteErrorsTotal,
		c.ResetEventsTotal,
	)
	return c
}

// Handler returns the HTTP handler to mount at /api/metrics. gatherer
// must be the same registry passed to New, or prometheus.DefaultGatherer
// if New was called with the default registerer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
