// Package scheduler implements RefreshScheduler: the background loop that
// wakes on an interval (or on demand), fans probes out under bounded
// concurrency and a per-call deadline, and folds results into UsageStore,
// Analytics, and NotificationSink. Grounded on the teacher's
// composition-root polling loop (cmd/pulse/main.go's ticker + signal
// handling) generalized from a single monitor into a concurrent
// provider-probe fan-out.
package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rygel/aiusagemonitor/internal/analytics"
	"github.com/rygel/aiusagemonitor/internal/config"
	"github.com/rygel/aiusagemonitor/internal/discovery"
	"github.com/rygel/aiusagemonitor/internal/notify"
	"github.com/rygel/aiusagemonitor/internal/probe"
	"github.com/rygel/aiusagemonitor/internal/registry"
	"github.com/rygel/aiusagemonitor/internal/store"
	"github.com/rygel/aiusagemonitor/internal/wshub"
	"github.com/rygel/aiusagemonitor/pkg/metrics"
)

// State is the scheduler's coarse lifecycle state.
type State string

const (
	StateIdle       State = "Idle"
	StateRefreshing State = "Refreshing"
	StateStopping   State = "Stopping"
)

const (
	// DefaultInterval is how often the scheduler wakes to run a tick.
	DefaultInterval = 5 * time.Minute
	// maxConcurrency bounds how many probes run at once within a cycle.
	maxConcurrency = 16
	// perCallDeadline bounds a single probe invocation.
	perCallDeadline = 4 * time.Second
	// NotificationThreshold is the default used percentage at or above
	// which a row fires a notification. For quota-based rows, whose
	// requestsPercentage is the remaining percent, the used percentage is
	// 100 minus it (an Open Question the spec leaves to implementation
	// judgment; 90 mirrors the "almost exhausted" framing used elsewhere in
	// the corpus' alerting code).
	NotificationThreshold = 90.0
)

// Telemetry is the scheduler's self-reported health, refreshed after every
// completed cycle.
type Telemetry struct {
	CycleCount      int64
	SuccessCount    int64
	FailureCount    int64
	LastLatency     time.Duration
	TotalLatency    time.Duration
	LastError       string
	LastCompletedAt time.Time
}

// Scheduler runs refresh cycles against a fixed set of provider probes.
type Scheduler struct {
	registry   *registry.Registry
	discoverer *discovery.Discoverer
	configs    *config.Store
	usage      *store.Store
	sink       notify.Sink

	probes            map[string]probe.Probe
	systemProviderIDs map[string]bool

	interval time.Duration

	// acquire is a 1-permit try-acquire semaphore: non-blocking send
	// succeeds iff no cycle is in progress.
	acquire chan struct{}

	mu        sync.Mutex
	state     State
	telemetry Telemetry

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}

	metrics *metrics.Collectors
	hub     *wshub.Hub
}

// SetMetrics attaches a metrics collector bundle so future cycles record
// refresh counts, per-provider probe latency, and store write errors. Safe
// to call once before Start; nil collectors (the zero value) are a no-op.
func (s *Scheduler) SetMetrics(c *metrics.Collectors) {
	s.metrics = c
}

// SetBroadcaster attaches a websocket hub so every completed cycle pushes
// its latest-per-provider snapshot to connected clients, supplementing the
// polling endpoints rather than replacing them.
func (s *Scheduler) SetBroadcaster(hub *wshub.Hub) {
	s.hub = hub
}

// New builds a Scheduler. systemProviderIDs names probes worth
// warming even with no configured credential (typically local-companion
// probes whose data shape changes regardless of an api key).
func New(
	reg *registry.Registry,
	disc *discovery.Discoverer,
	configs *config.Store,
	usage *store.Store,
	sink notify.Sink,
	probes map[string]probe.Probe,
	systemProviderIDs []string,
	interval time.Duration,
) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if sink == nil {
		sink = notify.NoopSink{}
	}

	systemSet := make(map[string]bool, len(systemProviderIDs))
	for _, id := range systemProviderIDs {
		systemSet[id] = true
	}

	return &Scheduler{
		registry:          reg,
		discoverer:        disc,
		configs:           configs,
		usage:             usage,
		sink:              sink,
		probes:            probes,
		systemProviderIDs: systemSet,
		interval:          interval,
		acquire:           make(chan struct{}, 1),
		state:             StateIdle,
		done:              make(chan struct{}),
	}
}

// State returns the scheduler's current coarse state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Telemetry returns a copy of the scheduler's self-reported health.
func (s *Scheduler) Telemetry() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.telemetry
}

// Start runs the startup policy, then loops on the configured interval
// until ctx is cancelled or Stop is called. It returns once the loop has
// exited.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer close(s.done)

	s.runStartupPolicy(runCtx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			if !s.TriggerRefresh(runCtx, false, nil) {
				log.Debug().Msg("refresh tick skipped, cycle already in progress")
			}
		}
	}
}

func (s *Scheduler) runStartupPolicy(ctx context.Context) {
	empty, err := s.usage.IsEmpty(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not determine whether history is empty at startup")
		empty = true
	}

	if empty {
		if s.discoverer != nil {
			discovered := s.discoverer.Discover()
			if err := s.configs.MergeDiscovered(discovered); err != nil {
				log.Warn().Err(err).Msg("startup discovery merge failed")
			}
		}
		s.TriggerRefresh(ctx, true, nil)
		return
	}

	systemIDs := make([]string, 0, len(s.systemProviderIDs))
	for id := range s.systemProviderIDs {
		systemIDs = append(systemIDs, id)
	}
	s.TriggerRefresh(ctx, false, systemIDs)
}

// Stop cancels the scheduler's context and waits (bounded by
// perCallDeadline plus a small grace period) for the in-flight cycle to
// observe cancellation.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = StateStopping
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}

		select {
		case <-s.done:
		case <-time.After(perCallDeadline + 2*time.Second):
			log.Warn().Msg("scheduler stop timed out waiting for in-flight cycle")
		}
	})
}

// TriggerRefresh attempts to start a cycle immediately. It returns false
// without blocking if a cycle is already in progress (the try-acquire
// semaphore that is the scheduler's only synchronization against
// overlapping cycles). includeProviderIds, when non-empty, narrows the
// active-configuration filter to just those ids.
func (s *Scheduler) TriggerRefresh(ctx context.Context, forceAll bool, includeProviderIDs []string) bool {
	select {
	case s.acquire <- struct{}{}:
	default:
		return false
	}

	s.mu.Lock()
	s.state = StateRefreshing
	s.mu.Unlock()

	s.runCycle(ctx, forceAll, includeProviderIDs)

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	<-s.acquire
	return true
}

func (s *Scheduler) runCycle(ctx context.Context, forceAll bool, includeProviderIDs []string) {
	start := time.Now()
	cfgs := s.configs.All()
	active := filterActive(cfgs, forceAll, includeProviderIDs, s.systemProviderIDs)

	results := s.fanOut(ctx, active)

	var usages []probe.Usage
	var successCount, failureCount int64
	for _, u := range results {
		if u.IsAvailable {
			successCount++
		} else {
			failureCount++
		}
		validated := probe.ValidateDetailContract(u)
		if isDegenerate(validated) {
			// Catches both a genuinely empty probe result and a detail-contract
			// violation ValidateDetailContract just downgraded to unavailable:
			// either way, no history row is written for this cycle.
			continue
		}
		usages = append(usages, validated)
	}

	for _, u := range usages {
		if _, known := s.registry.Find(u.ProviderID); !known {
			if err := s.usage.UpsertProvider(ctx, u.ProviderID, u.ProviderName, "{}"); err != nil {
				log.Warn().Err(err).Str("provider_id", u.ProviderID).Msg("auto-register child provider failed")
			}
		}
	}

	if len(usages) > 0 {
		if err := s.usage.AppendHistory(ctx, usages); err != nil {
			log.Warn().Err(err).Msg("append history failed")
			s.countStoreWriteError()
		}
		for _, u := range usages {
			if u.RawJSON != "" {
				if err := s.usage.StoreRawSnapshot(ctx, u.ProviderID, u.RawJSON, u.HTTPStatus); err != nil {
					log.Warn().Err(err).Str("provider_id", u.ProviderID).Msg("store raw snapshot failed")
					s.countStoreWriteError()
				}
			}
		}
	}

	s.detectResetsAndNotify(ctx, usages, cfgs)

	if err := s.usage.Cleanup(ctx); err != nil {
		log.Warn().Err(err).Msg("cleanup failed")
	}
	if err := s.usage.Optimize(ctx); err != nil {
		log.Warn().Err(err).Msg("optimize failed")
	}

	latency := time.Since(start)
	s.mu.Lock()
	s.telemetry.CycleCount++
	s.telemetry.SuccessCount += successCount
	s.telemetry.FailureCount += failureCount
	s.telemetry.LastLatency = latency
	s.telemetry.TotalLatency += latency
	s.telemetry.LastCompletedAt = time.Now().UTC()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RefreshCyclesTotal.WithLabelValues(cycleTrigger(forceAll, includeProviderIDs)).Inc()
	}

	if s.hub != nil && len(usages) > 0 {
		if latest, err := s.usage.LatestPerProvider(ctx, false); err == nil {
			s.hub.BroadcastUsage(latest)
		}
	}
}

func cycleTrigger(forceAll bool, includeProviderIDs []string) string {
	switch {
	case forceAll:
		return "manual"
	case len(includeProviderIDs) > 0:
		return "startup"
	default:
		return "scheduled"
	}
}

func (s *Scheduler) countStoreWriteError() {
	if s.metrics != nil {
		s.metrics.StoreWriteErrorsTotal.Inc()
	}
}

func (s *Scheduler) fanOut(ctx context.Context, cfgs []probe.Config) []probe.Usage {
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var out []probe.Usage

	for _, cfg := range cfgs {
		p, ok := s.probes[cfg.ProviderID]
		if !ok {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(cfg probe.Config, p probe.Probe) {
			defer wg.Done()
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(ctx, perCallDeadline)
			defer cancel()

			started := time.Now()
			results, err := p.Run(callCtx, cfg, nil)
			latency := time.Since(started)

			if s.metrics != nil {
				s.metrics.ProbeLatencySeconds.WithLabelValues(cfg.ProviderID).Observe(latency.Seconds())
			}

			if err != nil || len(results) == 0 {
				reason := "probe returned no result"
				if err != nil {
					reason = err.Error()
				}
				if s.metrics != nil {
					s.metrics.ProbeErrorsTotal.WithLabelValues(cfg.ProviderID).Inc()
				}
				mu.Lock()
				out = append(out, probe.Unavailable(cfg.ProviderID, cfg.ProviderID, reason, 0, latency))
				mu.Unlock()
				return
			}

			if s.metrics != nil && !results[0].IsAvailable {
				s.metrics.ProbeErrorsTotal.WithLabelValues(cfg.ProviderID).Inc()
			}

			mu.Lock()
			out = append(out, results...)
			mu.Unlock()
		}(cfg, p)
	}

	wg.Wait()
	return out
}

func (s *Scheduler) detectResetsAndNotify(ctx context.Context, usages []probe.Usage, cfgs []probe.Config) {
	cfgByID := make(map[string]probe.Config, len(cfgs))
	for _, c := range cfgs {
		cfgByID[c.ProviderID] = c
	}

	for _, u := range usages {
		if !u.IsAvailable {
			continue
		}

		history, err := s.usage.HistoryByProvider(ctx, u.ProviderID, 2)
		if err == nil && len(history) == 2 {
			previous, latest := history[1], history[0]
			if analytics.DetectReset(previous.RequestsPercentage, latest.RequestsPercentage, u.IsQuotaBased) {
				resetType := "Automatic"
				if err := s.usage.StoreResetEvent(ctx, u.ProviderID, u.ProviderName, previous.RequestsPercentage, latest.RequestsPercentage, resetType); err != nil {
					log.Warn().Err(err).Str("provider_id", u.ProviderID).Msg("store reset event failed")
					s.countStoreWriteError()
				} else {
					if s.metrics != nil {
						s.metrics.ResetEventsTotal.WithLabelValues(u.ProviderID).Inc()
					}
					if s.hub != nil {
						s.hub.BroadcastResetEvent(store.ResetEventRow{
							ProviderID:         u.ProviderID,
							ProviderName:       u.ProviderName,
							PreviousPercentage: previous.RequestsPercentage,
							NewPercentage:      latest.RequestsPercentage,
							ResetType:          resetType,
							Timestamp:          time.Now().UTC(),
						})
					}
				}
			}
		}

		usedPct := u.RequestsPercentage
		if u.IsQuotaBased {
			usedPct = 100 - u.RequestsPercentage
		}
		cfg, hasConfig := cfgByID[u.ProviderID]
		if hasConfig && cfg.EnableNotifications && usedPct >= NotificationThreshold {
			s.sink.Notify(
				"Usage threshold crossed",
				u.ProviderName+" is at "+formatPercent(usedPct)+"% of its quota",
				"threshold_crossed",
				notify.Payload{ProviderID: u.ProviderID, Percentage: usedPct, Threshold: NotificationThreshold},
			)
		}
	}
}

func formatPercent(pct float64) string {
	return strconv.Itoa(int(pct + 0.5))
}

// filterActive implements the spec's active-configuration filter:
// forceAll, system providers (always), authSource-driven, or a non-empty
// api key. includeProviderIds, when non-empty, narrows the result further.
func filterActive(cfgs []probe.Config, forceAll bool, includeProviderIDs []string, systemProviderIDs map[string]bool) []probe.Config {
	var include map[string]bool
	if len(includeProviderIDs) > 0 {
		include = make(map[string]bool, len(includeProviderIDs))
		for _, id := range includeProviderIDs {
			include[id] = true
		}
	}

	var out []probe.Config
	for _, c := range cfgs {
		if include != nil && !include[c.ProviderID] {
			continue
		}
		if forceAll || systemProviderIDs[c.ProviderID] || c.AuthSource != "" || c.APIKey != "" {
			out = append(out, c)
		}
	}
	return out
}

// isDegenerate reports whether a result carries no information: not
// available and every quantitative field is zero.
func isDegenerate(u probe.Usage) bool {
	if u.IsAvailable {
		return false
	}
	return u.RequestsUsed == 0 && u.RequestsAvailable == 0 && u.RequestsPercentage == 0 && u.CostUsed == 0 && u.CostLimit == 0
}
