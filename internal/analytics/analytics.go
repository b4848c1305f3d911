// Package analytics computes derived, ephemeral views over usage history:
// reset detection, burn-rate forecasting, reliability, and anomaly
// snapshots. Every exported function is pure and never panics; when the
// input sample set doesn't support a meaningful answer it returns an
// Unavailable sentinel instead of an error.
package analytics

import (
	"math"
	"time"

	"github.com/rygel/aiusagemonitor/internal/store"
)

const (
	// ResetHigh and ResetLow are the default thresholds for reset
	// detection; usage-based providers reset high-to-low, quota-based
	// providers reset low-to-high.
	ResetHigh = 80.0
	ResetLow  = 20.0

	// DefaultAnomalyK is the default standard-deviation multiplier used
	// to flag an anomalous delta.
	DefaultAnomalyK = 3.0
)

// DetectReset reports whether the transition from previous to latest
// satisfies the reset predicate for a provider with the given quota
// polarity.
func DetectReset(previousPct, latestPct float64, isQuotaBased bool) bool {
	if isQuotaBased {
		return previousPct <= ResetLow && latestPct >= ResetHigh
	}
	return previousPct >= ResetHigh && latestPct <= ResetLow
}

// BurnRateForecast is the result of fitting a line to the fraction of
// quota consumed over time and projecting when it crosses 1.0.
type BurnRateForecast struct {
	Available        bool      `json:"available"`
	Reason           string    `json:"reason,omitempty"`
	SlopePerHour     float64   `json:"slope_per_hour,omitempty"`
	ExhaustionAt     time.Time `json:"exhaustion_at,omitempty"`
	SampleCount      int       `json:"sample_count"`
}

func unavailableBurnRate(reason string, sampleCount int) BurnRateForecast {
	return BurnRateForecast{Available: false, Reason: reason, SampleCount: sampleCount}
}

// ForecastBurnRate fits a least-squares line to (t, requestsUsed /
// requestsAvailable) over rows and projects the crossing of 1.0.
func ForecastBurnRate(rows []store.HistoryRow) BurnRateForecast {
	samples := burnRateSamples(rows)
	if len(samples) < 2 {
		return unavailableBurnRate("fewer than two usable samples", len(samples))
	}

	slope, intercept := leastSquares(samples)
	if slope <= 0 {
		return unavailableBurnRate("non-positive burn rate", len(samples))
	}

	// fraction(t) = intercept + slope*t, t in hours since first sample;
	// solve for fraction(t) = 1.0
	tCross := (1.0 - intercept) / slope
	first := samples[0].t0
	exhaustion := first.Add(time.Duration(tCross * float64(time.Hour)))

	return BurnRateForecast{
		Available:    true,
		SlopePerHour: slope,
		ExhaustionAt: exhaustion,
		SampleCount:  len(samples),
	}
}

type burnRateSample struct {
	hoursSinceFirst float64
	fraction        float64
	t0              time.Time
}

func burnRateSamples(rows []store.HistoryRow) []burnRateSample {
	var usable []store.HistoryRow
	for _, r := range rows {
		if r.RequestsAvailable > 0 {
			usable = append(usable, r)
		}
	}
	if len(usable) == 0 {
		return nil
	}
	first := usable[0].FetchedAt
	out := make([]burnRateSample, 0, len(usable))
	for _, r := range usable {
		out = append(out, burnRateSample{
			hoursSinceFirst: r.FetchedAt.Sub(first).Hours(),
			fraction:        r.RequestsUsed / r.RequestsAvailable,
			t0:              first,
		})
	}
	return out
}

// leastSquares fits fraction = intercept + slope*hoursSinceFirst.
func leastSquares(samples []burnRateSample) (slope, intercept float64) {
	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		sumX += s.hoursSinceFirst
		sumY += s.fraction
		sumXY += s.hoursSinceFirst * s.fraction
		sumXX += s.hoursSinceFirst * s.hoursSinceFirst
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

// ReliabilitySnapshot summarizes how dependable a provider's probe has
// been over the sampled window.
type ReliabilitySnapshot struct {
	Available          bool      `json:"available"`
	Reason             string    `json:"reason,omitempty"`
	FailureRatio       float64   `json:"failure_ratio"`
	AverageLatencyMs   float64   `json:"average_latency_ms"`
	LastSuccessfulSync time.Time `json:"last_successful_sync,omitempty"`
	SampleCount        int       `json:"sample_count"`
}

// Reliability computes failure ratio, average latency over available
// samples, the last successful sync timestamp, and the sample count.
func Reliability(rows []store.HistoryRow) ReliabilitySnapshot {
	if len(rows) == 0 {
		return ReliabilitySnapshot{Available: false, Reason: "no samples"}
	}

	var failures int
	var latencySum float64
	var latencyCount int
	var lastSuccess time.Time

	for _, r := range rows {
		if !r.IsAvailable {
			failures++
			continue
		}
		latencySum += float64(r.ResponseLatencyMs)
		latencyCount++
		if r.FetchedAt.After(lastSuccess) {
			lastSuccess = r.FetchedAt
		}
	}

	avgLatency := 0.0
	if latencyCount > 0 {
		avgLatency = latencySum / float64(latencyCount)
	}

	return ReliabilitySnapshot{
		Available:          true,
		FailureRatio:       float64(failures) / float64(len(rows)),
		AverageLatencyMs:   avgLatency,
		LastSuccessfulSync: lastSuccess,
		SampleCount:        len(rows),
	}
}

// AnomalySnapshot flags whether the most recent usage delta is
// statistically anomalous relative to the sampled window's history.
type AnomalySnapshot struct {
	Available    bool    `json:"available"`
	Reason       string  `json:"reason,omitempty"`
	MeanDelta    float64 `json:"mean_delta"`
	StdDevDelta  float64 `json:"stddev_delta"`
	LatestDelta  float64 `json:"latest_delta"`
	IsAnomalous  bool    `json:"is_anomalous"`
	SampleCount  int     `json:"sample_count"`
}

// DetectAnomaly computes the mean and standard deviation of per-sample
// deltas in requestsUsed and flags the most recent delta if it exceeds
// mean + k*stddev. k defaults to DefaultAnomalyK when k <= 0.
func DetectAnomaly(rows []store.HistoryRow, k float64) AnomalySnapshot {
	if k <= 0 {
		k = DefaultAnomalyK
	}
	if len(rows) < 3 {
		return AnomalySnapshot{Available: false, Reason: "fewer than three samples"}
	}

	deltas := make([]float64, 0, len(rows)-1)
	for i := 1; i < len(rows); i++ {
		deltas = append(deltas, rows[i].RequestsUsed-rows[i-1].RequestsUsed)
	}

	mean := meanOf(deltas)
	stddev := stdDevOf(deltas, mean)
	latest := deltas[len(deltas)-1]

	return AnomalySnapshot{
		Available:   true,
		MeanDelta:   mean,
		StdDevDelta: stddev,
		LatestDelta: latest,
		IsAnomalous: latest > mean+k*stddev,
		SampleCount: len(rows),
	}
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDevOf(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}
