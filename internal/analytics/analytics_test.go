package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rygel/aiusagemonitor/internal/store"
)

func TestDetectReset_UsageBasedHighToLow(t *testing.T) {
	require.True(t, DetectReset(82, 5, false))
	require.False(t, DetectReset(50, 5, false))
}

func TestDetectReset_QuotaBasedLowToHigh(t *testing.T) {
	require.True(t, DetectReset(5, 95, true))
	require.False(t, DetectReset(5, 50, true))
}

func rowAt(t time.Time, used, available float64) store.HistoryRow {
	return store.HistoryRow{FetchedAt: t, RequestsUsed: used, RequestsAvailable: available}
}

func TestForecastBurnRate_ProjectsExhaustion(t *testing.T) {
	base := time.Now().UTC()
	rows := []store.HistoryRow{
		rowAt(base, 10, 100),
		rowAt(base.Add(1*time.Hour), 20, 100),
		rowAt(base.Add(2*time.Hour), 30, 100),
	}

	forecast := ForecastBurnRate(rows)
	require.True(t, forecast.Available)
	require.InDelta(t, 0.1, forecast.SlopePerHour, 0.0001)
	require.True(t, forecast.ExhaustionAt.After(base))
}

func TestForecastBurnRate_UnavailableOnTooFewSamples(t *testing.T) {
	forecast := ForecastBurnRate([]store.HistoryRow{rowAt(time.Now(), 10, 100)})
	require.False(t, forecast.Available)
}

func TestForecastBurnRate_UnavailableOnNonPositiveSlope(t *testing.T) {
	base := time.Now().UTC()
	rows := []store.HistoryRow{
		rowAt(base, 30, 100),
		rowAt(base.Add(1*time.Hour), 20, 100),
	}
	forecast := ForecastBurnRate(rows)
	require.False(t, forecast.Available)
}

func TestReliability_ComputesFailureRatioAndLatency(t *testing.T) {
	base := time.Now().UTC()
	rows := []store.HistoryRow{
		{IsAvailable: true, ResponseLatencyMs: 100, FetchedAt: base},
		{IsAvailable: true, ResponseLatencyMs: 200, FetchedAt: base.Add(time.Hour)},
		{IsAvailable: false, FetchedAt: base.Add(2 * time.Hour)},
	}
	snap := Reliability(rows)
	require.True(t, snap.Available)
	require.InDelta(t, 1.0/3.0, snap.FailureRatio, 0.0001)
	require.InDelta(t, 150, snap.AverageLatencyMs, 0.0001)
	require.Equal(t, base.Add(time.Hour), snap.LastSuccessfulSync)
}

func TestReliability_UnavailableOnEmptyRows(t *testing.T) {
	snap := Reliability(nil)
	require.False(t, snap.Available)
}

func TestDetectAnomaly_FlagsLargeLatestDelta(t *testing.T) {
	base := time.Now().UTC()
	rows := []store.HistoryRow{
		rowAt(base, 0, 100),
		rowAt(base.Add(time.Hour), 10, 100),
		rowAt(base.Add(2*time.Hour), 20, 100),
		rowAt(base.Add(3*time.Hour), 90, 100),
	}
	snap := DetectAnomaly(rows, 1)
	require.True(t, snap.Available)
	require.True(t, snap.IsAnomalous)
}

func TestDetectAnomaly_UnavailableOnTooFewRows(t *testing.T) {
	snap := DetectAnomaly([]store.HistoryRow{{}, {}}, 0)
	require.False(t, snap.Available)
}
