package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rygel/aiusagemonitor/internal/config"
	"github.com/rygel/aiusagemonitor/internal/discovery"
	"github.com/rygel/aiusagemonitor/internal/notify"
	"github.com/rygel/aiusagemonitor/internal/probe"
	"github.com/rygel/aiusagemonitor/internal/registry"
	"github.com/rygel/aiusagemonitor/internal/store"
	"github.com/rygel/aiusagemonitor/internal/wshub"
	"github.com/rygel/aiusagemonitor/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeProbe struct {
	id      string
	usages  []probe.Usage
	err     error
	delay   time.Duration
	calls   int
}

func (p *fakeProbe) ProviderID() string { return p.id }

func (p *fakeProbe) Run(ctx context.Context, cfg probe.Config, progress probe.Progress) ([]probe.Usage, error) {
	p.calls++
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.usages, nil
}

func newTestHarness(t *testing.T) (*Scheduler, *store.Store, *config.Store, *fakeProbe) {
	t.Helper()
	reg, err := registry.New(nil)
	require.NoError(t, err)

	usageStore, err := store.Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = usageStore.Close() })

	configStore, err := config.Open(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	require.NoError(t, configStore.Upsert(probe.Config{ProviderID: "anthropic", APIKey: "sk-1", EnableNotifications: true}))

	p := &fakeProbe{
		id: "anthropic",
		usages: []probe.Usage{{
			ProviderID: "anthropic", ProviderName: "Claude", IsAvailable: true,
			IsQuotaBased: true, RequestsPercentage: 40, FetchedAt: time.Now().UTC(),
		}},
	}

	sched := New(reg, nil, configStore, usageStore, notify.NoopSink{}, map[string]probe.Probe{"anthropic": p}, nil, time.Hour)
	return sched, usageStore, configStore, p
}

func TestTriggerRefresh_AppendsHistoryForActiveProvider(t *testing.T) {
	sched, usageStore, _, _ := newTestHarness(t)

	ok := sched.TriggerRefresh(context.Background(), false, nil)
	require.True(t, ok)

	rows, err := usageStore.LatestPerProvider(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "anthropic", rows[0].ProviderID)
}

func TestTriggerRefresh_DetailContractViolationWritesNoHistoryRow(t *testing.T) {
	reg, err := registry.New(nil)
	require.NoError(t, err)
	usageStore, err := store.Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	defer usageStore.Close()
	configStore, err := config.Open(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	require.NoError(t, configStore.Upsert(probe.Config{ProviderID: "anthropic", APIKey: "sk-1"}))

	// A QuotaWindow detail with WindowKind set to WindowNone is a
	// detail-contract violation: real usage data, but not a publishable result.
	sched := New(reg, nil, configStore, usageStore, notify.NoopSink{}, map[string]probe.Probe{"anthropic": &fakeProbe{
		id: "anthropic",
		usages: []probe.Usage{{
			ProviderID: "anthropic", ProviderName: "Claude", IsAvailable: true,
			IsQuotaBased: true, RequestsPercentage: 40, FetchedAt: time.Now().UTC(),
			Details: []probe.Detail{{
				Name:       "Primary",
				Used:       "40%",
				DetailType: probe.DetailQuotaWindow,
				WindowKind: probe.WindowNone,
			}},
		}},
	}}, nil, time.Hour)

	ok := sched.TriggerRefresh(context.Background(), false, nil)
	require.True(t, ok)

	rows, err := usageStore.LatestPerProvider(context.Background(), false)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestTriggerRefresh_SkipsWhenCycleAlreadyInProgress(t *testing.T) {
	reg, err := registry.New(nil)
	require.NoError(t, err)
	usageStore, err := store.Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	defer usageStore.Close()
	configStore, err := config.Open(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	require.NoError(t, configStore.Upsert(probe.Config{ProviderID: "anthropic", APIKey: "sk-1"}))

	slow := &fakeProbe{id: "anthropic", delay: 200 * time.Millisecond, usages: []probe.Usage{{ProviderID: "anthropic", IsAvailable: true}}}
	sched := New(reg, nil, configStore, usageStore, notify.NoopSink{}, map[string]probe.Probe{"anthropic": slow}, nil, time.Hour)

	done := make(chan bool, 1)
	go func() { done <- sched.TriggerRefresh(context.Background(), false, nil) }()
	time.Sleep(20 * time.Millisecond)

	second := sched.TriggerRefresh(context.Background(), false, nil)
	require.False(t, second)

	require.True(t, <-done)
}

func TestFilterActive_ForceAllIncludesEverything(t *testing.T) {
	cfgs := []probe.Config{{ProviderID: "a"}, {ProviderID: "b", APIKey: "k"}}
	out := filterActive(cfgs, true, nil, nil)
	require.Len(t, out, 2)
}

func TestFilterActive_WithoutForceOnlyKeyedOrSystem(t *testing.T) {
	cfgs := []probe.Config{{ProviderID: "a"}, {ProviderID: "b", APIKey: "k"}, {ProviderID: "c"}}
	systemIDs := map[string]bool{"c": true}
	out := filterActive(cfgs, false, nil, systemIDs)
	require.Len(t, out, 2)
}

func TestFilterActive_IncludeProviderIDsNarrowsSet(t *testing.T) {
	cfgs := []probe.Config{{ProviderID: "a", APIKey: "k"}, {ProviderID: "b", APIKey: "k"}}
	out := filterActive(cfgs, false, []string{"a"}, nil)
	require.Len(t, out, 1)
	require.Equal(t, "a", out[0].ProviderID)
}

func TestIsDegenerate_DropsZeroUnavailableResult(t *testing.T) {
	require.True(t, isDegenerate(probe.Usage{IsAvailable: false}))
	require.False(t, isDegenerate(probe.Usage{IsAvailable: false, RequestsUsed: 5}))
	require.False(t, isDegenerate(probe.Usage{IsAvailable: true}))
}

func TestRunStartupPolicy_EmptyHistoryRunsDiscoveryAndForcesAll(t *testing.T) {
	reg, err := registry.New([]registry.Definition{{ProviderID: "anthropic"}})
	require.NoError(t, err)
	usageStore, err := store.Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	defer usageStore.Close()
	configStore, err := config.Open(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	disc := &discovery.Discoverer{Registry: reg, ManifestPath: ""}
	p := &fakeProbe{id: "anthropic", usages: []probe.Usage{{ProviderID: "anthropic", IsAvailable: true, RequestsPercentage: 10, FetchedAt: time.Now().UTC()}}}
	sched := New(reg, disc, configStore, usageStore, notify.NoopSink{}, map[string]probe.Probe{"anthropic": p}, nil, time.Hour)

	sched.runStartupPolicy(context.Background())

	rows, err := usageStore.LatestPerProvider(context.Background(), true)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
}

func TestTriggerRefresh_RecordsMetricsWhenCollectorsAttached(t *testing.T) {
	sched, _, _, _ := newTestHarness(t)

	reg := prometheus.NewRegistry()
	collectors := metrics.New(reg)
	sched.SetMetrics(collectors)

	require.True(t, sched.TriggerRefresh(context.Background(), true, nil))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestTriggerRefresh_BroadcastsUsageWhenHubAttached(t *testing.T) {
	sched, _, _, _ := newTestHarness(t)

	hub := wshub.NewHub(func() interface{} { return nil })
	go hub.Run()
	sched.SetBroadcaster(hub)

	require.True(t, sched.TriggerRefresh(context.Background(), true, nil))
	require.Equal(t, 0, hub.ClientCount())
}
