package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rygel/aiusagemonitor/internal/probe"
)

func TestWindsurfProbe_NoCompanionAndNoCacheIsUnavailable(t *testing.T) {
	p := &WindsurfProbe{
		ListProcs: func(ctx context.Context) ([]companionProcess, error) {
			return nil, nil
		},
	}
	usages, err := p.Run(context.Background(), probe.Config{}, nil)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	require.False(t, usages[0].IsAvailable)
}

func TestWindsurfProbe_FallsBackToCacheWhenCompanionGone(t *testing.T) {
	p := &WindsurfProbe{
		ListProcs: func(ctx context.Context) ([]companionProcess, error) {
			return nil, nil
		},
	}
	future := time.Now().UTC().Add(time.Hour)
	p.cached = &probe.Usage{
		ProviderID:         "windsurf",
		IsAvailable:        true,
		RequestsPercentage: 75,
		NextResetTime:      &future,
	}

	usages, err := p.Run(context.Background(), probe.Config{}, nil)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	require.True(t, usages[0].IsAvailable)
	require.Contains(t, usages[0].Description, "last known usage")
	require.InDelta(t, 75, usages[0].RequestsPercentage, 0.001)
}

func TestWindsurfProbe_CachedResultZeroedAfterResetTimePasses(t *testing.T) {
	p := &WindsurfProbe{
		ListProcs: func(ctx context.Context) ([]companionProcess, error) {
			return nil, nil
		},
	}
	past := time.Now().UTC().Add(-time.Hour)
	p.cached = &probe.Usage{
		ProviderID:         "windsurf",
		IsAvailable:        true,
		RequestsPercentage: 75,
		NextResetTime:      &past,
	}

	usages, err := p.Run(context.Background(), probe.Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, float64(0), usages[0].RequestsPercentage)
	require.Nil(t, usages[0].NextResetTime)
}

func TestFindCompanionFlags(t *testing.T) {
	token, port, ok := findCompanionFlags("--csrf_token abc123 --extension_server_port 40400")
	require.True(t, ok)
	require.Equal(t, "abc123", token)
	require.Equal(t, "40400", port)
}
