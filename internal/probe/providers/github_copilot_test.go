package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rygel/aiusagemonitor/internal/probe"
)

func TestGitHubCopilotProbe_MissingTokenIsUnavailable(t *testing.T) {
	p := &GitHubCopilotProbe{}
	usages, err := p.Run(context.Background(), probe.Config{}, nil)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	require.False(t, usages[0].IsAvailable)
}

func TestGitHubCopilotProbe_ParsesUsageReport(t *testing.T) {
	p := &GitHubCopilotProbe{
		runCLI: func(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
			return "Premium requests used: 120\nIncluded in plan: 300\n", nil
		},
	}
	usages, err := p.Run(context.Background(), probe.Config{APIKey: "ghp_test"}, nil)
	require.NoError(t, err)
	require.Len(t, usages, 1)

	u := usages[0]
	require.True(t, u.IsAvailable)
	require.InDelta(t, 120, u.RequestsUsed, 0.001)
	require.InDelta(t, 300, u.RequestsAvailable, 0.001)
	require.InDelta(t, 60, u.RequestsPercentage, 0.001)
}

func TestGitHubCopilotProbe_SpawnFailureStillAvailable(t *testing.T) {
	p := &GitHubCopilotProbe{
		runCLI: func(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
			return "", errors.New("exec: \"gh\": executable file not found in $PATH")
		},
	}
	usages, err := p.Run(context.Background(), probe.Config{APIKey: "ghp_test"}, nil)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	require.True(t, usages[0].IsAvailable)
	require.Contains(t, usages[0].Description, "did not return a readable usage report")
}
