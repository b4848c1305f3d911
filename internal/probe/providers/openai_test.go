package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rygel/aiusagemonitor/internal/probe"
)

func TestOpenAIProbe_MissingAPIKeyIsUnavailable(t *testing.T) {
	p := &OpenAIProbe{}
	usages, err := p.Run(context.Background(), probe.Config{}, nil)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	require.False(t, usages[0].IsAvailable)
}

func TestOpenAIProbe_ParsesUsageAndLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"total_usage": 1500, "soft_limit_usd": 50}`))
	}))
	defer srv.Close()

	p := &OpenAIProbe{BaseURL: srv.URL}
	usages, err := p.Run(context.Background(), probe.Config{APIKey: "sk-test"}, nil)
	require.NoError(t, err)
	require.Len(t, usages, 1)

	u := usages[0]
	require.True(t, u.IsAvailable)
	require.Equal(t, "USD", u.UsageUnit)
	require.InDelta(t, 15.0, u.CostUsed, 0.001)
	require.InDelta(t, 30.0, u.RequestsPercentage, 0.001)
}

func TestOpenAIProbe_UnauthorizedSurfacesSessionInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := &OpenAIProbe{BaseURL: srv.URL}
	usages, err := p.Run(context.Background(), probe.Config{APIKey: "sk-test"}, nil)
	require.NoError(t, err)
	require.Len(t, usages, 1)
	require.False(t, usages[0].IsAvailable)
	require.Contains(t, usages[0].Description, "session invalid")
}
