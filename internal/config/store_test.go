package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rygel/aiusagemonitor/internal/probe"
)

func TestStore_UpsertAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Upsert(probe.Config{ProviderID: "anthropic", APIKey: "sk-1"}))

	got, ok := s.Get("anthropic")
	require.True(t, ok)
	require.Equal(t, "sk-1", got.APIKey)
}

func TestStore_RoundTripsThroughDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(probe.Config{ProviderID: "openai", APIKey: "sk-2"}))

	reopened, err := Open(path)
	require.NoError(t, err)
	got, ok := reopened.Get("openai")
	require.True(t, ok)
	require.Equal(t, "sk-2", got.APIKey)
}

func TestStore_Delete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(probe.Config{ProviderID: "openai"}))
	require.NoError(t, s.Delete("openai"))

	_, ok := s.Get("openai")
	require.False(t, ok)
}

func TestStore_MergeDiscoveredDoesNotOverwriteExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(probe.Config{ProviderID: "anthropic", APIKey: "manual-key"}))

	require.NoError(t, s.MergeDiscovered([]probe.Config{
		{ProviderID: "anthropic", APIKey: "discovered-key"},
		{ProviderID: "openrouter", APIKey: "or-key"},
	}))

	anthropic, ok := s.Get("anthropic")
	require.True(t, ok)
	require.Equal(t, "manual-key", anthropic.APIKey)

	openrouter, ok := s.Get("openrouter")
	require.True(t, ok)
	require.Equal(t, "or-key", openrouter.APIKey)
}

func TestStore_ReloadPicksUpExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(probe.Config{ProviderID: "anthropic", APIKey: "sk-1"}))

	// Simulate a GUI front-end (or the user) overwriting the file directly.
	require.NoError(t, os.WriteFile(path, []byte(`{"providers":[{"provider_id":"openai","api_key":"sk-9"}]}`), 0o600))

	require.NoError(t, s.Reload())

	_, ok := s.Get("anthropic")
	require.False(t, ok)
	got, ok := s.Get("openai")
	require.True(t, ok)
	require.Equal(t, "sk-9", got.APIKey)
}

func TestWatcher_InvokesOnChangeWhenConfigFileIsWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(probe.Config{ProviderID: "anthropic", APIKey: "sk-1"}))

	changed := make(chan struct{}, 1)
	w, err := NewWatcher([]string{path}, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte(`{"providers":[{"provider_id":"openai","api_key":"sk-9"}]}`), 0o600))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not invoked after config file write")
	}
}
