package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rygel/aiusagemonitor/internal/registry"
)

func TestDiscover_SeedsWellKnownProviders(t *testing.T) {
	reg, err := registry.New(registry.WellKnown())
	require.NoError(t, err)

	d := &Discoverer{HomeDir: t.TempDir(), Registry: reg}
	configs := d.Discover()
	require.NotEmpty(t, configs)

	found := false
	for _, c := range configs {
		if c.ProviderID == "anthropic" {
			found = true
		}
	}
	require.True(t, found, "expected anthropic to be seeded from the registry")
}

func TestDiscover_EnvVarTakesPrecedenceOverAuthFile(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".config", "anthropic"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(home, ".config", "anthropic", "accounts.json"),
		[]byte(`{"apiKey":"from-file"}`), 0o600))

	t.Setenv("ANTHROPIC_API_KEY", "from-env")

	d := &Discoverer{
		HomeDir:   home,
		EnvTable:  DefaultEnvTable,
		AuthFiles: DefaultAuthFiles,
	}
	configs := d.Discover()

	var anthropic *string
	for _, c := range configs {
		if c.ProviderID == "anthropic" {
			v := c.APIKey
			anthropic = &v
		}
	}
	require.NotNil(t, anthropic)
	require.Equal(t, "from-env", *anthropic)
}

func TestDiscover_AuthFileUsedWhenNoEnvVar(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".cursor"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(home, ".cursor", "auth.json"),
		[]byte(`{"token":"cursor-token","email":"u@example.com"}`), 0o600))

	d := &Discoverer{HomeDir: home, AuthFiles: DefaultAuthFiles}
	configs := d.Discover()

	var cursor *string
	for _, c := range configs {
		if c.ProviderID == "cursor" {
			v := c.APIKey
			cursor = &v
		}
	}
	require.NotNil(t, cursor)
	require.Equal(t, "cursor-token", *cursor)
}

func TestDiscover_RooConfigNestedJSONStringIsTraversed(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".config", "roo"), 0o755))

	nested := `{"apiKey":"roo-nested-key"}`
	outerDoc := `{"rooConfig":` + jsonQuote(nested) + `}`
	require.NoError(t, os.WriteFile(
		filepath.Join(home, ".config", "roo", "settings.json"),
		[]byte(outerDoc), 0o600))

	d := &Discoverer{HomeDir: home, AuthFiles: DefaultAuthFiles}
	configs := d.Discover()

	var roo *string
	for _, c := range configs {
		if c.ProviderID == "roo" {
			v := c.APIKey
			roo = &v
		}
	}
	require.NotNil(t, roo)
	require.Equal(t, "roo-nested-key", *roo)
}

func TestDiscover_ManifestContributesCustomProvider(t *testing.T) {
	home := t.TempDir()
	manifestPath := filepath.Join(home, "providers.toml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`
[[providers]]
id = "my-self-hosted"
display_name = "My Self Hosted"
base_url = "https://llm.example.internal"
`), 0o600))

	d := &Discoverer{HomeDir: home, ManifestPath: manifestPath}
	configs := d.Discover()

	var custom *string
	for _, c := range configs {
		if c.ProviderID == "my-self-hosted" {
			v := c.BaseURL
			custom = &v
		}
	}
	require.NotNil(t, custom)
	require.Equal(t, "https://llm.example.internal", *custom)
}

func jsonQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for _, r := range s {
		if r == '"' {
			out = append(out, '\\', '"')
		} else {
			out = append(out, byte(r))
		}
	}
	out = append(out, '"')
	return string(out)
}
