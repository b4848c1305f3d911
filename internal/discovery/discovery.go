// Package discovery implements CredentialDiscovery: scanning environment
// variables, known on-disk auth files, and a user-editable manifest to
// produce candidate provider configurations. It performs no network I/O and
// is safe to call repeatedly.
package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"

	"github.com/rygel/aiusagemonitor/internal/probe"
	"github.com/rygel/aiusagemonitor/internal/registry"
)

// EnvVarAlias maps one or more environment variable names to a provider id.
// Multiple names may point at the same id (spec §4.3 item 2).
type EnvVarAlias struct {
	ProviderID string
	EnvNames   []string
}

// DefaultEnvTable is the compiled-in env-var → provider mapping. Adding a
// new alias here is backward-compatible; removing one is a breaking change
// to the external env-var contract (spec §6.5).
var DefaultEnvTable = []EnvVarAlias{
	{ProviderID: "anthropic", EnvNames: []string{"ANTHROPIC_API_KEY", "CLAUDE_API_KEY"}},
	{ProviderID: "openai", EnvNames: []string{"OPENAI_API_KEY"}},
	{ProviderID: "openrouter", EnvNames: []string{"OPENROUTER_API_KEY"}},
	{ProviderID: "github-copilot", EnvNames: []string{"GITHUB_TOKEN", "GH_TOKEN"}},
	{ProviderID: "deepseek", EnvNames: []string{"DEEPSEEK_API_KEY"}},
}

// AuthFilePath describes one known on-disk credential file for a provider,
// relative to the user's home directory.
type AuthFilePath struct {
	ProviderID   string
	RelativePath string
	// RooConfigKey, if set, names a field in the parsed JSON document whose
	// value is itself a JSON-encoded string (the "roo config" embedding
	// pattern) that must be re-parsed for its own apiKey/baseUrl fields.
	RooConfigKey string
}

// DefaultAuthFiles is the compiled-in list of known on-disk credential
// files this agent recognizes.
var DefaultAuthFiles = []AuthFilePath{
	{ProviderID: "anthropic", RelativePath: filepath.Join(".config", "anthropic", "accounts.json")},
	{ProviderID: "gemini-code-assist", RelativePath: filepath.Join(".config", "gemini-code-assist", "accounts.json")},
	{ProviderID: "cursor", RelativePath: filepath.Join(".cursor", "auth.json")},
	{ProviderID: "roo", RelativePath: filepath.Join(".config", "roo", "settings.json"), RooConfigKey: "rooConfig"},
}

// ManifestPath is the user-editable custom-providers file (spec §4.3 item 4
// / SPEC_FULL supplemented feature 5), a var so tests can redirect it.
var ManifestPath = func() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "aiusagemonitor", "providers.toml")
}

type manifestDocument struct {
	Providers []manifestProvider `toml:"providers"`
}

type manifestProvider struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
	BaseURL     string `toml:"base_url"`
	APIKeyEnv   string `toml:"api_key_env"`
}

// Discoverer runs CredentialDiscovery against the real filesystem and
// environment.
type Discoverer struct {
	HomeDir      string
	EnvTable     []EnvVarAlias
	AuthFiles    []AuthFilePath
	ManifestPath string
	Registry     *registry.Registry
}

// New builds a Discoverer with the compiled-in env table and auth file
// list, using the real home directory and manifest path.
func New(reg *registry.Registry) *Discoverer {
	home, _ := os.UserHomeDir()
	return &Discoverer{
		HomeDir:      home,
		EnvTable:     DefaultEnvTable,
		AuthFiles:    DefaultAuthFiles,
		ManifestPath: ManifestPath(),
		Registry:     reg,
	}
}

// Discover runs every source in priority order (seeded well-known
// providers, then env vars, then auth files, then the manifest) and merges
// them: a later source never overwrites a non-empty key an earlier source
// already set.
func (d *Discoverer) Discover() []probe.Config {
	byID := make(map[string]*probe.Config)
	order := make([]string, 0)

	ensure := func(id string) *probe.Config {
		if cfg, ok := byID[id]; ok {
			return cfg
		}
		cfg := &probe.Config{ProviderID: id}
		byID[id] = cfg
		order = append(order, id)
		return cfg
	}

	// 1. Well-known providers seeded with empty keys.
	if d.Registry != nil {
		for _, def := range d.Registry.All() {
			ensure(def.ProviderID)
		}
	}

	// 2. Environment variables.
	for _, alias := range d.EnvTable {
		cfg := ensure(alias.ProviderID)
		if cfg.APIKey != "" {
			continue
		}
		for _, name := range alias.EnvNames {
			if v := os.Getenv(name); v != "" {
				cfg.APIKey = v
				cfg.AuthSource = "env"
				break
			}
		}
	}

	// 3. Known on-disk auth files.
	for _, spec := range d.AuthFiles {
		d.scanAuthFile(ensure, spec)
	}

	// 4. User-editable manifest.
	d.scanManifest(ensure)

	out := make([]probe.Config, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func (d *Discoverer) scanAuthFile(ensure func(string) *probe.Config, spec AuthFilePath) {
	path := filepath.Join(d.HomeDir, spec.RelativePath)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Debug().Str("path", path).Err(err).Msg("auth file did not parse as JSON")
		return
	}

	cfg := ensure(spec.ProviderID)
	applyAuthFields(cfg, probe.RawObject(doc))

	if spec.RooConfigKey == "" {
		return
	}
	nested, ok := doc[spec.RooConfigKey].(string)
	if !ok || nested == "" {
		return
	}
	var nestedDoc map[string]interface{}
	if err := json.Unmarshal([]byte(nested), &nestedDoc); err != nil {
		return
	}
	applyAuthFields(cfg, probe.RawObject(nestedDoc))
}

func applyAuthFields(cfg *probe.Config, obj probe.RawObject) {
	if cfg.APIKey == "" {
		if key := obj.FirstString("apiKey", "api_key", "token", "access_token"); key != "" {
			cfg.APIKey = key
			cfg.AuthSource = "discovered"
		}
	}
	if cfg.BaseURL == "" {
		if base := obj.FirstString("baseUrl", "base_url", "endpoint"); base != "" {
			cfg.BaseURL = base
		}
	}
	if cfg.AccountName == "" {
		if name := obj.FirstString("email", "accountName", "account_name"); name != "" {
			cfg.AccountName = name
		}
	}
}

func (d *Discoverer) scanManifest(ensure func(string) *probe.Config) {
	path := d.ManifestPath
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var doc manifestDocument
	if _, err := toml.Decode(string(data), &doc); err != nil {
		log.Warn().Str("path", path).Err(err).Msg("providers manifest did not parse")
		return
	}

	for _, mp := range doc.Providers {
		id := strings.TrimSpace(mp.ID)
		if id == "" {
			continue
		}
		cfg := ensure(id)
		if cfg.BaseURL == "" {
			cfg.BaseURL = mp.BaseURL
		}
		if cfg.APIKey == "" && mp.APIKeyEnv != "" {
			if v := os.Getenv(mp.APIKeyEnv); v != "" {
				cfg.APIKey = v
				cfg.AuthSource = "env"
			}
		}
		if cfg.AccountName == "" && mp.DisplayName != "" {
			cfg.AccountName = mp.DisplayName
		}
	}
}
