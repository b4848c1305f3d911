// Package registry holds the static, compiled-in catalog of every provider
// this agent recognizes, including some it has no probe for: stable IDs, display names, plan class and
// aliasing. It never touches the network or disk.
package registry

import (
	"fmt"
	"strings"
)

// PlanClass distinguishes quota-style providers (a remaining-percent budget
// that resets on a schedule) from usage-style providers (an accumulating
// spend or token count with no fixed ceiling).
type PlanClass string

const (
	PlanClassCoding PlanClass = "Coding"
	PlanClassUsage  PlanClass = "Usage"
)

// Definition is the static metadata compiled into the binary for one
// provider. It never changes at runtime.
type Definition struct {
	ProviderID    string
	DisplayName   string
	PlanClass     PlanClass
	IsQuotaBased  bool
	LogoKey       string
	HandledIDs    []string
	// DisplayNameOverrides maps an alias (usually a child id) to a
	// human-friendly name distinct from DisplayName.
	DisplayNameOverrides map[string]string
	// SupportsChildren indicates the probe for this provider may emit
	// per-model or per-window child rows alongside its summary row.
	SupportsChildren bool
}

// ErrDuplicateProvider is returned by New when two definitions claim the
// same id or alias (case-insensitive).
type ErrDuplicateProvider struct {
	ID string
}

func (e *ErrDuplicateProvider) Error() string {
	return fmt.Sprintf("registry: duplicate provider id %q", e.ID)
}

// Registry is a read-only catalog built once at startup.
type Registry struct {
	byID map[string]*Definition
}

// New builds a Registry from a set of definitions, failing if any two
// definitions claim the same id (checked across ProviderID and HandledIDs,
// case-insensitively).
func New(defs []Definition) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Definition, len(defs)*2)}
	for i := range defs {
		d := &defs[i]
		ids := append([]string{d.ProviderID}, d.HandledIDs...)
		for _, id := range ids {
			key := strings.ToLower(id)
			if _, exists := r.byID[key]; exists {
				return nil, &ErrDuplicateProvider{ID: id}
			}
			r.byID[key] = d
		}
	}
	return r, nil
}

// Find looks up a definition by provider id or any of its aliases.
func (r *Registry) Find(id string) (*Definition, bool) {
	d, ok := r.byID[strings.ToLower(id)]
	return d, ok
}

// DisplayName resolves the best display name for an id: an override for
// that exact alias, then the definition's own DisplayName, then fallback,
// then the id itself.
func (r *Registry) DisplayName(id, fallback string) string {
	d, ok := r.Find(id)
	if !ok {
		if fallback != "" {
			return fallback
		}
		return id
	}
	if d.DisplayNameOverrides != nil {
		if override, ok := d.DisplayNameOverrides[id]; ok && override != "" {
			return override
		}
	}
	if d.DisplayName != "" {
		return d.DisplayName
	}
	if fallback != "" {
		return fallback
	}
	return id
}

// All returns every distinct definition in the registry (deduplicated by
// pointer identity, since a definition may be indexed under several keys).
func (r *Registry) All() []*Definition {
	seen := make(map[*Definition]bool)
	out := make([]*Definition, 0, len(r.byID))
	for _, d := range r.byID {
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// WellKnown returns the compiled-in catalog of recognized AI-coding
// providers. CredentialDiscovery seeds every one of these with an empty
// configuration so the registry always surfaces them, even unconfigured.
func WellKnown() []Definition {
	return []Definition{
		{
			ProviderID:       "anthropic",
			DisplayName:      "Anthropic Claude",
			PlanClass:        PlanClassCoding,
			IsQuotaBased:     true,
			LogoKey:          "anthropic",
			HandledIDs:       []string{"claude"},
			SupportsChildren: true,
		},
		{
			ProviderID:       "openai",
			DisplayName:      "OpenAI",
			PlanClass:        PlanClassUsage,
			IsQuotaBased:     false,
			LogoKey:          "openai",
			SupportsChildren: true,
		},
		{
			ProviderID:       "openrouter",
			DisplayName:      "OpenRouter",
			PlanClass:        PlanClassUsage,
			IsQuotaBased:     false,
			LogoKey:          "openrouter",
			SupportsChildren: true,
		},
		{
			ProviderID:       "github-copilot",
			DisplayName:      "GitHub Copilot",
			PlanClass:        PlanClassCoding,
			IsQuotaBased:     true,
			LogoKey:          "copilot",
			HandledIDs:       []string{"copilot"},
			SupportsChildren: true,
		},
		{
			ProviderID:       "cursor",
			DisplayName:      "Cursor",
			PlanClass:        PlanClassCoding,
			IsQuotaBased:     true,
			LogoKey:          "cursor",
			SupportsChildren: true,
		},
		{
			ProviderID:       "windsurf",
			DisplayName:      "Windsurf",
			PlanClass:        PlanClassCoding,
			IsQuotaBased:     true,
			LogoKey:          "windsurf",
			SupportsChildren: true,
		},
		{
			ProviderID:   "gemini-code-assist",
			DisplayName:  "Gemini Code Assist",
			PlanClass:    PlanClassCoding,
			IsQuotaBased: true,
			LogoKey:      "gemini",
			HandledIDs:   []string{"gemini"},
		},
		{
			ProviderID:   "deepseek",
			DisplayName:  "DeepSeek",
			PlanClass:    PlanClassUsage,
			IsQuotaBased: false,
			LogoKey:      "deepseek",
		},
	}
}
