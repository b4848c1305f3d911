// Package config implements ConfigStore: the persisted provider
// configuration document, merged with CredentialDiscovery output, written
// atomically to disk. The on-disk layout and atomic-write discipline are
// adapted from the teacher's encrypted resource store (temp file + rename,
// 0600 permissions, in-memory cache).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rygel/aiusagemonitor/internal/probe"
)

// Preferences holds user-level settings not tied to any one provider.
type Preferences struct {
	PrivacyMode  bool `json:"privacy_mode"`
	DebugMode    bool `json:"debug_mode"`
}

// document is the single JSON file persisted to disk (spec §6.3).
type document struct {
	Providers   []probe.Config `json:"providers"`
	Preferences Preferences    `json:"preferences"`
}

// Store persists ProviderConfig entries and user preferences to a single
// JSON document, written atomically (temp file + rename), and serves reads
// from an in-memory copy guarded by a mutex.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  document
}

// Open loads path if it exists, or starts from an empty document. The
// parent directory is created with 0700 permissions if missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return s, nil
}

// All returns a copy of every persisted provider configuration.
func (s *Store) All() []probe.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]probe.Config, len(s.doc.Providers))
	copy(out, s.doc.Providers)
	return out
}

// Get returns one configuration by provider id.
func (s *Store) Get(providerID string) (probe.Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.doc.Providers {
		if c.ProviderID == providerID {
			return c, true
		}
	}
	return probe.Config{}, false
}

// Preferences returns a copy of the persisted preferences.
func (s *Store) Preferences() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Preferences
}

// Upsert inserts or replaces one provider's configuration and persists the
// document.
func (s *Store) Upsert(cfg probe.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.doc.Providers {
		if c.ProviderID == cfg.ProviderID {
			s.doc.Providers[i] = cfg
			return s.saveLocked()
		}
	}
	s.doc.Providers = append(s.doc.Providers, cfg)
	return s.saveLocked()
}

// Delete removes one provider's configuration. It is a no-op (returns nil)
// if the provider was not configured.
func (s *Store) Delete(providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.doc.Providers {
		if c.ProviderID == providerID {
			s.doc.Providers = append(s.doc.Providers[:i], s.doc.Providers[i+1:]...)
			return s.saveLocked()
		}
	}
	return nil
}

// SetPreferences replaces the persisted preferences and saves.
func (s *Store) SetPreferences(p Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Preferences = p
	return s.saveLocked()
}

// MergeDiscovered folds discovery output into the store: a provider already
// configured is left untouched except for filling in an empty apiKey/
// accountName/baseUrl field discovery was able to supply; a provider not
// yet present is inserted as-is. The merged document is persisted once.
func (s *Store) MergeDiscovered(discovered []probe.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]int, len(s.doc.Providers))
	for i, c := range s.doc.Providers {
		byID[c.ProviderID] = i
	}

	changed := false
	for _, d := range discovered {
		if i, ok := byID[d.ProviderID]; ok {
			existing := &s.doc.Providers[i]
			if existing.APIKey == "" && d.APIKey != "" {
				existing.APIKey = d.APIKey
				existing.AuthSource = d.AuthSource
				changed = true
			}
			if existing.AccountName == "" && d.AccountName != "" {
				existing.AccountName = d.AccountName
				changed = true
			}
			if existing.BaseURL == "" && d.BaseURL != "" {
				existing.BaseURL = d.BaseURL
				changed = true
			}
			continue
		}
		s.doc.Providers = append(s.doc.Providers, d)
		byID[d.ProviderID] = len(s.doc.Providers) - 1
		changed = true
	}

	if !changed {
		return nil
	}
	return s.saveLocked()
}

// Reload re-reads the document from disk, discarding the in-memory copy.
// Used by Watcher when the config file changes underneath the process
// (a user hand-editing it, or a GUI front-end writing it directly).
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.doc = document{}
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload config file: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse reloaded config file: %w", err)
	}

	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// saveLocked writes the document atomically: marshal, write to a temp file
// in the same directory, then rename over the real path. Must be called
// with s.mu held for writing.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config document: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename config file into place: %w", err)
	}

	log.Debug().Str("path", s.path).Int("providers", len(s.doc.Providers)).Msg("config store saved")
	return nil
}
