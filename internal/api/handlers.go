package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rygel/aiusagemonitor/internal/notify"
	"github.com/rygel/aiusagemonitor/internal/probe"
	"github.com/rygel/aiusagemonitor/internal/store"
)

const defaultHistoryLimit = 100

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseBoolQuery(r *http.Request, key string) bool {
	return r.URL.Query().Get(key) == "true"
}

// handleListUsage returns the latest available row per provider, unless
// includeInactive=true, per the spec's "preserve UI continuity across
// transient outages" contract.
func (s *Server) handleListUsage(w http.ResponseWriter, r *http.Request) {
	rows, err := s.usage.LatestPerProvider(r.Context(), parseBoolQuery(r, "includeInactive"))
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if rows == nil {
		rows = []store.HistoryRow{}
	}
	Respond(w, http.StatusOK, rows)
}

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerId")
	rows, err := s.usage.LatestPerProvider(r.Context(), parseBoolQuery(r, "includeInactive"))
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	for _, row := range rows {
		if row.ProviderID == providerID {
			Respond(w, http.StatusOK, row)
			return
		}
	}
	RespondError(w, http.StatusNotFound, "not_found", "no usage recorded for provider "+providerID)
}

type refreshResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "scheduler not running")
		return
	}
	started := s.sched.TriggerRefresh(r.Context(), false, nil)
	if !started {
		Respond(w, http.StatusAccepted, refreshResponse{Message: "refresh already in progress"})
		return
	}
	Respond(w, http.StatusAccepted, refreshResponse{Message: "refresh triggered"})
}

func (s *Server) handleListConfig(w http.ResponseWriter, r *http.Request) {
	cfgs := s.configs.All()
	privacy := s.configs.Preferences().PrivacyMode

	out := make([]probe.Config, len(cfgs))
	for i, c := range cfgs {
		if privacy {
			c.APIKey = maskSecret(c.APIKey)
		}
		out[i] = c
	}
	Respond(w, http.StatusOK, out)
}

func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "********"
	}
	return secret[:4] + "********" + secret[len(secret)-4:]
}

type configMessageResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleUpsertConfig(w http.ResponseWriter, r *http.Request) {
	var cfg probe.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", "invalid config body: "+err.Error())
		return
	}
	if cfg.ProviderID == "" {
		RespondError(w, http.StatusBadRequest, "bad_request", "provider_id is required")
		return
	}
	if err := s.configs.Upsert(cfg); err != nil {
		RespondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	Respond(w, http.StatusOK, configMessageResponse{Message: "configuration saved"})
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerId")
	if err := s.configs.Delete(providerID); err != nil {
		RespondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	Respond(w, http.StatusOK, configMessageResponse{Message: "configuration removed"})
}

type scanKeysResponse struct {
	Discovered int             `json:"discovered"`
	Configs    []probe.Config  `json:"configs"`
}

func (s *Server) handleScanKeys(w http.ResponseWriter, r *http.Request) {
	if s.discoverer == nil {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "credential discovery not configured")
		return
	}

	discovered := s.discoverer.Discover()
	if err := s.configs.MergeDiscovered(discovered); err != nil {
		RespondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}

	if s.sched != nil {
		s.sched.TriggerRefresh(r.Context(), true, nil)
	}

	Respond(w, http.StatusOK, scanKeysResponse{Discovered: len(discovered), Configs: s.configs.All()})
}

func (s *Server) handleRecentHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := s.usage.RecentHistory(r.Context(), parseLimit(r, defaultHistoryLimit))
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if rows == nil {
		rows = []store.HistoryRow{}
	}
	Respond(w, http.StatusOK, rows)
}

func (s *Server) handleProviderHistory(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerId")
	rows, err := s.usage.HistoryByProvider(r.Context(), providerID, parseLimit(r, defaultHistoryLimit))
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if rows == nil {
		rows = []store.HistoryRow{}
	}
	Respond(w, http.StatusOK, rows)
}

func (s *Server) handleResetEvents(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerId")
	rows, err := s.usage.ResetEventsByProvider(r.Context(), providerID, parseLimit(r, defaultHistoryLimit))
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if rows == nil {
		rows = []store.ResetEventRow{}
	}
	Respond(w, http.StatusOK, rows)
}

func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	s.sink.Notify(
		"Test notification",
		"This is a test notification from the usage monitor.",
		"test",
		notify.Payload{},
	)
	Respond(w, http.StatusOK, configMessageResponse{Message: "test notification sent"})
}
