package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rygel/aiusagemonitor/internal/config"
	"github.com/rygel/aiusagemonitor/internal/discovery"
	"github.com/rygel/aiusagemonitor/internal/notify"
	"github.com/rygel/aiusagemonitor/internal/probe"
	"github.com/rygel/aiusagemonitor/internal/registry"
	"github.com/rygel/aiusagemonitor/internal/scheduler"
	"github.com/rygel/aiusagemonitor/internal/store"
)

type recordingSink struct {
	calls int
}

func (r *recordingSink) Notify(title, body, action string, payload notify.Payload) {
	r.calls++
}

func newTestServer(t *testing.T) (*Server, *store.Store, *config.Store) {
	t.Helper()

	reg, err := registry.New(registry.WellKnown())
	require.NoError(t, err)

	cfgStore, err := config.Open(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	usage, err := store.Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { usage.Close() })

	disc := &discovery.Discoverer{Registry: reg}

	sched := scheduler.New(reg, disc, cfgStore, usage, nil, map[string]probe.Probe{}, nil, time.Hour)

	sink := &recordingSink{}
	srv := NewServer(reg, cfgStore, usage, sched, disc, sink, nil, nil, 4405, false)
	return srv, usage, cfgStore
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, 4405, body.Port)
}

func TestHandleListUsage_EmptyStoreReturnsEmptyArray(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())
}

func TestHandleGetUsage_ReturnsLatestRowForProvider(t *testing.T) {
	srv, usage, _ := newTestServer(t)

	require.NoError(t, usage.UpsertProvider(context.Background(), "anthropic", "Anthropic", "{}"))
	require.NoError(t, usage.AppendHistory(context.Background(), []probe.Usage{{
		ProviderID:         "anthropic",
		ProviderName:       "Anthropic",
		IsAvailable:        true,
		RequestsUsed:       40,
		RequestsAvailable:  100,
		RequestsPercentage: 40,
		FetchedAt:          time.Now().UTC(),
	}}))

	req := httptest.NewRequest(http.MethodGet, "/api/usage/anthropic", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var row store.HistoryRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	require.Equal(t, "anthropic", row.ProviderID)
	require.Equal(t, 40.0, row.RequestsPercentage)
}

func TestHandleGetUsage_UnknownProviderReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/usage/unknown", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleUpsertConfig_PersistsAndRejectsMissingProviderID(t *testing.T) {
	srv, _, cfgStore := newTestServer(t)

	body := []byte(`{"provider_id":"openai","api_key":"sk-test"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got, ok := cfgStore.Get("openai")
	require.True(t, ok)
	require.Equal(t, "sk-test", got.APIKey)

	badReq := httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader("{}"))
	badRec := httptest.NewRecorder()
	srv.Router.ServeHTTP(badRec, badReq)
	require.Equal(t, http.StatusBadRequest, badRec.Code)
}

func TestHandleListConfig_MasksAPIKeyWhenPrivacyModeOn(t *testing.T) {
	srv, _, cfgStore := newTestServer(t)

	require.NoError(t, cfgStore.Upsert(probe.Config{ProviderID: "openai", APIKey: "sk-1234567890"}))
	require.NoError(t, cfgStore.SetPreferences(config.Preferences{PrivacyMode: true}))

	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var cfgs []probe.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfgs))
	require.Len(t, cfgs, 1)
	require.NotEqual(t, "sk-1234567890", cfgs[0].APIKey)
	require.Contains(t, cfgs[0].APIKey, "********")
}

func TestHandleDeleteConfig_RemovesProvider(t *testing.T) {
	srv, _, cfgStore := newTestServer(t)
	require.NoError(t, cfgStore.Upsert(probe.Config{ProviderID: "openai"}))

	req := httptest.NewRequest(http.MethodDelete, "/api/config/openai", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := cfgStore.Get("openai")
	require.False(t, ok)
}

func TestHandleTestNotification_InvokesSink(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/notifications/test", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, srv.sink.(*recordingSink).calls)
}

func TestHandleRecentHistory_ReturnsAppendedRows(t *testing.T) {
	srv, usage, _ := newTestServer(t)

	require.NoError(t, usage.UpsertProvider(context.Background(), "anthropic", "Anthropic", "{}"))
	require.NoError(t, usage.AppendHistory(context.Background(), []probe.Usage{{
		ProviderID:   "anthropic",
		ProviderName: "Anthropic",
		IsAvailable:  true,
		FetchedAt:    time.Now().UTC(),
	}}))

	req := httptest.NewRequest(http.MethodGet, "/api/history?limit=10", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var rows []store.HistoryRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
}

func TestHandleDiagnostics_ReportsSchedulerState(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/diagnostics", nil)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var diag diagnosticsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &diag))
	require.Equal(t, 4405, diag.Port)
	require.NotEmpty(t, diag.Endpoints)
}
