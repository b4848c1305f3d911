package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rygel/aiusagemonitor/internal/probe"
)

// HistoryRow is one persisted row from provider_history, immutable after
// write.
type HistoryRow struct {
	ID                 int64           `json:"id"`
	ProviderID         string          `json:"provider_id"`
	ProviderName       string          `json:"provider_name"`
	IsAvailable        bool            `json:"is_available"`
	IsQuotaBased       bool            `json:"is_quota_based"`
	PlanClass          string          `json:"plan_class"`
	RequestsUsed       float64         `json:"requests_used"`
	RequestsAvailable  float64         `json:"requests_available"`
	RequestsPercentage float64         `json:"requests_percentage"`
	UsageUnit          string          `json:"usage_unit"`
	CostUsed           float64         `json:"cost_used"`
	CostLimit          float64         `json:"cost_limit"`
	Description        string          `json:"description"`
	AccountName        string          `json:"account_name"`
	AuthSource         string          `json:"auth_source"`
	NextResetTime      *time.Time      `json:"next_reset_time,omitempty"`
	FetchedAt          time.Time       `json:"fetched_at"`
	HTTPStatus         int             `json:"http_status"`
	ResponseLatencyMs  int64           `json:"response_latency_ms"`
	Details            []probe.Detail  `json:"details"`
}

// ResetEventRow is one persisted row from reset_events.
type ResetEventRow struct {
	ProviderID         string    `json:"provider_id"`
	ProviderName       string    `json:"provider_name"`
	PreviousPercentage float64   `json:"previous_percentage"`
	NewPercentage      float64   `json:"new_percentage"`
	ResetType          string    `json:"reset_type"`
	Timestamp          time.Time `json:"timestamp"`
}

func marshalDetails(details []probe.Detail) (string, error) {
	if details == nil {
		return "[]", nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const historyColumns = `
	id, provider_id, provider_name, is_available, is_quota_based, plan_class,
	requests_used, requests_available, requests_percentage, usage_unit,
	cost_used, cost_limit, description, account_name, auth_source,
	next_reset_time, fetched_at, http_status, response_latency_ms, details_json
`

func scanHistoryRow(scan func(dest ...interface{}) error) (HistoryRow, error) {
	var (
		row              HistoryRow
		isAvailable      int
		isQuotaBased     int
		nextResetTime    sql.NullString
		fetchedAt        string
		detailsJSON      string
	)
	if err := scan(
		&row.ID, &row.ProviderID, &row.ProviderName, &isAvailable, &isQuotaBased, &row.PlanClass,
		&row.RequestsUsed, &row.RequestsAvailable, &row.RequestsPercentage, &row.UsageUnit,
		&row.CostUsed, &row.CostLimit, &row.Description, &row.AccountName, &row.AuthSource,
		&nextResetTime, &fetchedAt, &row.HTTPStatus, &row.ResponseLatencyMs, &detailsJSON,
	); err != nil {
		return HistoryRow{}, err
	}

	row.IsAvailable = isAvailable != 0
	row.IsQuotaBased = isQuotaBased != 0
	if t, err := time.Parse(time.RFC3339Nano, fetchedAt); err == nil {
		row.FetchedAt = t
	}
	if nextResetTime.Valid && nextResetTime.String != "" {
		if t, err := time.Parse(time.RFC3339, nextResetTime.String); err == nil {
			row.NextResetTime = &t
		}
	}
	_ = json.Unmarshal([]byte(detailsJSON), &row.Details)
	return row, nil
}

// LatestPerProvider returns the most recently inserted row (highest id) per
// provider id; fetched_at is not compared, so a row appended with an older
// FetchedAt still counts as the latest. Unless includeInactive is set, only rows with is_available=1 are
// considered.
func (s *Store) LatestPerProvider(ctx context.Context, includeInactive bool) ([]HistoryRow, error) {
	query := `
		SELECT ` + historyColumns + `
		FROM provider_history h
		WHERE h.id IN (
			SELECT MAX(id) FROM provider_history
			WHERE (? OR is_available = 1)
			GROUP BY provider_id
		)
		ORDER BY provider_id
	`
	rows, err := s.db.QueryContext(ctx, query, includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		row, err := scanHistoryRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// HistoryByProvider returns the most-recent-first history for one
// provider, bounded by limit.
func (s *Store) HistoryByProvider(ctx context.Context, providerID string, limit int) ([]HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+historyColumns+`
		FROM provider_history
		WHERE provider_id = ?
		ORDER BY fetched_at DESC, id DESC
		LIMIT ?
	`, providerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		row, err := scanHistoryRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RecentHistory returns the most-recent-first history across all
// providers, bounded by limit.
func (s *Store) RecentHistory(ctx context.Context, limit int) ([]HistoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+historyColumns+`
		FROM provider_history
		ORDER BY fetched_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		row, err := scanHistoryRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// WindowSamples returns a bounded per-provider window of history, sampled
// newest-first internally then emitted oldest-first (the shape Analytics
// needs for forecasting and anomaly detection).
func (s *Store) WindowSamples(ctx context.Context, providerIDs []string, lookbackHours int, maxPerProvider int) (map[string][]HistoryRow, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour).Format(time.RFC3339Nano)
	out := make(map[string][]HistoryRow, len(providerIDs))

	for _, id := range providerIDs {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+historyColumns+`
			FROM provider_history
			WHERE provider_id = ? AND fetched_at >= ?
			ORDER BY fetched_at DESC, id DESC
			LIMIT ?
		`, id, cutoff, maxPerProvider)
		if err != nil {
			return nil, err
		}

		var sample []HistoryRow
		for rows.Next() {
			row, err := scanHistoryRow(rows.Scan)
			if err != nil {
				rows.Close()
				return nil, err
			}
			sample = append(sample, row)
		}
		closeErr := rows.Close()
		if closeErr != nil {
			return nil, closeErr
		}

		// reverse into oldest-first order
		for i, j := 0, len(sample)-1; i < j; i, j = i+1, j-1 {
			sample[i], sample[j] = sample[j], sample[i]
		}
		out[id] = sample
	}
	return out, nil
}

// RecentResetEvents returns reset events from the last `hours`, ascending
// by timestamp.
func (s *Store) RecentResetEvents(ctx context.Context, hours int) ([]ResetEventRow, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_id, provider_name, previous_percentage, new_percentage, reset_type, timestamp
		FROM reset_events
		WHERE timestamp >= ?
		ORDER BY timestamp ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResetEventRow
	for rows.Next() {
		var r ResetEventRow
		var ts string
		if err := rows.Scan(&r.ProviderID, &r.ProviderName, &r.PreviousPercentage, &r.NewPercentage, &r.ResetType, &ts); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			r.Timestamp = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResetEventsByProvider returns reset events for one provider, bounded by
// limit, most-recent-first.
func (s *Store) ResetEventsByProvider(ctx context.Context, providerID string, limit int) ([]ResetEventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_id, provider_name, previous_percentage, new_percentage, reset_type, timestamp
		FROM reset_events
		WHERE provider_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, providerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResetEventRow
	for rows.Next() {
		var r ResetEventRow
		var ts string
		if err := rows.Scan(&r.ProviderID, &r.ProviderName, &r.PreviousPercentage, &r.NewPercentage, &r.ResetType, &ts); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			r.Timestamp = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IsEmpty reports whether provider_history has no rows yet, used by the
// scheduler's startup policy to decide whether to force a full discovery
// refresh.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM provider_history`).Scan(&count); err != nil {
		return false, err
	}
	return count == 0, nil
}
