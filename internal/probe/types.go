// Package probe defines the contract every provider adapter implements,
// plus the helpers (tolerant JSON, JWT inspection, OAuth refresh, companion
// TLS) shared across the concrete probes in probe/providers.
package probe

import (
	"context"
	"time"
)

// DetailType classifies one ProviderUsageDetail row.
type DetailType string

const (
	DetailQuotaWindow DetailType = "QuotaWindow"
	DetailCredit      DetailType = "Credit"
	DetailModel       DetailType = "Model"
	DetailOther       DetailType = "Other"
)

// WindowKind further qualifies a QuotaWindow detail.
type WindowKind string

const (
	WindowPrimary   WindowKind = "Primary"
	WindowSecondary WindowKind = "Secondary"
	WindowSpark     WindowKind = "Spark"
	WindowNone      WindowKind = "None"
)

// ModelAlias is one user-declared model mapping inside a ProviderConfig.
type ModelAlias struct {
	Name    string   `json:"name"`
	Matches []string `json:"matches"`
}

// Config is the persisted, per-provider configuration a probe consumes.
// It lives in package probe, and package config stores it directly, so
// probe implementations don't import the config package.
type Config struct {
	ProviderID          string                `json:"provider_id"`
	APIKey              string                `json:"api_key,omitempty"`
	Type                string                `json:"type,omitempty"`
	BaseURL             string                `json:"base_url,omitempty"`
	AuthSource          string                `json:"auth_source,omitempty"`
	AccountName         string                `json:"account_name,omitempty"`
	EnableNotifications bool                  `json:"enable_notifications"`
	Models              map[string]ModelAlias `json:"models,omitempty"`
}

// Detail is one nested row inside a Usage result.
type Detail struct {
	Name          string     `json:"name"`
	Used          string     `json:"used"`
	Description   string     `json:"description,omitempty"`
	ModelName     string     `json:"model_name,omitempty"`
	GroupName     string     `json:"group_name,omitempty"`
	NextResetTime *time.Time `json:"next_reset_time,omitempty"`
	DetailType    DetailType `json:"detail_type"`
	WindowKind    WindowKind `json:"window_kind"`
}

// Validate enforces the detail contract invariants: QuotaWindow rows must
// carry a window kind other than None, every other detail type must not,
// and every displayable detail needs a name.
func (d Detail) Validate() error {
	if d.Name == "" {
		return errDetailContract("detail has empty name")
	}
	if d.DetailType == DetailQuotaWindow && d.WindowKind == WindowNone {
		return errDetailContract("QuotaWindow detail must carry a window kind")
	}
	if d.DetailType != DetailQuotaWindow && d.WindowKind != WindowNone {
		return errDetailContract("non-QuotaWindow detail must not carry a window kind")
	}
	return nil
}

type detailContractError string

func (e detailContractError) Error() string { return string(e) }

func errDetailContract(msg string) error { return detailContractError(msg) }

// IsDetailContractViolation reports whether err came from Detail.Validate.
func IsDetailContractViolation(err error) bool {
	_, ok := err.(detailContractError)
	return ok
}

// Usage is one refresh-cycle result for a provider or a child of one.
type Usage struct {
	ProviderID         string     `json:"provider_id"`
	ProviderName       string     `json:"provider_name"`
	IsAvailable        bool       `json:"is_available"`
	IsQuotaBased       bool       `json:"is_quota_based"`
	PlanClass          string     `json:"plan_class"`
	RequestsUsed       float64    `json:"requests_used"`
	RequestsAvailable  float64    `json:"requests_available"`
	RequestsPercentage float64    `json:"requests_percentage"`
	UsageUnit          string     `json:"usage_unit"`
	CostUsed           float64    `json:"cost_used,omitempty"`
	CostLimit          float64    `json:"cost_limit,omitempty"`
	Description        string     `json:"description,omitempty"`
	AccountName        string     `json:"account_name,omitempty"`
	AuthSource         string     `json:"auth_source,omitempty"`
	NextResetTime      *time.Time `json:"next_reset_time,omitempty"`
	FetchedAt          time.Time  `json:"fetched_at"`
	HTTPStatus         int        `json:"http_status"`
	RawJSON            string     `json:"raw_json,omitempty"`
	ResponseLatencyMs  int64      `json:"response_latency_ms"`
	Details            []Detail   `json:"details,omitempty"`
}

// Unavailable builds the single-element unavailable result a probe returns
// when it cannot produce real data. httpStatus is 0 if the remote endpoint
// was never reached.
func Unavailable(providerID, providerName, description string, httpStatus int, latency time.Duration) Usage {
	return Usage{
		ProviderID:        providerID,
		ProviderName:      providerName,
		IsAvailable:       false,
		Description:       description,
		FetchedAt:         time.Now().UTC(),
		HTTPStatus:        httpStatus,
		ResponseLatencyMs: latency.Milliseconds(),
	}
}

// ValidateDetailContract checks every detail on usage and, on the first
// violation, converts the whole result to an unavailable one per the spec's
// detail-contract rule (no history write for a violating result).
func ValidateDetailContract(u Usage) Usage {
	if !u.IsAvailable {
		return u
	}
	for _, d := range u.Details {
		if err := d.Validate(); err != nil {
			return Unavailable(u.ProviderID, u.ProviderName, "detail contract violation: "+err.Error(), u.HTTPStatus, time.Duration(u.ResponseLatencyMs)*time.Millisecond)
		}
	}
	return u
}

// Progress is an optional callback a probe may invoke with human-readable
// step descriptions while it works; front-ends may surface these during a
// long companion-process scan. Implementations must tolerate a nil Progress.
type Progress func(step string)

// Probe is the contract every provider adapter implements.
type Probe interface {
	ProviderID() string
	// Run executes one refresh cycle for this provider. It must complete or
	// fail within ctx's deadline and must never return an empty slice on a
	// successful call — either one-or-more available results, or exactly
	// one unavailable result.
	Run(ctx context.Context, cfg Config, progress Progress) ([]Usage, error)
}
