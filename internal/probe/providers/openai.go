package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rygel/aiusagemonitor/internal/probe"
)

const openAIBillingURL = "https://api.openai.com/dashboard/billing/usage"

// OpenAIProbe implements the admin/billing-API pattern (spec §4.2.E): a
// plain bearer-token GET against a vendor billing endpoint, parsed into
// costUsed/costLimit/usageUnit="USD".
type OpenAIProbe struct {
	HTTPClient *http.Client
	BaseURL    string
}

func (p *OpenAIProbe) ProviderID() string { return "openai" }

func (p *OpenAIProbe) billingURL() string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	return openAIBillingURL
}

func (p *OpenAIProbe) Run(ctx context.Context, cfg probe.Config, _ probe.Progress) ([]probe.Usage, error) {
	start := time.Now()

	if cfg.APIKey == "" {
		return []probe.Usage{probe.Unavailable("openai", "OpenAI", "no API key configured", 0, time.Since(start))}, nil
	}

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.billingURL(), nil)
	if err != nil {
		return []probe.Usage{probe.Unavailable("openai", "OpenAI", err.Error(), 0, time.Since(start))}, nil
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)

	resp, err := client.Do(req)
	if err != nil {
		return []probe.Usage{probe.Unavailable("openai", "OpenAI", "transport error: "+err.Error(), 0, time.Since(start))}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return []probe.Usage{probe.Unavailable("openai", "OpenAI", "session invalid", resp.StatusCode, latency)}, nil
	case http.StatusTooManyRequests:
		msg := probe.RateLimitHeaders(resp)
		desc := "rate limited"
		if len(msg) > 0 {
			desc = fmt.Sprintf("rate limited (%v)", msg)
		}
		return []probe.Usage{probe.Unavailable("openai", "OpenAI", desc, resp.StatusCode, latency)}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return []probe.Usage{probe.Unavailable("openai", "OpenAI",
			fmt.Sprintf("upstream returned %d", resp.StatusCode), resp.StatusCode, latency)}, nil
	}

	obj, err := probe.ParseRawObject(body)
	if err != nil {
		return []probe.Usage{probe.Unavailable("openai", "OpenAI",
			"unexpected payload shape: "+err.Error(), resp.StatusCode, latency)}, nil
	}

	totalUsageCents, _ := obj.FirstNumber("total_usage")
	costUsed := totalUsageCents / 100

	var costLimit float64
	if sub, ok := obj["soft_limit_usd"]; ok {
		if v, ok := sub.(float64); ok {
			costLimit = v
		}
	}

	var percentage float64
	if costLimit > 0 {
		percentage = 100 * costUsed / costLimit
	}

	return []probe.Usage{{
		ProviderID:         "openai",
		ProviderName:       "OpenAI",
		IsAvailable:        true,
		IsQuotaBased:       false,
		PlanClass:          "Usage",
		RequestsPercentage: percentage,
		UsageUnit:          "USD",
		CostUsed:           costUsed,
		CostLimit:          costLimit,
		AuthSource:         "env",
		FetchedAt:          time.Now().UTC(),
		HTTPStatus:         resp.StatusCode,
		RawJSON:            string(body),
		ResponseLatencyMs:  latency.Milliseconds(),
		Details: []probe.Detail{
			{
				Name:       "Spend",
				Used:       fmt.Sprintf("$%.2f", costUsed),
				DetailType: probe.DetailCredit,
				WindowKind: probe.WindowNone,
			},
		},
	}}, nil
}
