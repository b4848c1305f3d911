package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rygel/aiusagemonitor/internal/probe"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterProbe is an admin/billing-API probe (spec §4.2.E) that also
// emits per-model child details (supplemented feature #1), grounded on the
// credits + generation-history endpoints OpenRouter exposes.
type OpenRouterProbe struct {
	HTTPClient *http.Client
	BaseURL    string
}

func (p *OpenRouterProbe) ProviderID() string { return "openrouter" }

func (p *OpenRouterProbe) baseURL() string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	return openRouterBaseURL
}

func (p *OpenRouterProbe) get(ctx context.Context, client *http.Client, apiKey, path string) (probe.RawObject, *http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL()+path, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, resp, body, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	obj, err := probe.ParseRawObject(body)
	return obj, resp, body, err
}

type modelTotals struct {
	requests int
	cost     float64
}

func (p *OpenRouterProbe) Run(ctx context.Context, cfg probe.Config, _ probe.Progress) ([]probe.Usage, error) {
	start := time.Now()

	if cfg.APIKey == "" {
		return []probe.Usage{probe.Unavailable("openrouter", "OpenRouter", "no API key configured", 0, time.Since(start))}, nil
	}

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	keyObj, resp, rawKeyBody, err := p.get(ctx, client, cfg.APIKey, "/auth/key")
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return []probe.Usage{probe.Unavailable("openrouter", "OpenRouter", "session invalid", status, time.Since(start))}, nil
		}
		return []probe.Usage{probe.Unavailable("openrouter", "OpenRouter", err.Error(), status, time.Since(start))}, nil
	}

	data, _ := keyObj["data"].(map[string]interface{})
	dataObj := probe.RawObject(data)
	usageUSD, _ := dataObj.FirstNumber("usage")
	var limit float64
	var hasLimit bool
	if v, ok := data["limit"]; ok && v != nil {
		if f, ok := v.(float64); ok {
			limit, hasLimit = f, true
		}
	}

	var percentage float64
	if hasLimit && limit > 0 {
		percentage = 100 * usageUSD / limit
	}

	latency := time.Since(start)
	rateLimitInfo := probe.RateLimitHeaders(resp)

	usage := probe.Usage{
		ProviderID:         "openrouter",
		ProviderName:       "OpenRouter",
		IsAvailable:        true,
		IsQuotaBased:       false,
		PlanClass:          "Usage",
		RequestsPercentage: percentage,
		UsageUnit:          "USD",
		CostUsed:           usageUSD,
		CostLimit:          limit,
		AuthSource:         "env",
		FetchedAt:          time.Now().UTC(),
		HTTPStatus:         resp.StatusCode,
		RawJSON:            string(rawKeyBody),
		ResponseLatencyMs:  latency.Milliseconds(),
		Details: []probe.Detail{
			{
				Name:       "Spend",
				Used:       fmt.Sprintf("$%.2f", usageUSD),
				DetailType: probe.DetailCredit,
				WindowKind: probe.WindowNone,
			},
		},
	}
	if len(rateLimitInfo) > 0 {
		usage.Description = fmt.Sprintf("rate_limit: %v", rateLimitInfo)
	}

	// Per-model breakdown, best-effort: a failure here degrades gracefully
	// to the summary row alone rather than failing the whole probe.
	genObj, _, _, genErr := p.get(ctx, client, cfg.APIKey, "/generation?limit=100")
	if genErr == nil {
		usage.Details = append(usage.Details, p.modelDetails(genObj)...)
	}

	return []probe.Usage{usage}, nil
}

func (p *OpenRouterProbe) modelDetails(genObj probe.RawObject) []probe.Detail {
	entries, _ := genObj["data"].([]interface{})
	totals := make(map[string]*modelTotals)
	for _, e := range entries {
		em, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		eo := probe.RawObject(em)
		model := eo.FirstString("model", "model_name")
		if model == "" {
			continue
		}
		cost, _ := eo.FirstNumber("total_cost")
		t, ok := totals[model]
		if !ok {
			t = &modelTotals{}
			totals[model] = t
		}
		t.requests++
		t.cost += cost
	}

	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)

	details := make([]probe.Detail, 0, len(names))
	for _, name := range names {
		t := totals[name]
		details = append(details, probe.Detail{
			Name:       name,
			Used:       fmt.Sprintf("%d req · $%.2f", t.requests, t.cost),
			ModelName:  name,
			DetailType: probe.DetailModel,
			WindowKind: probe.WindowNone,
		})
	}
	return details
}
