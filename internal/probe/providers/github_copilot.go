package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/rygel/aiusagemonitor/internal/probe"
)

// GitHubCopilotProbe implements the CLI-scrape pattern (spec §4.2.D):
// Copilot exposes usage only through `gh copilot` output, so the probe
// spawns the CLI, strips escape codes, and regex-extracts labeled numeric
// fields rather than calling an HTTP endpoint.
type GitHubCopilotProbe struct {
	Timeout time.Duration

	// runCLI is overridable in tests so they don't depend on a real `gh`
	// binary being on PATH; defaults to probe.RunCLI.
	runCLI func(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error)
}

func (p *GitHubCopilotProbe) ProviderID() string { return "github-copilot" }

const copilotUsageArg = "usage"

func (p *GitHubCopilotProbe) run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	if p.runCLI != nil {
		return p.runCLI(ctx, timeout, name, args...)
	}
	return probe.RunCLI(ctx, timeout, name, args...)
}

// Run spawns `gh copilot usage` and extracts a "Premium requests used"
// count and a "included" cap from its plain-text report. A spawn failure
// or non-zero exit with a present API key still yields an available result
// carrying a descriptive message, matching the spec's "configured but not
// readable" contract rather than surfacing as unavailable.
func (p *GitHubCopilotProbe) Run(ctx context.Context, cfg probe.Config, _ probe.Progress) ([]probe.Usage, error) {
	start := time.Now()

	if cfg.APIKey == "" {
		return []probe.Usage{probe.Unavailable("github-copilot", "GitHub Copilot",
			"no GitHub token configured", 0, time.Since(start))}, nil
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 4 * time.Second
	}

	out, runErr := p.run(ctx, timeout, "gh", "copilot", copilotUsageArg)
	latency := time.Since(start)

	used, usedOK := probe.ExtractLabeledNumber(out, "premium requests used")
	limit, limitOK := probe.ExtractLabeledNumber(out, "included in plan")

	if runErr != nil && !usedOK {
		return []probe.Usage{{
			ProviderID:         "github-copilot",
			ProviderName:       "GitHub Copilot",
			IsAvailable:        true,
			IsQuotaBased:       true,
			PlanClass:          "Coding",
			Description:        "gh CLI did not return a readable usage report: " + runErr.Error(),
			AuthSource:         "env",
			FetchedAt:          time.Now().UTC(),
			HTTPStatus:         0,
			ResponseLatencyMs:  latency.Milliseconds(),
		}}, nil
	}

	var percentage float64
	if usedOK && limitOK && limit > 0 {
		percentage = 100 * (1 - used/limit)
	}

	return []probe.Usage{{
		ProviderID:         "github-copilot",
		ProviderName:       "GitHub Copilot",
		IsAvailable:        true,
		IsQuotaBased:       true,
		PlanClass:          "Coding",
		RequestsUsed:       used,
		RequestsAvailable:  limit,
		RequestsPercentage: percentage,
		UsageUnit:          "Quota %",
		AuthSource:         "env",
		FetchedAt:          time.Now().UTC(),
		HTTPStatus:         0,
		ResponseLatencyMs:  latency.Milliseconds(),
		Details: []probe.Detail{
			{
				Name:       "Premium requests",
				Used:       fmt.Sprintf("%.0f of %.0f", used, limit),
				DetailType: probe.DetailQuotaWindow,
				WindowKind: probe.WindowPrimary,
			},
		},
	}}, nil
}
