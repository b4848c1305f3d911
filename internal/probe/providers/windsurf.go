package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/rygel/aiusagemonitor/internal/probe"
)

// WindsurfProbe implements the local-companion probe pattern (spec
// §4.2.C): Windsurf's editor extension runs a loopback HTTPS server whose
// port and CSRF token are only discoverable from the running process's
// command line. End-to-end scenario 2 in the spec is this probe's exact
// contract.
type WindsurfProbe struct {
	HTTPClient *http.Client
	ListProcs  func(ctx context.Context) ([]companionProcess, error)

	mu     sync.Mutex
	cached *probe.Usage
}

func (p *WindsurfProbe) ProviderID() string { return "windsurf" }

// companionProcess is the subset of process info a companion-process scan
// needs: enough to find the CSRF token and port on its command line.
type companionProcess struct {
	PID     int32
	Cmdline string
}

func defaultListWindsurfProcs(ctx context.Context) ([]companionProcess, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]companionProcess, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || !strings.Contains(strings.ToLower(name), "windsurf") {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, companionProcess{PID: p.Pid, Cmdline: cmdline})
	}
	return out, nil
}

// findCompanionFlags extracts "--csrf_token X" and "--extension_server_port
// N" from a process command line, the well-known flags Windsurf's
// extension host process is launched with.
func findCompanionFlags(cmdline string) (csrfToken string, port string, ok bool) {
	fields := strings.Fields(cmdline)
	for i, f := range fields {
		switch f {
		case "--csrf_token":
			if i+1 < len(fields) {
				csrfToken = fields[i+1]
			}
		case "--extension_server_port":
			if i+1 < len(fields) {
				port = fields[i+1]
			}
		}
	}
	return csrfToken, port, csrfToken != "" && port != ""
}

// Run discovers the companion process, extracts its CSRF token and port,
// and issues an HTTPS GetUserStatus request against
// https://127.0.0.1:<port>. When no companion process is found but a prior
// successful probe is cached in memory, it returns the cached result with
// a staleness-aware description, zeroing the percentage once the cached
// reset time has passed.
func (p *WindsurfProbe) Run(ctx context.Context, cfg probe.Config, _ probe.Progress) ([]probe.Usage, error) {
	start := time.Now()

	list := p.ListProcs
	if list == nil {
		list = defaultListWindsurfProcs
	}

	procs, err := list(ctx)
	if err != nil || len(procs) == 0 {
		return []probe.Usage{p.fallbackOrUnavailable(start)}, nil
	}

	var csrfToken, port string
	for _, proc := range procs {
		if token, p2, ok := findCompanionFlags(proc.Cmdline); ok {
			csrfToken, port = token, p2
			break
		}
	}
	if csrfToken == "" || port == "" {
		return []probe.Usage{p.fallbackOrUnavailable(start)}, nil
	}

	client := p.HTTPClient
	if client == nil {
		client = probe.CompanionHTTPClient(4 * time.Second)
	}

	url := fmt.Sprintf("https://127.0.0.1:%s/exa.language_server_pb.LanguageServerService/GetUserStatus", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("{}"))
	if err != nil {
		return []probe.Usage{probe.Unavailable("windsurf", "Windsurf", err.Error(), 0, time.Since(start))}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Csrf-Token", csrfToken)

	resp, err := client.Do(req)
	if err != nil {
		return []probe.Usage{p.fallbackOrUnavailable(start)}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return []probe.Usage{probe.Unavailable("windsurf", "Windsurf",
			fmt.Sprintf("companion returned %d", resp.StatusCode), resp.StatusCode, latency)}, nil
	}

	obj, err := probe.ParseRawObject(body)
	if err != nil {
		return []probe.Usage{probe.Unavailable("windsurf", "Windsurf",
			"unexpected payload shape: "+err.Error(), resp.StatusCode, latency)}, nil
	}

	cascade, _ := obj["cascadeModelConfigData"].(map[string]interface{})
	configs, _ := cascade["clientModelConfigs"].([]interface{})
	if len(configs) == 0 {
		return []probe.Usage{probe.Unavailable("windsurf", "Windsurf",
			"no model configs in companion response", resp.StatusCode, latency)}, nil
	}
	first, _ := configs[0].(map[string]interface{})
	quotaInfo, _ := first["quotaInfo"].(map[string]interface{})
	remaining, _ := probe.RawObject(quotaInfo).FirstNumber("remainingFraction")
	modelName := probe.RawObject(first).FirstString("modelName", "model", "label", "name")
	resetTimeStr := probe.RawObject(quotaInfo).FirstString("resetTime")

	var resetTime *time.Time
	if resetTimeStr != "" {
		if t, err := time.Parse(time.RFC3339, resetTimeStr); err == nil {
			local := t.UTC()
			resetTime = &local
		}
	}

	usage := probe.Usage{
		ProviderID:         "windsurf",
		ProviderName:       "Windsurf",
		IsAvailable:        true,
		IsQuotaBased:       true,
		PlanClass:          "Coding",
		RequestsPercentage: remaining * 100,
		UsageUnit:          "Quota %",
		AuthSource:         "companion",
		NextResetTime:      resetTime,
		FetchedAt:          time.Now().UTC(),
		HTTPStatus:         resp.StatusCode,
		RawJSON:            string(body),
		ResponseLatencyMs:  latency.Milliseconds(),
		Details: []probe.Detail{
			{
				Name:          "Primary",
				Used:          fmt.Sprintf("%.0f%% remaining", remaining*100),
				ModelName:     modelName,
				NextResetTime: resetTime,
				DetailType:    probe.DetailQuotaWindow,
				WindowKind:    probe.WindowPrimary,
			},
		},
	}

	// A Model detail needs a non-empty name to pass the detail contract; skip
	// it rather than let a missing model label downgrade the whole summary.
	if modelName != "" {
		usage.Details = append(usage.Details, probe.Detail{
			Name:       modelName,
			Used:       fmt.Sprintf("%.0f%% remaining", remaining*100),
			ModelName:  modelName,
			DetailType: probe.DetailModel,
			WindowKind: probe.WindowNone,
		})
	}

	p.mu.Lock()
	cachedCopy := usage
	p.cached = &cachedCopy
	p.mu.Unlock()

	return []probe.Usage{usage}, nil
}

func (p *WindsurfProbe) fallbackOrUnavailable(start time.Time) probe.Usage {
	p.mu.Lock()
	cached := p.cached
	p.mu.Unlock()

	if cached == nil {
		return probe.Unavailable("windsurf", "Windsurf", "Windsurf companion process not running", 0, time.Since(start))
	}

	stale := *cached
	stale.Description = "Windsurf companion not running; showing last known usage"
	stale.FetchedAt = time.Now().UTC()
	stale.ResponseLatencyMs = time.Since(start).Milliseconds()
	if stale.NextResetTime != nil && stale.NextResetTime.Before(time.Now().UTC()) {
		stale.RequestsPercentage = 0
		stale.NextResetTime = nil
	}
	return stale
}
