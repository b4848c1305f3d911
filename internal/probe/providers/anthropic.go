// Package providers holds one file per concrete provider adapter. Each
// implements probe.Probe by composing the shared helpers in package probe.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rygel/aiusagemonitor/internal/probe"
)

const (
	anthropicClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	anthropicScopes   = "org:create_api_key user:profile user:inference user:sessions:claude_code"
)

// anthropicTokenURL and anthropicUsageURL are vars, not consts, so tests can
// redirect them at an httptest server.
var (
	anthropicTokenURL = "https://console.anthropic.com/v1/oauth/token"
	anthropicUsageURL = "https://api.anthropic.com/api/oauth/usage"
)

// anthropicCredentialPath is a var (not const) so tests can point it at a
// temp file.
var anthropicCredentialPath = func() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "anthropic", "accounts.json")
}

// AnthropicProbe implements the OAuth refresh-and-call pattern (spec
// §4.2.A), generalized from the teacher's hand-rolled anthropic_oauth.go
// flow into the shared probe.CachedTokenSource.
type AnthropicProbe struct {
	HTTPClient *http.Client

	tokenSource *probe.CachedTokenSource
}

func (p *AnthropicProbe) ProviderID() string { return "anthropic" }

type anthropicCredentialFile struct {
	RefreshToken string `json:"refresh_token"`
	ProjectID    string `json:"project_id"`
	Email        string `json:"email"`
}

func (p *AnthropicProbe) loadCredential() (*anthropicCredentialFile, error) {
	data, err := os.ReadFile(anthropicCredentialPath())
	if err != nil {
		return nil, err
	}
	var cred anthropicCredentialFile
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

func (p *AnthropicProbe) ensureTokenSource(refreshToken string) *probe.CachedTokenSource {
	if p.tokenSource != nil {
		return p.tokenSource
	}
	p.tokenSource = probe.NewCachedTokenSource(probe.RefreshTokenEndpoint{
		TokenURL: anthropicTokenURL,
		ExtraJSON: map[string]interface{}{
			"client_id": anthropicClientID,
			"scope":     anthropicScopes,
		},
		HTTPClient: p.HTTPClient,
	}, refreshToken)
	return p.tokenSource
}

// Run fetches Claude subscription usage via the OAuth refresh-and-call
// pattern: exchange the cached refresh token for a short-lived access
// token, call the usage endpoint with it, and surface the remaining quota.
// On 401/403 the cached token is evicted so the next tick forces a refresh.
func (p *AnthropicProbe) Run(ctx context.Context, cfg probe.Config, _ probe.Progress) ([]probe.Usage, error) {
	start := time.Now()

	cred, err := p.loadCredential()
	if err != nil {
		return []probe.Usage{probe.Unavailable("anthropic", "Anthropic Claude",
			"no Claude OAuth credential file found", 0, time.Since(start))}, nil
	}

	ts := p.ensureTokenSource(cred.RefreshToken)
	accessToken, err := ts.AccessToken(ctx)
	if err != nil {
		return []probe.Usage{probe.Unavailable("anthropic", "Anthropic Claude",
			"OAuth token refresh failed: "+err.Error(), 0, time.Since(start))}, nil
	}

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, anthropicUsageURL, nil)
	if err != nil {
		return []probe.Usage{probe.Unavailable("anthropic", "Anthropic Claude", err.Error(), 0, time.Since(start))}, nil
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := client.Do(req)
	if err != nil {
		return []probe.Usage{probe.Unavailable("anthropic", "Anthropic Claude",
			"transport error: "+err.Error(), 0, time.Since(start))}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		ts.Invalidate()
		return []probe.Usage{probe.Unavailable("anthropic", "Anthropic Claude",
			"session invalid", resp.StatusCode, latency)}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return []probe.Usage{probe.Unavailable("anthropic", "Anthropic Claude",
			fmt.Sprintf("upstream returned %d", resp.StatusCode), resp.StatusCode, latency)}, nil
	}

	obj, err := probe.ParseRawObject(body)
	if err != nil {
		return []probe.Usage{probe.Unavailable("anthropic", "Anthropic Claude",
			"unexpected payload shape: "+err.Error(), resp.StatusCode, latency)}, nil
	}

	buckets, _ := obj["buckets"].([]interface{})
	remaining := 1.0
	if len(buckets) > 0 {
		if b, ok := buckets[0].(map[string]interface{}); ok {
			if v, ok := probe.RawObject(b).FirstNumber("remainingFraction"); ok {
				remaining = v
			}
		}
	}

	accountName := cred.Email
	if accountName == "" {
		accountName = probe.ResolveIdentity(obj, nil, accessToken, "", "anthropic")
	}

	log.Debug().Str("provider", "anthropic").Float64("remaining", remaining).Msg("probed anthropic usage")

	return []probe.Usage{{
		ProviderID:         "anthropic",
		ProviderName:       "Anthropic Claude",
		IsAvailable:        true,
		IsQuotaBased:       true,
		PlanClass:          "Coding",
		RequestsPercentage: remaining * 100,
		UsageUnit:          "Quota %",
		AccountName:        accountName,
		AuthSource:         "oauth",
		FetchedAt:          time.Now().UTC(),
		HTTPStatus:         resp.StatusCode,
		RawJSON:            string(body),
		ResponseLatencyMs:  latency.Milliseconds(),
		Details: []probe.Detail{
			{
				Name:       "Primary",
				Used:       fmt.Sprintf("%.0f%% remaining", remaining*100),
				DetailType: probe.DetailQuotaWindow,
				WindowKind: probe.WindowPrimary,
			},
		},
	}}, nil
}
