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

	"github.com/rygel/aiusagemonitor/internal/probe"
)

// geminiTokenURL is a var, not a const, so tests can redirect it at an
// httptest server.
var geminiTokenURL = "https://oauth2.googleapis.com/token"

// geminiCredentialPath points at the gcloud-style on-disk credential file
// this probe reads; a var so tests can redirect it.
var geminiCredentialPath = func() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "gemini-code-assist", "accounts.json")
}

type geminiCredentialFile struct {
	RefreshToken string `json:"refresh_token"`
	ProjectID    string `json:"project_id"`
	Email        string `json:"email"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// GeminiCodeAssistProbe is a second OAuth refresh-and-call implementation
// (spec §4.2.A, end-to-end scenario 1), separate from AnthropicProbe
// because its token endpoint takes different extra fields (client_id and
// client_secret from the credential file itself, not a fixed constant) and
// its quota URL is built per project from the credential's project_id.
type GeminiCodeAssistProbe struct {
	QuotaURLFunc func(projectID string) string
	HTTPClient   *http.Client

	tokenSources map[string]*probe.CachedTokenSource
}

func (p *GeminiCodeAssistProbe) ProviderID() string { return "gemini-code-assist" }

func (p *GeminiCodeAssistProbe) quotaURL(projectID string) string {
	if p.QuotaURLFunc != nil {
		return p.QuotaURLFunc(projectID)
	}
	return fmt.Sprintf("https://cloudcode-pa.googleapis.com/v1/projects/%s/quota", projectID)
}

func (p *GeminiCodeAssistProbe) loadCredential() (*geminiCredentialFile, error) {
	data, err := os.ReadFile(geminiCredentialPath())
	if err != nil {
		return nil, err
	}
	var cred geminiCredentialFile
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

func (p *GeminiCodeAssistProbe) tokenSourceFor(cred *geminiCredentialFile) *probe.CachedTokenSource {
	if p.tokenSources == nil {
		p.tokenSources = make(map[string]*probe.CachedTokenSource)
	}
	if ts, ok := p.tokenSources[cred.ProjectID]; ok {
		return ts
	}
	ts := probe.NewCachedTokenSource(probe.RefreshTokenEndpoint{
		TokenURL: geminiTokenURL,
		ExtraJSON: map[string]interface{}{
			"client_id":     cred.ClientID,
			"client_secret": cred.ClientSecret,
		},
		HTTPClient: p.HTTPClient,
	}, cred.RefreshToken)
	p.tokenSources[cred.ProjectID] = ts
	return ts
}

// Run implements end-to-end scenario 1: a refresh_token+project_id
// credential file, a token exchange, and a `buckets[].remainingFraction`
// quota response, using the first (primary) bucket as the summary
// percentage.
func (p *GeminiCodeAssistProbe) Run(ctx context.Context, cfg probe.Config, _ probe.Progress) ([]probe.Usage, error) {
	start := time.Now()

	cred, err := p.loadCredential()
	if err != nil {
		return []probe.Usage{probe.Unavailable("gemini-code-assist", "Gemini Code Assist",
			"no Gemini Code Assist credential file found", 0, time.Since(start))}, nil
	}

	ts := p.tokenSourceFor(cred)
	accessToken, err := ts.AccessToken(ctx)
	if err != nil {
		return []probe.Usage{probe.Unavailable("gemini-code-assist", "Gemini Code Assist",
			"OAuth token refresh failed: "+err.Error(), 0, time.Since(start))}, nil
	}

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.quotaURL(cred.ProjectID), nil)
	if err != nil {
		return []probe.Usage{probe.Unavailable("gemini-code-assist", "Gemini Code Assist", err.Error(), 0, time.Since(start))}, nil
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := client.Do(req)
	if err != nil {
		return []probe.Usage{probe.Unavailable("gemini-code-assist", "Gemini Code Assist",
			"transport error: "+err.Error(), 0, time.Since(start))}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	latency := time.Since(start)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		ts.Invalidate()
		return []probe.Usage{probe.Unavailable("gemini-code-assist", "Gemini Code Assist",
			"session invalid", resp.StatusCode, latency)}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return []probe.Usage{probe.Unavailable("gemini-code-assist", "Gemini Code Assist",
			fmt.Sprintf("upstream returned %d", resp.StatusCode), resp.StatusCode, latency)}, nil
	}

	obj, err := probe.ParseRawObject(body)
	if err != nil {
		return []probe.Usage{probe.Unavailable("gemini-code-assist", "Gemini Code Assist",
			"unexpected payload shape: "+err.Error(), resp.StatusCode, latency)}, nil
	}

	buckets, _ := obj["buckets"].([]interface{})
	if len(buckets) == 0 {
		return []probe.Usage{probe.Unavailable("gemini-code-assist", "Gemini Code Assist",
			"quota response carried no buckets", resp.StatusCode, latency)}, nil
	}
	// The first bucket is the primary quota window; vendor responses list it
	// ahead of any secondary/burst windows, so it alone drives the summary
	// percentage rather than an average across all of them.
	bm, ok := buckets[0].(map[string]interface{})
	if !ok {
		return []probe.Usage{probe.Unavailable("gemini-code-assist", "Gemini Code Assist",
			"quota response bucket had an unexpected shape", resp.StatusCode, latency)}, nil
	}
	remaining, ok := probe.RawObject(bm).FirstNumber("remainingFraction")
	if !ok {
		return []probe.Usage{probe.Unavailable("gemini-code-assist", "Gemini Code Assist",
			"quota response bucket carried no remainingFraction", resp.StatusCode, latency)}, nil
	}

	accountName := cred.Email
	if accountName == "" {
		accountName = probe.ResolveIdentity(obj, nil, accessToken, "", "gemini-code-assist")
	}

	return []probe.Usage{{
		ProviderID:         "gemini-code-assist",
		ProviderName:       "Gemini Code Assist",
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
