package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// OAuthTokens is the refresh-token-flow result a vendor's token endpoint
// returns. ExpiresAt is computed locally from ExpiresIn at refresh time.
type OAuthTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"-"`
}

// tokenRefreshBuffer is how far ahead of expiry a cached access token is
// considered stale and eagerly refreshed.
const tokenRefreshBuffer = 5 * time.Minute

// RefreshTokenEndpoint describes a vendor's refresh_token grant: a fixed
// token URL plus whatever extra form/JSON fields that vendor's token
// endpoint requires beyond grant_type/refresh_token (client_id, scope, …).
type RefreshTokenEndpoint struct {
	TokenURL   string
	ExtraJSON  map[string]interface{}
	HTTPClient *http.Client
}

// RefreshAccessToken exchanges a refresh token for a new access token. It
// posts JSON (not form-encoded), matching the subset of vendor token
// endpoints this agent talks to that require it.
func (e RefreshTokenEndpoint) RefreshAccessToken(ctx context.Context, refreshToken string) (*OAuthTokens, error) {
	client := e.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	payload := map[string]interface{}{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	for k, v := range e.ExtraJSON {
		payload[k] = v
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Str("token_url", e.TokenURL).Msg("oauth token refresh failed")
		return nil, fmt.Errorf("token refresh failed with status %d", resp.StatusCode)
	}

	var tokens OAuthTokens
	if err := json.Unmarshal(respBody, &tokens); err != nil {
		return nil, fmt.Errorf("parse refresh response: %w", err)
	}
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	if tokens.ExpiresIn > 0 {
		tokens.ExpiresAt = time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	}
	return &tokens, nil
}

// CachedTokenSource keeps the per-probe in-memory token cache the spec
// describes: a refresh-token-backed access token that's lazily refreshed
// when close to expiry, and evicted outright on a 401/403 from the
// downstream call so the next attempt forces a fresh exchange.
type CachedTokenSource struct {
	mu           sync.Mutex
	endpoint     RefreshTokenEndpoint
	refreshToken string
	tokens       *OAuthTokens
}

// NewCachedTokenSource seeds the cache with a long-lived refresh token read
// from an on-disk credential file.
func NewCachedTokenSource(endpoint RefreshTokenEndpoint, refreshToken string) *CachedTokenSource {
	return &CachedTokenSource{endpoint: endpoint, refreshToken: refreshToken}
}

// AccessToken returns a valid access token, refreshing it first if it is
// missing or within tokenRefreshBuffer of expiry.
func (c *CachedTokenSource) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tokens != nil && time.Until(c.tokens.ExpiresAt) > tokenRefreshBuffer {
		return c.tokens.AccessToken, nil
	}

	tokens, err := c.endpoint.RefreshAccessToken(ctx, c.refreshToken)
	if err != nil {
		return "", err
	}
	c.tokens = tokens
	c.refreshToken = tokens.RefreshToken
	return tokens.AccessToken, nil
}

// Invalidate drops the cached access token; callers invoke this when the
// downstream API returns 401/403 so the next AccessToken call forces a
// refresh instead of reusing a token the vendor has already rejected.
func (c *CachedTokenSource) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = nil
}
