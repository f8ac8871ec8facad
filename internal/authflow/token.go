package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Token holds exchanged OAuth token data.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	APIKey       string    `json:"api_key,omitempty"`
}

// IsExpired reports whether the token expires within the buffer.
func (t *Token) IsExpired(buffer time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Add(buffer).After(t.ExpiresAt)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorDesc    string `json:"error_description,omitempty"`
}

// devicePendingError marks an authorization_pending / slow_down poll result.
type devicePendingError struct{ code string }

func (e *devicePendingError) Error() string { return "device authorization pending: " + e.code }

// IsDevicePending reports whether err is a retryable device-code poll result.
func IsDevicePending(err error) bool {
	_, ok := err.(*devicePendingError)
	return ok
}

// TokenClient talks to a provider's token endpoint.
type TokenClient struct {
	HTTP *http.Client
}

func (c *TokenClient) client() *http.Client {
	if c == nil || c.HTTP == nil {
		return &http.Client{Timeout: 30 * time.Second}
	}
	return c.HTTP
}

// ExchangeCode exchanges an authorization code for tokens (PKCE). The client
// secret is empty for the baked-in public clients and set only via overrides.
func (c *TokenClient) ExchangeCode(ctx context.Context, tokenURL, clientID, clientSecret, code, redirectURI, codeVerifier string) (*Token, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {clientID},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {codeVerifier},
	}
	if clientSecret != "" {
		data.Set("client_secret", clientSecret)
	}
	return c.doTokenRequest(ctx, tokenURL, data)
}

// Refresh exchanges a refresh token for a fresh access token.
func (c *TokenClient) Refresh(ctx context.Context, tokenURL, clientID, clientSecret, refreshToken string) (*Token, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"refresh_token": {refreshToken},
	}
	if clientSecret != "" {
		data.Set("client_secret", clientSecret)
	}
	return c.doTokenRequest(ctx, tokenURL, data)
}

// DeviceAuth is the provider's device-authorization grant bootstrap.
type DeviceAuth struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// StartDeviceAuth requests a device/user code pair from the provider.
func (c *TokenClient) StartDeviceAuth(ctx context.Context, deviceAuthURL, clientID string, scopes []string) (*DeviceAuth, error) {
	data := url.Values{"client_id": {clientID}}
	if len(scopes) > 0 {
		data.Set("scope", strings.Join(scopes, " "))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deviceAuthURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var da DeviceAuth
	if err := json.Unmarshal(body, &da); err != nil {
		return nil, fmt.Errorf("parsing device authorization response: %w", err)
	}
	if da.DeviceCode == "" {
		return nil, fmt.Errorf("no device code in response")
	}
	if da.Interval <= 0 {
		da.Interval = 5
	}
	return &da, nil
}

// PollDeviceCode performs one device-code grant poll. A pending result comes
// back as a devicePendingError so callers can keep waiting.
func (c *TokenClient) PollDeviceCode(ctx context.Context, tokenURL, clientID, clientSecret, deviceCode string) (*Token, error) {
	data := url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":   {clientID},
		"device_code": {deviceCode},
	}
	if clientSecret != "" {
		data.Set("client_secret", clientSecret)
	}
	return c.doTokenRequest(ctx, tokenURL, data)
}

func (c *TokenClient) doTokenRequest(ctx context.Context, tokenURL string, data url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	switch tr.Error {
	case "":
	case "authorization_pending", "slow_down":
		return nil, &devicePendingError{code: tr.Error}
	default:
		return nil, fmt.Errorf("oauth error: %s - %s", tr.Error, tr.ErrorDesc)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("no access token in response")
	}

	token := &Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
	}
	if tr.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return token, nil
}
