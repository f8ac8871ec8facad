package authflow

import (
	"fmt"
	"strings"

	"github.com/floegence/skillrunner/internal/errcode"
)

// Transports.
const (
	TransportOAuthProxy  = "oauth_proxy"
	TransportCLIDelegate = "cli_delegate"
)

// Auth methods for the oauth_proxy transport.
const (
	MethodCallback      = "callback"
	MethodAuthCodeOrURL = "auth_code_or_url"
	MethodAPIKey        = "api_key"
)

// Driver describes one supported engine/transport/method/provider combination
// and everything needed to run it.
type Driver struct {
	Engine     string
	Transport  string
	AuthMethod string
	ProviderID string

	// Channel / CallbackPort back the loopback listener (callback method).
	Channel      string
	CallbackPort int
	CallbackPath string

	AuthorizeURL  string
	TokenURL      string
	DeviceAuthURL string
	ClientID      string
	ClientSecret  string
	Scopes        []string

	// DeviceCode marks auth_code_or_url variants that poll a device grant.
	DeviceCode bool

	// CredentialFile is the engine-native credential path relative to home.
	CredentialFile string

	// ParentTrustBootstrap initializes the engine's trust marker dir before a
	// cli_delegate spawn.
	ParentTrustBootstrap bool

	// ClearAccountsFirst takes a backup of CredentialFile and clears it before
	// a new credential set is written (google-antigravity).
	ClearAccountsFirst bool

	// LoginCommand is the cli_delegate command vector.
	LoginCommand []string
}

// Registry validates the driver matrix at plan time.
type Registry struct {
	drivers map[string]*Driver
}

func driverKey(engine, transport, method, providerID string) string {
	return strings.Join([]string{
		strings.ToLower(strings.TrimSpace(engine)),
		strings.ToLower(strings.TrimSpace(transport)),
		strings.ToLower(strings.TrimSpace(method)),
		strings.ToLower(strings.TrimSpace(providerID)),
	}, "|")
}

// NewRegistry builds the default driver matrix.
func NewRegistry() *Registry {
	r := &Registry{drivers: make(map[string]*Driver)}
	for _, d := range defaultDrivers() {
		r.drivers[driverKey(d.Engine, d.Transport, d.AuthMethod, d.ProviderID)] = d
	}
	return r
}

// Resolve returns the driver for the combination or
// UNSUPPORTED_AUTH_COMBINATION.
func (r *Registry) Resolve(engine, transport, method, providerID string) (*Driver, error) {
	d, ok := r.drivers[driverKey(engine, transport, method, providerID)]
	if !ok {
		return nil, errcode.New(errcode.UnsupportedAuthCombination,
			"no auth driver for engine=%s transport=%s auth_method=%s provider_id=%s",
			engine, transport, method, providerID)
	}
	return d, nil
}

// OverrideClient swaps the OAuth client credentials on every driver of an
// engine. Deployments with their own registered apps set these via config or
// SKILL_RUNNER_<ENGINE>_CLIENT_ID / _CLIENT_SECRET.
func (r *Registry) OverrideClient(engine, clientID, clientSecret string) {
	engine = strings.TrimSpace(engine)
	for _, d := range r.drivers {
		if !strings.EqualFold(d.Engine, engine) {
			continue
		}
		if clientID != "" {
			d.ClientID = clientID
		}
		if clientSecret != "" {
			d.ClientSecret = clientSecret
		}
	}
}

// Register adds a driver (tests and forks).
func (r *Registry) Register(d *Driver) error {
	if d == nil || d.Engine == "" || d.Transport == "" {
		return fmt.Errorf("incomplete driver")
	}
	key := driverKey(d.Engine, d.Transport, d.AuthMethod, d.ProviderID)
	if _, dup := r.drivers[key]; dup {
		return fmt.Errorf("driver %s already registered", key)
	}
	r.drivers[key] = d
	return nil
}

func defaultDrivers() []*Driver {
	return []*Driver{
		{
			Engine: "codex", Transport: TransportOAuthProxy, AuthMethod: MethodCallback,
			Channel: ChannelOpenAI, CallbackPort: 1455, CallbackPath: "/auth/callback",
			AuthorizeURL:         "https://auth.openai.com/oauth/authorize",
			TokenURL:             "https://auth.openai.com/oauth/token",
			ClientID:             "app_EMoamEEZ73f0CkXaXp7hrann",
			Scopes:               []string{"openid", "profile", "email", "offline_access"},
			CredentialFile:       ".codex/auth.json",
			ParentTrustBootstrap: true,
		},
		{
			Engine: "codex", Transport: TransportOAuthProxy, AuthMethod: MethodAuthCodeOrURL,
			ProviderID:     "device",
			TokenURL:       "https://auth.openai.com/oauth/token",
			DeviceAuthURL:  "https://auth.openai.com/oauth/device/authorization",
			ClientID:       "app_EMoamEEZ73f0CkXaXp7hrann",
			DeviceCode:     true,
			CredentialFile: ".codex/auth.json",
		},
		{
			Engine: "codex", Transport: TransportOAuthProxy, AuthMethod: MethodAPIKey,
			CredentialFile: ".codex/auth.json",
		},
		{
			Engine: "codex", Transport: TransportCLIDelegate,
			LoginCommand:         []string{"codex", "login"},
			ParentTrustBootstrap: true,
			CredentialFile:       ".codex/auth.json",
		},
		{
			Engine: "gemini", Transport: TransportOAuthProxy, AuthMethod: MethodCallback,
			Channel: ChannelGemini, CallbackPort: 8085, CallbackPath: "/oauth2callback",
			AuthorizeURL: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			ClientID:     "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
			Scopes: []string{
				"https://www.googleapis.com/auth/cloud-platform",
				"https://www.googleapis.com/auth/userinfo.email",
			},
			CredentialFile:       ".gemini/oauth_creds.json",
			ParentTrustBootstrap: true,
		},
		{
			Engine: "gemini", Transport: TransportOAuthProxy, AuthMethod: MethodAPIKey,
			CredentialFile: ".gemini/settings.json",
		},
		{
			Engine: "gemini", Transport: TransportCLIDelegate,
			LoginCommand:         []string{"gemini", "login"},
			ParentTrustBootstrap: true,
			CredentialFile:       ".gemini/oauth_creds.json",
		},
		{
			Engine: "iflow", Transport: TransportOAuthProxy, AuthMethod: MethodCallback,
			Channel: ChannelIFlow, CallbackPort: 11451, CallbackPath: "/oauth/callback",
			AuthorizeURL:   "https://iflow.cn/oauth/authorize",
			TokenURL:       "https://iflow.cn/oauth/token",
			ClientID:       "iflow-cli",
			CredentialFile: ".iflow/oauth_creds.json",
		},
		{
			Engine: "iflow", Transport: TransportOAuthProxy, AuthMethod: MethodAPIKey,
			CredentialFile: ".iflow/settings.json",
		},
		{
			Engine: "opencode", Transport: TransportOAuthProxy, AuthMethod: MethodAuthCodeOrURL,
			ProviderID:     "openai-device",
			TokenURL:       "https://auth.openai.com/oauth/token",
			DeviceAuthURL:  "https://auth.openai.com/oauth/device/authorization",
			ClientID:       "app_EMoamEEZ73f0CkXaXp7hrann",
			DeviceCode:     true,
			CredentialFile: ".local/share/opencode/auth.json",
		},
		{
			Engine: "opencode", Transport: TransportOAuthProxy, AuthMethod: MethodCallback,
			ProviderID: "google-antigravity",
			Channel:    ChannelAntigravity, CallbackPort: 9226, CallbackPath: "/auth/callback",
			AuthorizeURL:       "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:           "https://oauth2.googleapis.com/token",
			ClientID:           "antigravity-local",
			CredentialFile:     ".local/share/opencode/antigravity_accounts.json",
			ClearAccountsFirst: true,
		},
		{
			Engine: "opencode", Transport: TransportOAuthProxy, AuthMethod: MethodAPIKey,
			CredentialFile: ".local/share/opencode/auth.json",
		},
		{
			Engine: "opencode", Transport: TransportCLIDelegate,
			LoginCommand:   []string{"opencode", "auth", "login"},
			CredentialFile: ".local/share/opencode/auth.json",
		},
	}
}
