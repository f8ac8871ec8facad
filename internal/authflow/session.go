// Package authflow drives one-shot OAuth/credential sessions for the engine
// CLIs: embedded OAuth client (loopback callback, code paste, device code,
// api key) or delegation to the engine's own login command under a PTY.
package authflow

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/skillrunner/internal/errcode"
)

// Session statuses.
const (
	StatusStarting      = "starting"
	StatusWaitingUser   = "waiting_user"
	StatusCodeSubmitted = "code_submitted_waiting_result"
	StatusSucceeded     = "succeeded"
	StatusFailed        = "failed"
	StatusCanceled      = "canceled"
	StatusExpired       = "expired"
)

// IsTerminalStatus reports whether a session status is a sink.
func IsTerminalStatus(s string) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

const (
	defaultSessionTTL = 10 * time.Minute
	minSessionTTL     = 60 * time.Second
	sweepInterval     = 30 * time.Second
)

// AuditEntry is one timestamped event in a session's trail.
type AuditEntry struct {
	At     time.Time      `json:"at"`
	Event  string         `json:"event"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Session is one live auth flow. Runtime fields never leave the process.
type Session struct {
	ID         string `json:"session_id"`
	Engine     string `json:"engine"`
	Transport  string `json:"transport"`
	AuthMethod string `json:"auth_method"`
	ProviderID string `json:"provider_id,omitempty"`

	Status    string       `json:"status"`
	AuthURL   string       `json:"auth_url,omitempty"`
	UserCode  string       `json:"user_code,omitempty"`
	Error     string       `json:"error,omitempty"`
	ExpiresAt time.Time    `json:"expires_at"`
	Audit     []AuditEntry `json:"audit"`

	driver     *Driver
	pkce       *PKCEParams
	state      string
	deviceCode string
	nextPollAt time.Time
	delegate   *DelegateProcess
}

func (s *Session) audit(event string, detail map[string]any) {
	s.Audit = append(s.Audit, AuditEntry{At: time.Now(), Event: event, Detail: detail})
}

// View is the wire projection of a session.
type View struct {
	SessionID  string       `json:"session_id"`
	Engine     string       `json:"engine"`
	Transport  string       `json:"transport"`
	AuthMethod string       `json:"auth_method"`
	ProviderID string       `json:"provider_id,omitempty"`
	Status     string       `json:"status"`
	AuthURL    string       `json:"auth_url,omitempty"`
	UserCode   string       `json:"user_code,omitempty"`
	Error      string       `json:"error,omitempty"`
	ExpiresAt  time.Time    `json:"expires_at"`
	Audit      []AuditEntry `json:"audit"`
}

func (s *Session) view() *View {
	return &View{
		SessionID:  s.ID,
		Engine:     s.Engine,
		Transport:  s.Transport,
		AuthMethod: s.AuthMethod,
		ProviderID: s.ProviderID,
		Status:     s.Status,
		AuthURL:    s.AuthURL,
		UserCode:   s.UserCode,
		Error:      s.Error,
		ExpiresAt:  s.ExpiresAt,
		Audit:      append([]AuditEntry(nil), s.Audit...),
	}
}

// Options configure a Manager.
type Options struct {
	HomeDir  string
	Registry *Registry
	Gate     *InteractionGate
	Tokens   *TokenClient
	Logger   *slog.Logger
	// DisableListeners skips loopback listener startup (tests drive
	// HandleCallback directly).
	DisableListeners bool
}

// Manager owns auth session lifecycles.
type Manager struct {
	homeDir   string
	registry  *Registry
	gate      *InteractionGate
	tokens    *TokenClient
	states    *CallbackStateStore
	listeners *listenerSet
	logger    *slog.Logger

	noListeners bool

	mu       sync.Mutex
	sessions map[string]*Session

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager wires a Manager and starts its expiry sweeper.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "authflow")
	home := opts.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	gate := opts.Gate
	if gate == nil {
		gate = NewInteractionGate()
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = &TokenClient{}
	}
	m := &Manager{
		homeDir:     home,
		registry:    reg,
		gate:        gate,
		tokens:      tokens,
		states:      NewCallbackStateStore(),
		logger:      logger,
		noListeners: opts.DisableListeners,
		sessions:    make(map[string]*Session),
		stop:        make(chan struct{}),
	}
	m.listeners = newListenerSet(m, logger)
	go m.sweepLoop()
	return m
}

// Gate exposes the interaction gate shared with interactive TUI flows.
func (m *Manager) Gate() *InteractionGate { return m.gate }

// Close stops the sweeper and every listener and delegate.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.listeners.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.delegate != nil {
			s.delegate.Stop()
		}
	}
}

// StartInput describes a session-start request.
type StartInput struct {
	Engine     string `json:"engine"`
	Transport  string `json:"transport"`
	AuthMethod string `json:"auth_method"`
	ProviderID string `json:"provider_id,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	TTLSec     int    `json:"ttl_sec,omitempty"`
}

// Start begins an auth session. The interaction gate admits at most one; a
// busy gate forces one device poll first so a just-completed device session
// does not cause a false rejection.
func (m *Manager) Start(ctx context.Context, in StartInput) (*View, error) {
	driver, err := m.registry.Resolve(in.Engine, in.Transport, in.AuthMethod, in.ProviderID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if err := m.gate.Acquire(ScopeAuthFlow, id, in.Engine); err != nil {
		m.forceDevicePoll(ctx)
		if err = m.gate.Acquire(ScopeAuthFlow, id, in.Engine); err != nil {
			return nil, err
		}
	}

	ttl := defaultSessionTTL
	if in.TTLSec > 0 {
		ttl = time.Duration(in.TTLSec) * time.Second
		if ttl < minSessionTTL {
			ttl = minSessionTTL
		}
	}
	sess := &Session{
		ID:         id,
		Engine:     in.Engine,
		Transport:  driver.Transport,
		AuthMethod: driver.AuthMethod,
		ProviderID: driver.ProviderID,
		Status:     StatusStarting,
		ExpiresAt:  time.Now().Add(ttl),
		driver:     driver,
	}
	sess.audit("session.started", map[string]any{
		"engine": in.Engine, "transport": driver.Transport, "auth_method": driver.AuthMethod,
	})

	// The session is registered only after the first step settles so no other
	// goroutine observes it half-built.
	beginErr := m.begin(ctx, sess, in)
	m.mu.Lock()
	if beginErr != nil && !IsTerminalStatus(sess.Status) {
		m.finalizeLocked(sess, StatusFailed, beginErr.Error())
	}
	m.sessions[id] = sess
	view := sess.view()
	delegate := sess.delegate
	m.mu.Unlock()

	if delegate != nil && beginErr == nil {
		go m.watchDelegate(id, delegate)
	}
	return view, beginErr
}

// begin runs the transport-specific first step.
func (m *Manager) begin(ctx context.Context, sess *Session, in StartInput) error {
	d := sess.driver
	switch {
	case d.Transport == TransportCLIDelegate:
		return m.beginDelegate(sess)
	case d.AuthMethod == MethodAPIKey:
		if strings.TrimSpace(in.APIKey) == "" {
			// The key arrives later via SubmitInput.
			m.setStatus(sess, StatusWaitingUser)
			return nil
		}
		return m.storeAPIKey(sess, in.APIKey)
	case d.AuthMethod == MethodCallback:
		return m.beginCallback(sess)
	case d.DeviceCode:
		return m.beginDevice(ctx, sess)
	default:
		// Manual code paste: the user opens the URL themselves.
		pkce, err := GeneratePKCE()
		if err != nil {
			return err
		}
		sess.pkce = pkce
		sess.AuthURL = m.authorizeURL(sess, "urn:ietf:wg:oauth:2.0:oob", "")
		m.setStatus(sess, StatusWaitingUser)
		return nil
	}
}

func (m *Manager) beginCallback(sess *Session) error {
	d := sess.driver
	pkce, err := GeneratePKCE()
	if err != nil {
		return err
	}
	state, err := GenerateState()
	if err != nil {
		return err
	}
	sess.pkce = pkce
	sess.state = state
	if err := m.states.Put(d.Channel, state, sess.ID); err != nil {
		return err
	}
	if !m.noListeners {
		if err := m.listeners.Ensure(d.Channel, d.CallbackPort, d.CallbackPath); err != nil {
			return err
		}
	}
	sess.AuthURL = m.authorizeURL(sess, m.redirectURI(d), state)
	m.setStatus(sess, StatusWaitingUser)
	sess.audit("auth_url.issued", map[string]any{"channel": d.Channel})
	return nil
}

func (m *Manager) beginDevice(ctx context.Context, sess *Session) error {
	d := sess.driver
	da, err := m.tokens.StartDeviceAuth(ctx, d.DeviceAuthURL, d.ClientID, d.Scopes)
	if err != nil {
		return err
	}
	sess.deviceCode = da.DeviceCode
	sess.UserCode = da.UserCode
	sess.AuthURL = da.VerificationURI
	sess.nextPollAt = time.Now().Add(time.Duration(da.Interval) * time.Second)
	m.setStatus(sess, StatusWaitingUser)
	sess.audit("device_auth.issued", map[string]any{"interval_sec": da.Interval})
	return nil
}

func (m *Manager) beginDelegate(sess *Session) error {
	d := sess.driver
	if d.ParentTrustBootstrap {
		if err := EnsureTrustMarker(m.homeDir, sess.Engine); err != nil {
			return fmt.Errorf("trust bootstrap: %w", err)
		}
		sess.audit("trust.bootstrapped", nil)
	}
	p, err := StartDelegate(d.LoginCommand, m.homeDir, nil)
	if err != nil {
		return err
	}
	sess.delegate = p
	m.setStatus(sess, StatusWaitingUser)
	return nil
}

// watchDelegate scrapes the PTY stream for auth hints and settles the session
// when the child exits.
func (m *Manager) watchDelegate(sessionID string, p *DelegateProcess) {
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-p.Done():
			m.mu.Lock()
			if sess := m.sessions[sessionID]; sess != nil && !IsTerminalStatus(sess.Status) {
				if p.ExitErr() == nil {
					m.finalizeLocked(sess, StatusSucceeded, "")
				} else {
					m.finalizeLocked(sess, StatusFailed, p.ExitErr().Error())
				}
			}
			m.mu.Unlock()
			return
		case <-tick.C:
			authURL, userCode := ScrapeAuthHints(p.Output())
			m.mu.Lock()
			sess := m.sessions[sessionID]
			if sess == nil || IsTerminalStatus(sess.Status) {
				m.mu.Unlock()
				return
			}
			if authURL != "" && sess.AuthURL == "" {
				sess.AuthURL = authURL
				sess.audit("auth_url.scraped", nil)
			}
			if userCode != "" && sess.UserCode == "" {
				sess.UserCode = userCode
			}
			m.mu.Unlock()
		}
	}
}

// SubmitInput feeds a code, api key or free text into a waiting session.
func (m *Manager) SubmitInput(ctx context.Context, sessionID, value string) (*View, error) {
	m.mu.Lock()
	sess := m.sessions[sessionID]
	if sess == nil {
		m.mu.Unlock()
		return nil, errcode.New(errcode.AuthExpired, "unknown auth session %s", sessionID)
	}
	if m.expireLocked(sess) {
		view := sess.view()
		m.mu.Unlock()
		return view, errcode.New(errcode.AuthExpired, "auth session %s expired", sessionID)
	}
	if IsTerminalStatus(sess.Status) {
		view := sess.view()
		m.mu.Unlock()
		return view, errcode.New(errcode.AuthExpired, "auth session %s already %s", sessionID, sess.Status)
	}
	d := sess.driver
	delegate := sess.delegate
	m.mu.Unlock()

	switch {
	case d.Transport == TransportCLIDelegate:
		if err := delegate.WriteInput(value); err != nil {
			return m.fail(sessionID, fmt.Sprintf("forward input: %v", err))
		}
		m.mu.Lock()
		sess.audit("input.forwarded", nil)
		view := sess.view()
		m.mu.Unlock()
		return view, nil

	case d.AuthMethod == MethodAPIKey:
		m.mu.Lock()
		err := m.storeAPIKey(sess, value)
		view := sess.view()
		m.mu.Unlock()
		if err != nil {
			return m.fail(sessionID, err.Error())
		}
		return view, nil

	case d.DeviceCode:
		m.mu.Lock()
		m.setStatus(sess, StatusCodeSubmitted)
		sess.nextPollAt = time.Time{}
		m.mu.Unlock()
		m.pollDevice(ctx, sessionID, true)
		m.mu.Lock()
		view := sess.view()
		m.mu.Unlock()
		return view, nil

	default:
		// Pasted authorization code (manual or copied from the callback page).
		m.mu.Lock()
		m.setStatus(sess, StatusCodeSubmitted)
		pkce := sess.pkce
		m.mu.Unlock()
		verifier := ""
		if pkce != nil {
			verifier = pkce.Verifier
		}
		token, err := m.tokens.ExchangeCode(ctx, d.TokenURL, d.ClientID, d.ClientSecret, strings.TrimSpace(value), m.redirectURI(d), verifier)
		if err != nil {
			return m.fail(sessionID, err.Error())
		}
		return m.succeedWithToken(sessionID, token, map[string]any{"manual_code": true})
	}
}

// HandleCallback resolves a loopback redirect. The state token is consumed
// exactly once; replays render an error page.
func (m *Manager) HandleCallback(ctx context.Context, channel, state, code, errParam string) (string, int) {
	if errParam != "" {
		if sessionID, err := m.states.Consume(channel, state); err == nil {
			_, _ = m.fail(sessionID, "provider returned error: "+errParam)
		}
		return errorPage("Authorization failed: " + errParam), 400
	}
	sessionID, err := m.states.Consume(channel, state)
	if err != nil {
		return errorPage(err.Error()), 400
	}
	if strings.TrimSpace(code) == "" {
		_, _ = m.fail(sessionID, "no authorization code in callback")
		return errorPage("No authorization code received."), 400
	}

	m.mu.Lock()
	sess := m.sessions[sessionID]
	if sess == nil || IsTerminalStatus(sess.Status) {
		m.mu.Unlock()
		return errorPage("Session is no longer active."), 400
	}
	m.setStatus(sess, StatusCodeSubmitted)
	d := sess.driver
	verifier := ""
	if sess.pkce != nil {
		verifier = sess.pkce.Verifier
	}
	m.mu.Unlock()

	token, err := m.tokens.ExchangeCode(ctx, d.TokenURL, d.ClientID, d.ClientSecret, code, m.redirectURI(d), verifier)
	if err != nil {
		_, _ = m.fail(sessionID, err.Error())
		return errorPage("Token exchange failed."), 400
	}
	if _, err := m.succeedWithToken(sessionID, token, map[string]any{"auto_callback_success": true}); err != nil {
		return errorPage("Credential write failed."), 400
	}
	return successPage(), 200
}

// Get returns the session view, settling expiry and due device polls first.
func (m *Manager) Get(ctx context.Context, sessionID string) (*View, error) {
	m.pollDevice(ctx, sessionID, false)
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[sessionID]
	if sess == nil {
		return nil, errcode.New(errcode.AuthExpired, "unknown auth session %s", sessionID)
	}
	m.expireLocked(sess)
	return sess.view(), nil
}

// Cancel finalizes a session as canceled; false when already terminal.
func (m *Manager) Cancel(sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[sessionID]
	if sess == nil {
		return false, errcode.New(errcode.AuthExpired, "unknown auth session %s", sessionID)
	}
	if IsTerminalStatus(sess.Status) {
		return false, nil
	}
	m.finalizeLocked(sess, StatusCanceled, "")
	return true, nil
}

// pollDevice performs one device-grant poll when due (or forced).
func (m *Manager) pollDevice(ctx context.Context, sessionID string, force bool) {
	m.mu.Lock()
	sess := m.sessions[sessionID]
	if sess == nil || IsTerminalStatus(sess.Status) || sess.driver == nil || !sess.driver.DeviceCode || sess.deviceCode == "" {
		m.mu.Unlock()
		return
	}
	if !force && time.Now().Before(sess.nextPollAt) {
		m.mu.Unlock()
		return
	}
	d := sess.driver
	deviceCode := sess.deviceCode
	m.mu.Unlock()

	token, err := m.tokens.PollDeviceCode(ctx, d.TokenURL, d.ClientID, d.ClientSecret, deviceCode)
	switch {
	case err == nil:
		_, _ = m.succeedWithToken(sessionID, token, map[string]any{"device_poll": true})
	case IsDevicePending(err):
		m.mu.Lock()
		if s := m.sessions[sessionID]; s != nil {
			s.nextPollAt = time.Now().Add(5 * time.Second)
		}
		m.mu.Unlock()
	default:
		_, _ = m.fail(sessionID, err.Error())
	}
}

// forceDevicePoll settles any pending device session before a busy rejection.
func (m *Manager) forceDevicePoll(ctx context.Context) {
	m.mu.Lock()
	var pending []string
	for id, s := range m.sessions {
		if !IsTerminalStatus(s.Status) && s.driver != nil && s.driver.DeviceCode && s.deviceCode != "" {
			pending = append(pending, id)
		}
	}
	m.mu.Unlock()
	for _, id := range pending {
		m.pollDevice(ctx, id, true)
	}
}

func (m *Manager) succeedWithToken(sessionID string, token *Token, detail map[string]any) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[sessionID]
	if sess == nil || IsTerminalStatus(sess.Status) {
		return nil, errcode.New(errcode.AuthExpired, "auth session %s is no longer active", sessionID)
	}
	if err := m.writeCredentialsLocked(sess, token); err != nil {
		m.finalizeLocked(sess, StatusFailed, err.Error())
		return sess.view(), err
	}
	sess.audit("token.acquired", detail)
	m.finalizeLocked(sess, StatusSucceeded, "")
	return sess.view(), nil
}

func (m *Manager) fail(sessionID, msg string) (*View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[sessionID]
	if sess == nil {
		return nil, errcode.New(errcode.AuthExpired, "unknown auth session %s", sessionID)
	}
	if !IsTerminalStatus(sess.Status) {
		m.finalizeLocked(sess, StatusFailed, msg)
	}
	return sess.view(), errcode.New(errcode.Internal, "%s", msg)
}

func (m *Manager) storeAPIKey(sess *Session, apiKey string) error {
	if strings.TrimSpace(apiKey) == "" {
		return fmt.Errorf("empty api key")
	}
	path := filepath.Join(m.homeDir, sess.driver.CredentialFile)
	if err := WriteCredentialFile(path, map[string]any{"api_key": strings.TrimSpace(apiKey)}); err != nil {
		return err
	}
	sess.audit("credential.written", map[string]any{"path": path, "kind": "api_key"})
	m.finalizeLocked(sess, StatusSucceeded, "")
	return nil
}

func (m *Manager) writeCredentialsLocked(sess *Session, token *Token) error {
	d := sess.driver
	path := filepath.Join(m.homeDir, d.CredentialFile)
	if d.ClearAccountsFirst {
		outcome := ClearWithBackup(path)
		sess.audit("accounts.cleared", map[string]any{
			"cleared": outcome.Cleared, "restored": outcome.Restored, "error": outcome.Error,
		})
		if !outcome.Cleared {
			return fmt.Errorf("clearing prior accounts: %s", outcome.Error)
		}
	}
	if err := WriteCredentialFile(path, token); err != nil {
		return err
	}
	sess.audit("credential.written", map[string]any{"path": path, "kind": "oauth_tokens"})
	return nil
}

// finalizeLocked seals a session: gate release, state cleanup, listener
// release, delegate stop. Callers hold m.mu.
func (m *Manager) finalizeLocked(sess *Session, status, errMsg string) {
	if IsTerminalStatus(sess.Status) {
		return
	}
	sess.Status = status
	sess.Error = errMsg
	sess.audit("session.finalized", map[string]any{"status": status})

	m.gate.Release(ScopeAuthFlow, sess.ID)
	m.states.DropSession(sess.ID)
	if sess.driver != nil && sess.driver.AuthMethod == MethodCallback && !m.noListeners {
		m.listeners.Release(sess.driver.Channel)
	}
	if sess.delegate != nil && sess.delegate.Alive() {
		go sess.delegate.Stop()
	}
	m.logger.Info("auth session finalized", "session_id", sess.ID, "engine", sess.Engine, "status", status)
}

// expireLocked settles a session past its deadline; reports whether it is
// expired. Callers hold m.mu.
func (m *Manager) expireLocked(sess *Session) bool {
	if sess.Status == StatusExpired {
		return true
	}
	if IsTerminalStatus(sess.Status) || time.Now().Before(sess.ExpiresAt) {
		return false
	}
	m.finalizeLocked(sess, StatusExpired, "session ttl elapsed")
	return true
}

func (m *Manager) sweepLoop() {
	tick := time.NewTicker(sweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-tick.C:
			m.mu.Lock()
			for _, s := range m.sessions {
				m.expireLocked(s)
			}
			m.mu.Unlock()
			m.states.Sweep(time.Hour)
		}
	}
}

func (m *Manager) setStatus(sess *Session, status string) {
	if sess.Status != status {
		sess.Status = status
		sess.audit("status.changed", map[string]any{"status": status})
	}
}

func (m *Manager) redirectURI(d *Driver) string {
	if d.AuthMethod != MethodCallback {
		return "urn:ietf:wg:oauth:2.0:oob"
	}
	return fmt.Sprintf("http://localhost:%d%s", d.CallbackPort, d.CallbackPath)
}

func (m *Manager) authorizeURL(sess *Session, redirectURI, state string) string {
	d := sess.driver
	q := url.Values{
		"client_id":     {d.ClientID},
		"response_type": {"code"},
		"redirect_uri":  {redirectURI},
	}
	if len(d.Scopes) > 0 {
		q.Set("scope", strings.Join(d.Scopes, " "))
	}
	if state != "" {
		q.Set("state", state)
	}
	if sess.pkce != nil {
		q.Set("code_challenge", sess.pkce.Challenge)
		q.Set("code_challenge_method", sess.pkce.Method)
	}
	return d.AuthorizeURL + "?" + q.Encode()
}

func successPage() string {
	return `<!doctype html><html><body><h1>Authorization successful</h1><p>You may close this page and return to the terminal.</p></body></html>`
}

// errorPage escapes msg: callback parameters are attacker-controllable and
// must not reflect into the page as markup.
func errorPage(msg string) string {
	return fmt.Sprintf(`<!doctype html><html><body><h1>Authorization error</h1><p>%s</p></body></html>`, html.EscapeString(msg))
}
