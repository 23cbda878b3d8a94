// Package auth drives the OAuth2 authorization-code flow and keeps the
// session's access token fresh.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opf/opcli/internal/config"
	"github.com/opf/opcli/internal/credstore"
	"github.com/opf/opcli/internal/output"
	"github.com/opf/opcli/internal/session"
	"github.com/opf/opcli/internal/version"
)

// Manager owns the OAuth flow and token refresh for one session.
type Manager struct {
	cfg        *config.Config
	sess       *session.Session
	store      *credstore.Store
	httpClient *http.Client

	refreshGroup singleflight.Group
}

// NewManager creates a new auth manager.
func NewManager(cfg *config.Config, sess *session.Session, store *credstore.Store, httpClient *http.Client) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{
		cfg:        cfg,
		sess:       sess,
		store:      store,
		httpClient: httpClient,
	}
}

// Session returns the session this manager mutates.
func (m *Manager) Session() *session.Session {
	return m.sess
}

// Store returns the credential store.
func (m *Manager) Store() *credstore.Store {
	return m.store
}

func (m *Manager) origin() string {
	return config.NormalizeBaseURL(m.cfg.BaseURL)
}

// Restore populates the session from persisted credentials. Absent or
// undecodable entries leave the session logged out; no network call is made.
func (m *Manager) Restore() {
	var creds credstore.Credentials
	if err := m.store.LoadJSON(m.origin(), credstore.AccountCredentials, &creds); err != nil {
		return
	}
	if creds.AccessToken == "" {
		return
	}

	snap := session.Snapshot{
		AccessToken:     creds.AccessToken,
		RefreshToken:    creds.RefreshToken,
		IsAuthenticated: true,
	}
	if creds.ExpiresAt > 0 {
		snap.TokenExpiration = time.Unix(creds.ExpiresAt, 0)
	}

	var profile session.UserProfile
	if err := m.store.LoadJSON(m.origin(), credstore.AccountProfile, &profile); err == nil {
		snap.CurrentUser = &profile
	}

	m.sess.Restore(snap)
}

// LoginOptions configures the login flow.
type LoginOptions struct {
	Scope     string
	NoBrowser bool                                  // If true, don't auto-open browser, just print URL
	Logger    func(msg string)                      //nolint:revive // Optional progress output
	Authorize func(authURL string) (string, error)  // Overrides the interactive step (tests)
}

// Login runs the authorization-code grant: authorization URL, interactive
// user consent, code exchange, profile fetch, persistence. Any failing step
// leaves the previous session state intact.
func (m *Manager) Login(ctx context.Context, opts LoginOptions) error {
	scope := opts.Scope
	if scope == "" {
		scope = m.cfg.Scope
	}

	m.sess.BeginAuthentication()
	defer m.sess.EndAuthentication()

	state := generateState()
	authURL, err := m.buildAuthURL(scope, state)
	if err != nil {
		return err
	}

	var code string
	if opts.Authorize != nil {
		code, err = opts.Authorize(authURL)
	} else {
		code, err = m.waitForCallback(ctx, state, authURL, opts)
	}
	if err != nil {
		return err
	}
	if code == "" {
		return output.ErrCancelled("Authorization was denied")
	}

	tok, err := m.exchangeCode(ctx, code)
	if err != nil {
		return err
	}

	var expiration time.Time
	if tok.ExpiresIn > 0 {
		expiration = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	m.sess.SetTokens(tok.AccessToken, tok.RefreshToken, expiration)

	// Fetch the authenticated user's profile with the new token. On failure
	// the session stays unauthenticated and nothing is persisted.
	profile, err := m.fetchProfile(ctx, tok.AccessToken)
	if err != nil {
		return err
	}
	m.sess.SetUser(profile)

	return m.persist()
}

// Logout clears the session in place and removes both persisted entries.
func (m *Manager) Logout() error {
	m.sess.Clear()
	if err := m.store.Delete(m.origin(), credstore.AccountCredentials); err != nil {
		return err
	}
	return m.store.Delete(m.origin(), credstore.AccountProfile)
}

// persist writes the session's token pair and cached profile to the store.
func (m *Manager) persist() error {
	snap := m.sess.Snapshot()

	creds := credstore.Credentials{
		AccessToken:  snap.AccessToken,
		RefreshToken: snap.RefreshToken,
		Scope:        m.cfg.Scope,
	}
	if !snap.TokenExpiration.IsZero() {
		creds.ExpiresAt = snap.TokenExpiration.Unix()
	}
	if err := m.store.SaveJSON(m.origin(), credstore.AccountCredentials, &creds); err != nil {
		return err
	}

	if snap.CurrentUser != nil {
		return m.store.SaveJSON(m.origin(), credstore.AccountProfile, snap.CurrentUser)
	}
	return nil
}

func (m *Manager) buildAuthURL(scope, state string) (string, error) {
	u, err := url.Parse(m.cfg.OAuthBase() + "/authorize")
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", m.cfg.ClientID)
	q.Set("redirect_uri", m.cfg.RedirectURI)
	q.Set("state", state)
	if scope != "" {
		q.Set("scope", scope)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// waitForCallback serves the loopback redirect URI until the authorization
// code arrives. User denial surfaces as cancellation, not error.
func (m *Manager) waitForCallback(ctx context.Context, expectedState, authURL string, opts LoginOptions) (string, error) {
	redirect, err := url.Parse(m.cfg.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", redirect.Host)
	if err != nil {
		return "", fmt.Errorf("failed to start callback server: %w", err)
	}
	defer func() { _ = listener.Close() }()

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	server := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := r.URL.Query().Get("state")
			code := r.URL.Query().Get("code")
			errParam := r.URL.Query().Get("error")

			switch {
			case errParam == "access_denied":
				errCh <- output.ErrCancelled("Authorization was denied")
				fmt.Fprint(w, "<html><body><h1>Authorization cancelled</h1><p>You can close this window.</p></body></html>")
			case errParam != "":
				errCh <- fmt.Errorf("OAuth error: %s", errParam)
				fmt.Fprint(w, "<html><body><h1>Authentication failed</h1><p>You can close this window.</p></body></html>")
			case state != expectedState:
				errCh <- fmt.Errorf("state mismatch: CSRF protection failed")
				fmt.Fprint(w, "<html><body><h1>Authentication failed</h1><p>State mismatch.</p></body></html>")
			case code == "":
				errCh <- output.ErrCancelled("No authorization code received")
				fmt.Fprint(w, "<html><body><h1>Authentication failed</h1><p>Missing code.</p></body></html>")
			default:
				codeCh <- code
				fmt.Fprint(w, "<html><body><h1>Authentication successful!</h1><p>You can close this window.</p></body></html>")
			}
		}),
	}

	go server.Serve(listener)

	logf := opts.Logger
	if logf == nil {
		logf = func(string) {}
	}

	if !opts.NoBrowser {
		if err := openBrowser(authURL); err != nil {
			logf(fmt.Sprintf("Couldn't open browser automatically.\nOpen this URL in your browser:\n%s\n\nWaiting for authentication...", authURL))
		} else {
			logf(fmt.Sprintf("Opening browser for authentication...\nIf the browser doesn't open, visit: %s\n\nWaiting for authentication...", authURL))
		}
	} else {
		logf(fmt.Sprintf("Open this URL in your browser:\n%s\n\nWaiting for authentication...", authURL))
	}

	select {
	case code := <-codeCh:
		return code, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", output.ErrCancelled("Authentication cancelled")
	case <-time.After(5 * time.Minute):
		return "", fmt.Errorf("authentication timeout")
	}
}

// tokenResponse is the token endpoint's JSON body for both grant types.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// exchangeCode trades the authorization code for a token pair. On any
// non-200 status or parse failure the session is untouched.
func (m *Manager) exchangeCode(ctx context.Context, code string) (*tokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", m.cfg.RedirectURI)
	data.Set("client_id", m.cfg.ClientID)
	data.Set("client_secret", m.cfg.ClientSecret)

	return m.tokenRequest(ctx, data, "token exchange")
}

func (m *Manager) tokenRequest(ctx context.Context, data url.Values, what string) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", m.cfg.OAuthBase()+"/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, output.ErrNetwork(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, output.ErrAPI(resp.StatusCode, fmt.Sprintf("%s failed: %s", what, string(body)))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, output.ErrDecode(err)
	}
	if tok.AccessToken == "" {
		return nil, output.ErrDecode(fmt.Errorf("%s response missing access_token", what))
	}
	return &tok, nil
}

// fetchProfile retrieves the authenticated user from the current-user
// endpoint with a bare bearer request.
func (m *Manager) fetchProfile(ctx context.Context, accessToken string) (*session.UserProfile, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", m.cfg.APIBase()+"/users/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, output.ErrNetwork(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, output.ErrAPI(resp.StatusCode, fmt.Sprintf("profile fetch failed: %s", string(body)))
	}

	var profile session.UserProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, output.ErrDecode(err)
	}
	return &profile, nil
}

func generateState() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// openBrowser opens the specified URL in the default browser.
func openBrowser(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{url}
	case "linux":
		cmd = "xdg-open"
		args = []string{url}
	case "windows":
		cmd = "rundll32"
		args = []string{"url.dll,FileProtocolHandler", url}
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return exec.Command(cmd, args...).Start() //nolint:gosec,noctx // G204: cmd is hardcoded per-platform; fire-and-forget
}
