// Package session holds the process-wide authentication state.
//
// Exactly one Session exists per process. It is created empty, populated by
// restoring persisted credentials or by completing the OAuth flow, mutated in
// place on refresh, and cleared in place on logout. It is never destroyed and
// recreated, so observers keep a stable reference.
package session

import (
	"sync"
	"time"
)

// UserProfile is the identity of the authenticated principal.
type UserProfile struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Login     string `json:"login,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar,omitempty"`
}

// State is the derived lifecycle state of the session.
type State string

const (
	StateLoggedOut      State = "logged_out"
	StateAuthenticating State = "authenticating"
	StateTokenValid     State = "token_valid"
	StateTokenExpired   State = "token_expired_refreshable"
	StateRefreshFailed  State = "refresh_failed"
)

// Snapshot is an immutable copy of the session fields, handed to observers
// and safe to retain.
type Snapshot struct {
	AccessToken     string
	RefreshToken    string
	TokenExpiration time.Time
	IsAuthenticated bool
	CurrentUser     *UserProfile
}

// Observer is notified after every session mutation.
type Observer func(Snapshot)

// Session is the single authoritative record of authentication state.
// All fields are guarded by the mutex; mutation is whole-field replacement.
type Session struct {
	mu sync.Mutex

	accessToken     string
	refreshToken    string
	tokenExpiration time.Time
	isAuthenticated bool
	currentUser     *UserProfile

	authenticating bool
	refreshFailed  bool

	observers []Observer
}

// New creates an empty, logged-out session.
func New() *Session {
	return &Session{}
}

// Subscribe registers an observer. Observers are invoked synchronously after
// each mutation, outside the session lock.
func (s *Session) Subscribe(obs Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, obs)
	s.mu.Unlock()
}

// Snapshot returns a copy of the current session fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	var user *UserProfile
	if s.currentUser != nil {
		u := *s.currentUser
		user = &u
	}
	return Snapshot{
		AccessToken:     s.accessToken,
		RefreshToken:    s.refreshToken,
		TokenExpiration: s.tokenExpiration,
		IsAuthenticated: s.isAuthenticated,
		CurrentUser:     user,
	}
}

func (s *Session) notify(snap Snapshot, observers []Observer) {
	for _, obs := range observers {
		obs(snap)
	}
}

// SetTokens records a freshly acquired token pair. The expiration is always
// set together with the access token. A previous refresh failure is cleared.
func (s *Session) SetTokens(access, refresh string, expiration time.Time) {
	s.mu.Lock()
	s.accessToken = access
	if refresh != "" {
		s.refreshToken = refresh
	}
	s.tokenExpiration = expiration
	s.refreshFailed = false
	snap := s.snapshotLocked()
	observers := s.observers
	s.mu.Unlock()
	s.notify(snap, observers)
}

// SetUser records the fetched profile and marks the session authenticated.
func (s *Session) SetUser(user *UserProfile) {
	s.mu.Lock()
	s.currentUser = user
	s.isAuthenticated = true
	snap := s.snapshotLocked()
	observers := s.observers
	s.mu.Unlock()
	s.notify(snap, observers)
}

// Restore populates the session from persisted state without any network
// activity.
func (s *Session) Restore(snap Snapshot) {
	s.mu.Lock()
	s.accessToken = snap.AccessToken
	s.refreshToken = snap.RefreshToken
	s.tokenExpiration = snap.TokenExpiration
	s.isAuthenticated = snap.IsAuthenticated
	s.currentUser = snap.CurrentUser
	s.refreshFailed = false
	out := s.snapshotLocked()
	observers := s.observers
	s.mu.Unlock()
	s.notify(out, observers)
}

// BeginAuthentication marks the transient state during the interactive
// OAuth exchange. It is never persisted.
func (s *Session) BeginAuthentication() {
	s.mu.Lock()
	s.authenticating = true
	s.mu.Unlock()
}

// EndAuthentication leaves the transient authenticating state.
func (s *Session) EndAuthentication() {
	s.mu.Lock()
	s.authenticating = false
	s.mu.Unlock()
}

// MarkRefreshFailed records a failed refresh. Stale tokens stay in place;
// the caller decides whether to force logout.
func (s *Session) MarkRefreshFailed() {
	s.mu.Lock()
	s.refreshFailed = true
	snap := s.snapshotLocked()
	observers := s.observers
	s.mu.Unlock()
	s.notify(snap, observers)
}

// Clear resets every field in place (logout). The session object survives
// so observers keep their reference.
func (s *Session) Clear() {
	s.mu.Lock()
	s.accessToken = ""
	s.refreshToken = ""
	s.tokenExpiration = time.Time{}
	s.isAuthenticated = false
	s.currentUser = nil
	s.authenticating = false
	s.refreshFailed = false
	snap := s.snapshotLocked()
	observers := s.observers
	s.mu.Unlock()
	s.notify(snap, observers)
}

// AccessToken returns the current access token, if any.
func (s *Session) AccessToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken, s.accessToken != ""
}

// RefreshToken returns the current refresh token, if any.
func (s *Session) RefreshToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshToken, s.refreshToken != ""
}

// IsAuthenticated reports whether we believe the user is logged in.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAuthenticated
}

// CurrentUser returns the last-fetched profile, if any.
func (s *Session) CurrentUser() *UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentUser == nil {
		return nil
	}
	u := *s.currentUser
	return &u
}

// ExpiredAt reports whether the token is expired at the given instant.
// A token expiring exactly now is expired, not valid.
func (s *Session) ExpiredAt(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokenExpiration.IsZero() {
		return true
	}
	return !now.Before(s.tokenExpiration)
}

// Expired reports whether the token is expired.
func (s *Session) Expired() bool {
	return s.ExpiredAt(time.Now())
}

// ExpiresWithin reports whether the token expires within the given window
// from now (or has already expired).
func (s *Session) ExpiresWithin(window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokenExpiration.IsZero() {
		return true
	}
	return !time.Now().Add(window).Before(s.tokenExpiration)
}

// State returns the derived lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.authenticating {
		return StateAuthenticating
	}
	// Tokens without a confirmed identity (a login whose profile fetch
	// failed) don't count as a live session.
	if s.accessToken == "" || !s.isAuthenticated {
		return StateLoggedOut
	}
	if s.refreshFailed {
		return StateRefreshFailed
	}
	if !s.tokenExpiration.IsZero() && !time.Now().Before(s.tokenExpiration) {
		return StateTokenExpired
	}
	return StateTokenValid
}
