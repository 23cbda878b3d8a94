package auth

import (
	"context"
	"net/url"
	"os"
	"time"

	"github.com/opf/opcli/internal/output"
)

// refreshLookahead is how close to expiry a token may get before callers
// refresh it preemptively.
const refreshLookahead = 30 * time.Minute

// AccessToken returns a valid access token, refreshing first when the
// stored one is expired or within the lookahead window.
// If OPCLI_TOKEN is set, it's used directly without OAuth.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	if token := os.Getenv("OPCLI_TOKEN"); token != "" {
		return token, nil
	}

	token, ok := m.sess.AccessToken()
	if !ok {
		return "", output.ErrAuth("Not authenticated")
	}

	if m.sess.ExpiresWithin(refreshLookahead) {
		if err := m.Refresh(ctx); err != nil {
			return "", err
		}
		token, _ = m.sess.AccessToken()
	}

	return token, nil
}

// Refresh performs the refresh-token grant and updates the session and
// credential store. Concurrent callers share a single in-flight request.
// On failure stale tokens stay in place; this never forces a logout.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.refreshGroup.Do("refresh", func() (any, error) {
		return nil, m.refresh(ctx)
	})
	return err
}

func (m *Manager) refresh(ctx context.Context) error {
	refreshToken, ok := m.sess.RefreshToken()
	if !ok {
		// Fail immediately, no network request.
		return output.ErrAuth("No refresh token available")
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", m.cfg.ClientID)
	data.Set("client_secret", m.cfg.ClientSecret)

	tok, err := m.tokenRequest(ctx, data, "token refresh")
	if err != nil {
		m.sess.MarkRefreshFailed()
		return err
	}

	var expiration time.Time
	if tok.ExpiresIn > 0 {
		expiration = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	m.sess.SetTokens(tok.AccessToken, tok.RefreshToken, expiration)

	return m.persist()
}
