package auth

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opf/opcli/internal/credstore"
	"github.com/opf/opcli/internal/session"
)

func TestRefreshWithoutRefreshToken(t *testing.T) {
	env := newTestEnv(t, tokenJSON("T2", "R2", 7200), nil)

	err := env.mgr.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(0), env.tokens.Load(), "refresh without a refresh token must not issue a network request")
}

func TestRefreshSuccess(t *testing.T) {
	var sentForm url.Values
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		sentForm = r.PostForm
		tokenJSON("T2", "", 7200)(w, r)
	}, nil)

	env.sess.SetTokens("T1", "R1", time.Now().Add(-time.Minute))
	env.sess.SetUser(&session.UserProfile{ID: 1, Name: "Ada"})

	before := time.Now()
	require.NoError(t, env.mgr.Refresh(context.Background()))

	assert.Equal(t, "refresh_token", sentForm.Get("grant_type"))
	assert.Equal(t, "R1", sentForm.Get("refresh_token"))

	token, _ := env.sess.AccessToken()
	assert.Equal(t, "T2", token)

	// Response omitted the refresh token; the old one survives.
	refresh, _ := env.sess.RefreshToken()
	assert.Equal(t, "R1", refresh)

	snap := env.sess.Snapshot()
	assert.WithinDuration(t, before.Add(7200*time.Second), snap.TokenExpiration, 5*time.Second)
	assert.Equal(t, session.StateTokenValid, env.sess.State())

	// Store entry updated to match
	var creds credstore.Credentials
	require.NoError(t, env.store.LoadJSON("https://test.example.com", credstore.AccountCredentials, &creds))
	assert.Equal(t, "T2", creds.AccessToken)
	assert.WithinDuration(t, before.Add(7200*time.Second), time.Unix(creds.ExpiresAt, 0), 5*time.Second)
}

func TestRefreshWithoutExpiresIn(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"T2","token_type":"bearer"}`))
	}, nil)

	env.sess.SetTokens("T1", "R1", time.Now().Add(-time.Minute))
	env.sess.SetUser(&session.UserProfile{ID: 1, Name: "Ada"})

	require.NoError(t, env.mgr.Refresh(context.Background()))

	// An omitted expires_in leaves the expiration unset rather than
	// expiring the fresh token at the exchange instant.
	token, _ := env.sess.AccessToken()
	assert.Equal(t, "T2", token)
	assert.True(t, env.sess.Snapshot().TokenExpiration.IsZero())

	var creds credstore.Credentials
	require.NoError(t, env.store.LoadJSON("https://test.example.com", credstore.AccountCredentials, &creds))
	assert.Zero(t, creds.ExpiresAt)
}

func TestRefreshFailureKeepsStaleTokens(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}, nil)

	env.sess.SetTokens("T1", "R1", time.Now().Add(-time.Minute))
	env.sess.SetUser(&session.UserProfile{ID: 1, Name: "Ada"})

	err := env.mgr.Refresh(context.Background())
	require.Error(t, err)

	// Stale tokens stay in place; the caller decides whether to log out.
	token, _ := env.sess.AccessToken()
	assert.Equal(t, "T1", token)
	refresh, _ := env.sess.RefreshToken()
	assert.Equal(t, "R1", refresh)
	assert.Equal(t, session.StateRefreshFailed, env.sess.State())
	assert.True(t, env.sess.IsAuthenticated(), "refresh failure never force-logs-out")
}

func TestRefreshSingleFlight(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond) // Hold concurrent callers in flight
		tokenJSON("T2", "R2", 7200)(w, r)
	}, nil)

	env.sess.SetTokens("T1", "R1", time.Now().Add(-time.Minute))

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = env.mgr.Refresh(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, int32(1), env.tokens.Load(), "concurrent callers must share one in-flight refresh")

	token, _ := env.sess.AccessToken()
	assert.Equal(t, "T2", token)
}

func TestAccessTokenFromEnv(t *testing.T) {
	env := newTestEnv(t, tokenJSON("T2", "R2", 7200), nil)
	t.Setenv("OPCLI_TOKEN", "env-token")

	token, err := env.mgr.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "env-token", token)
	assert.Equal(t, int32(0), env.tokens.Load())
}

func TestAccessTokenNotAuthenticated(t *testing.T) {
	env := newTestEnv(t, tokenJSON("T2", "R2", 7200), nil)
	t.Setenv("OPCLI_TOKEN", "")

	_, err := env.mgr.AccessToken(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(0), env.tokens.Load())
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	env := newTestEnv(t, tokenJSON("T2", "R2", 7200), nil)
	t.Setenv("OPCLI_TOKEN", "")

	// Expires inside the lookahead window
	env.sess.SetTokens("T1", "R1", time.Now().Add(5*time.Minute))

	token, err := env.mgr.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "T2", token)
	assert.Equal(t, int32(1), env.tokens.Load())
}

func TestAccessTokenStillFresh(t *testing.T) {
	env := newTestEnv(t, tokenJSON("T2", "R2", 7200), nil)
	t.Setenv("OPCLI_TOKEN", "")

	env.sess.SetTokens("T1", "R1", time.Now().Add(2*time.Hour))

	token, err := env.mgr.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "T1", token)
	assert.Equal(t, int32(0), env.tokens.Load(), "a fresh token must not trigger a refresh")
}
