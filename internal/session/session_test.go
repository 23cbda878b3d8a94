package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionIsLoggedOut(t *testing.T) {
	s := New()

	assert.Equal(t, StateLoggedOut, s.State())
	assert.False(t, s.IsAuthenticated())

	_, ok := s.AccessToken()
	assert.False(t, ok, "empty session should have no access token")
	_, ok = s.RefreshToken()
	assert.False(t, ok, "empty session should have no refresh token")
	assert.Nil(t, s.CurrentUser())
}

func TestSetTokens(t *testing.T) {
	s := New()
	expiry := time.Now().Add(time.Hour)

	s.SetTokens("T1", "R1", expiry)

	token, ok := s.AccessToken()
	require.True(t, ok)
	assert.Equal(t, "T1", token)

	refresh, ok := s.RefreshToken()
	require.True(t, ok)
	assert.Equal(t, "R1", refresh)

	snap := s.Snapshot()
	assert.Equal(t, expiry, snap.TokenExpiration, "expiration is set together with the access token")
	assert.False(t, snap.IsAuthenticated, "tokens alone don't authenticate; the profile fetch does")
}

func TestSetTokensKeepsRefreshTokenWhenOmitted(t *testing.T) {
	s := New()
	s.SetTokens("T1", "R1", time.Now().Add(time.Hour))

	// Refresh responses may omit the refresh token; the old one stays.
	s.SetTokens("T2", "", time.Now().Add(2*time.Hour))

	refresh, ok := s.RefreshToken()
	require.True(t, ok)
	assert.Equal(t, "R1", refresh)
}

func TestSetUserAuthenticates(t *testing.T) {
	s := New()
	s.SetTokens("T1", "R1", time.Now().Add(time.Hour))
	s.SetUser(&UserProfile{ID: 42, Name: "Ada"})

	assert.True(t, s.IsAuthenticated())
	assert.Equal(t, StateTokenValid, s.State())

	user := s.CurrentUser()
	require.NotNil(t, user)
	assert.Equal(t, int64(42), user.ID)
}

func TestStateRequiresConfirmedIdentity(t *testing.T) {
	s := New()
	s.SetTokens("T1", "R1", time.Now().Add(time.Hour))

	// Tokens alone (a login whose profile fetch failed) read as logged out.
	assert.Equal(t, StateLoggedOut, s.State())

	s.SetUser(&UserProfile{ID: 1, Name: "Ada"})
	assert.Equal(t, StateTokenValid, s.State())
}

func TestExpiryBoundary(t *testing.T) {
	s := New()
	now := time.Now()
	s.SetTokens("T1", "R1", now)

	// A token expiring exactly now is expired, not valid.
	assert.True(t, s.ExpiredAt(now), "expiration == now must count as expired")
	assert.False(t, s.ExpiredAt(now.Add(-time.Nanosecond)))
	assert.True(t, s.ExpiredAt(now.Add(time.Nanosecond)))
}

func TestExpiredWithoutExpiration(t *testing.T) {
	s := New()
	assert.True(t, s.Expired(), "missing expiration counts as expired")
}

func TestExpiresWithin(t *testing.T) {
	s := New()
	s.SetTokens("T1", "R1", time.Now().Add(10*time.Minute))

	assert.True(t, s.ExpiresWithin(30*time.Minute))
	assert.False(t, s.ExpiresWithin(time.Minute))
}

func TestStateTransitions(t *testing.T) {
	s := New()
	assert.Equal(t, StateLoggedOut, s.State())

	s.BeginAuthentication()
	assert.Equal(t, StateAuthenticating, s.State())
	s.EndAuthentication()

	s.SetTokens("T1", "R1", time.Now().Add(time.Hour))
	s.SetUser(&UserProfile{ID: 1, Name: "Ada"})
	assert.Equal(t, StateTokenValid, s.State())

	// Time passes past expiration
	s.SetTokens("T1", "R1", time.Now().Add(-time.Second))
	assert.Equal(t, StateTokenExpired, s.State())

	s.MarkRefreshFailed()
	assert.Equal(t, StateRefreshFailed, s.State())

	// A successful refresh clears the failure
	s.SetTokens("T2", "R2", time.Now().Add(time.Hour))
	assert.Equal(t, StateTokenValid, s.State())

	s.Clear()
	assert.Equal(t, StateLoggedOut, s.State())
}

func TestClearResetsInPlace(t *testing.T) {
	s := New()
	s.SetTokens("T1", "R1", time.Now().Add(time.Hour))
	s.SetUser(&UserProfile{ID: 1, Name: "Ada"})

	s.Clear()

	snap := s.Snapshot()
	assert.Empty(t, snap.AccessToken)
	assert.Empty(t, snap.RefreshToken)
	assert.True(t, snap.TokenExpiration.IsZero())
	assert.False(t, snap.IsAuthenticated)
	assert.Nil(t, snap.CurrentUser)
}

func TestObserversNotifiedOnMutation(t *testing.T) {
	s := New()

	var snapshots []Snapshot
	s.Subscribe(func(snap Snapshot) {
		snapshots = append(snapshots, snap)
	})

	s.SetTokens("T1", "R1", time.Now().Add(time.Hour))
	s.SetUser(&UserProfile{ID: 1, Name: "Ada"})
	s.Clear()

	require.Len(t, snapshots, 3)
	assert.Equal(t, "T1", snapshots[0].AccessToken)
	assert.True(t, snapshots[1].IsAuthenticated)
	assert.Empty(t, snapshots[2].AccessToken)
}

func TestRestore(t *testing.T) {
	s := New()
	expiry := time.Now().Add(time.Hour)

	s.Restore(Snapshot{
		AccessToken:     "T1",
		RefreshToken:    "R1",
		TokenExpiration: expiry,
		IsAuthenticated: true,
		CurrentUser:     &UserProfile{ID: 7, Name: "Grace"},
	})

	assert.True(t, s.IsAuthenticated())
	assert.Equal(t, StateTokenValid, s.State())

	user := s.CurrentUser()
	require.NotNil(t, user)
	assert.Equal(t, "Grace", user.Name)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New()
	s.SetUser(&UserProfile{ID: 1, Name: "Ada"})

	snap := s.Snapshot()
	snap.CurrentUser.Name = "mutated"

	assert.Equal(t, "Ada", s.CurrentUser().Name)
}
