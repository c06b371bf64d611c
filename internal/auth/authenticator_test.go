package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-gateway/internal/auth/authtest"
	"portal-gateway/internal/conf"
	"portal-gateway/internal/session"
)

const testClientID = "portal"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAuthenticator(t *testing.T, idp *authtest.IdP, store session.Store) *Authenticator {
	t.Helper()
	cfg := &conf.OIDC{
		Issuer:                idp.URL(),
		ClientID:              testClientID,
		ClientSecret:          "secret",
		Scopes:                []string{"openid", "profile", "email"},
		NameClaim:             "name",
		EmailClaim:            "email",
		PostLogoutRedirectURI: "https://portal.example/",
		Timeout:               5 * time.Second,
	}
	client, err := NewOIDCClient(context.Background(), cfg, "https://portal.example/auth/callback")
	require.NoError(t, err)
	return NewAuthenticator(store, client, testLogger())
}

func seedSession(t *testing.T, store session.Store, expiresAt int64) string {
	t.Helper()
	key, err := store.New(context.Background(), &session.AuthState{
		Subject:      "user-1",
		User:         session.User{Name: "Test User", Email: "test@example.com"},
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    expiresAt,
	})
	require.NoError(t, err)
	return key
}

func TestSafeRedirect(t *testing.T) {
	accepted := []string{"/dashboard", "https://portal.example/callback"}
	rejected := []string{"javascript:alert(1)", "//evil.example/x", "http://plain.example/x", ""}

	for _, target := range accepted {
		assert.True(t, SafeRedirect(target), "expected %q to be accepted", target)
	}
	for _, target := range rejected {
		assert.False(t, SafeRedirect(target), "expected %q to be rejected", target)
	}
}

func TestBeginLoginRejectsUnsafeRedirect(t *testing.T) {
	idp := authtest.New(t)
	a := newTestAuthenticator(t, idp, session.NewMemoryStore(time.Hour))

	_, _, err := a.BeginLogin("//evil.example/x")
	assert.ErrorIs(t, err, ErrInvalidRedirect)
}

func TestBeginLoginBuildsPKCEAuthURL(t *testing.T) {
	idp := authtest.New(t)
	a := newTestAuthenticator(t, idp, session.NewMemoryStore(time.Hour))

	pending, authURL, err := a.BeginLogin("/dashboard")
	require.NoError(t, err)
	assert.NotEmpty(t, pending.State)
	assert.NotEmpty(t, pending.Verifier)
	assert.Equal(t, "/dashboard", pending.RedirectTo)
	assert.Contains(t, authURL, "code_challenge=")
	assert.Contains(t, authURL, "code_challenge_method=S256")
	assert.Contains(t, authURL, "state="+pending.State)
}

func TestResolveUserNotAuthenticated(t *testing.T) {
	idp := authtest.New(t)
	a := newTestAuthenticator(t, idp, session.NewMemoryStore(time.Hour))

	_, err := a.ResolveUser(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestResolveUserFreshTokenSkipsRefresh(t *testing.T) {
	idp := authtest.New(t)
	store := session.NewMemoryStore(time.Hour)
	a := newTestAuthenticator(t, idp, store)

	var refreshCalls atomic.Int32
	idp.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		http.Error(w, "unexpected call", http.StatusInternalServerError)
	})

	key := seedSession(t, store, time.Now().Add(10*time.Minute).Unix())

	principal, err := a.ResolveUser(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "Test User", principal.Name)
	assert.Equal(t, "test@example.com", principal.Email)
	assert.Equal(t, "user-1", principal.Subject)
	assert.Zero(t, refreshCalls.Load())
}

func TestResolveUserRefreshesExpiredToken(t *testing.T) {
	idp := authtest.New(t)
	store := session.NewMemoryStore(time.Hour)
	a := newTestAuthenticator(t, idp, store)

	idp.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-old", r.Form.Get("refresh_token"))
		authtest.WriteTokenResponse(w, "at-new", "rt-new", "", 300)
	})

	// Token expired 100 seconds ago.
	key := seedSession(t, store, time.Now().Add(-100*time.Second).Unix())

	principal, err := a.ResolveUser(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.Subject)

	// Freshness invariant: the stored expiry is now beyond the skew window.
	auth, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.Equal(t, "at-new", auth.AccessToken)
	assert.Equal(t, "rt-new", auth.RefreshToken)
	assert.Greater(t, auth.ExpiresAt, time.Now().Unix()+int64(refreshSkew.Seconds()))
}

func TestResolveUserRefreshWithinSkewWindow(t *testing.T) {
	idp := authtest.New(t)
	store := session.NewMemoryStore(time.Hour)
	a := newTestAuthenticator(t, idp, store)

	idp.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		authtest.WriteTokenResponse(w, "at-new", "", "", 300)
	})

	// Still valid, but within the 60s skew window.
	key := seedSession(t, store, time.Now().Add(30*time.Second).Unix())

	_, err := a.ResolveUser(context.Background(), key)
	require.NoError(t, err)

	auth, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "at-new", auth.AccessToken)
	// IdP omitted rotation: the previous refresh token is kept.
	assert.Equal(t, "rt-old", auth.RefreshToken)
}

func TestRefreshReuseDetectedYieldsConflict(t *testing.T) {
	idp := authtest.New(t)
	store := session.NewMemoryStore(time.Hour)
	a := newTestAuthenticator(t, idp, store)

	idp.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		authtest.WriteOAuthError(w, http.StatusBadRequest,
			"invalid_grant", "Maximum allowed refresh token reuse exceeded")
	})

	key := seedSession(t, store, time.Now().Add(-100*time.Second).Unix())

	_, err := a.ResolveUser(context.Background(), key)
	assert.ErrorIs(t, err, ErrRefreshConflict)

	// The session is left untouched for the retry to observe.
	auth, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.Equal(t, "at-old", auth.AccessToken)
	assert.Equal(t, "rt-old", auth.RefreshToken)
}

func TestRefreshInactiveTokenExpiresSession(t *testing.T) {
	idp := authtest.New(t)
	store := session.NewMemoryStore(time.Hour)
	a := newTestAuthenticator(t, idp, store)

	idp.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		authtest.WriteOAuthError(w, http.StatusBadRequest,
			"invalid_grant", "Token is not active")
	})

	key := seedSession(t, store, time.Now().Add(-100*time.Second).Unix())

	_, err := a.ResolveUser(context.Background(), key)
	assert.ErrorIs(t, err, ErrSessionExpired)

	auth, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, auth, "session should be deleted")
}

func TestRefreshAmbiguousFailureExpiresSession(t *testing.T) {
	idp := authtest.New(t)
	store := session.NewMemoryStore(time.Hour)
	a := newTestAuthenticator(t, idp, store)

	idp.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})

	key := seedSession(t, store, time.Now().Add(-100*time.Second).Unix())

	_, err := a.ResolveUser(context.Background(), key)
	assert.ErrorIs(t, err, ErrSessionExpired)

	auth, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, auth, "session should be deleted conservatively")
}

// TestConcurrentRefreshSingleWinner drives N requests that all observe an
// expiring token. The fake IdP honors each refresh token exactly once, like
// a rotating single-use token. Exactly one refresh may succeed upstream;
// every request either succeeds or gets a retryable conflict.
func TestConcurrentRefreshSingleWinner(t *testing.T) {
	idp := authtest.New(t)
	store := session.NewMemoryStore(time.Hour)
	a := newTestAuthenticator(t, idp, store)

	var (
		mu              sync.Mutex
		usedTokens      = map[string]bool{}
		upstreamSuccess atomic.Int32
	)
	idp.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		rt := r.Form.Get("refresh_token")
		mu.Lock()
		used := usedTokens[rt]
		usedTokens[rt] = true
		mu.Unlock()
		if used {
			authtest.WriteOAuthError(w, http.StatusBadRequest,
				"invalid_grant", "Maximum allowed refresh token reuse exceeded")
			return
		}
		upstreamSuccess.Add(1)
		authtest.WriteTokenResponse(w, "at-new", "rt-new", "", 300)
	})

	key := seedSession(t, store, time.Now().Add(-10*time.Second).Unix())

	const n = 8
	results := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = a.ResolveUser(context.Background(), key)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), upstreamSuccess.Load(), "at most one refresh call may succeed")

	successes := 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		default:
			assert.ErrorIs(t, err, ErrRefreshConflict)
		}
	}
	assert.GreaterOrEqual(t, successes, 1)

	// The winner's write landed: a retry observes the refreshed state.
	auth, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.Equal(t, "at-new", auth.AccessToken)
	assert.Equal(t, "rt-new", auth.RefreshToken)

	_, err = a.ResolveUser(context.Background(), key)
	assert.NoError(t, err, "retry after conflict proceeds without refresh")
}

func TestHandleCallbackCreatesSession(t *testing.T) {
	idp := authtest.New(t)
	store := session.NewMemoryStore(time.Hour)
	a := newTestAuthenticator(t, idp, store)

	idToken := idp.IDToken(t, testClientID, "user-42", map[string]any{
		"name":  "Alice Example",
		"email": "alice@example.com",
	})
	idp.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.NotEmpty(t, r.Form.Get("code_verifier"))
		authtest.WriteTokenResponse(w, "at-1", "rt-1", idToken, 300)
	})

	pending := &session.PendingLogin{State: "st", Verifier: "ver", RedirectTo: "/dashboard"}
	key, redirectTo, err := a.HandleCallback(context.Background(), pending, "st", "the-code")
	require.NoError(t, err)
	assert.Equal(t, "/dashboard", redirectTo)

	auth, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.Equal(t, "user-42", auth.Subject)
	assert.Equal(t, "Alice Example", auth.User.Name)
	assert.Equal(t, "alice@example.com", auth.User.Email)
	assert.Equal(t, "at-1", auth.AccessToken)
	assert.Equal(t, "rt-1", auth.RefreshToken)
}

func TestHandleCallbackStateMismatch(t *testing.T) {
	idp := authtest.New(t)
	a := newTestAuthenticator(t, idp, session.NewMemoryStore(time.Hour))

	pending := &session.PendingLogin{State: "expected", Verifier: "ver"}
	_, _, err := a.HandleCallback(context.Background(), pending, "forged", "code")
	assert.Error(t, err)

	_, _, err = a.HandleCallback(context.Background(), nil, "any", "code")
	assert.Error(t, err)
}

func TestHandleCallbackMissingClaimFails(t *testing.T) {
	idp := authtest.New(t)
	store := session.NewMemoryStore(time.Hour)
	a := newTestAuthenticator(t, idp, store)

	idToken := idp.IDToken(t, testClientID, "user-42", map[string]any{
		"email": nil,
	})
	idp.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		authtest.WriteTokenResponse(w, "at-1", "rt-1", idToken, 300)
	})

	pending := &session.PendingLogin{State: "st", Verifier: "ver"}
	_, _, err := a.HandleCallback(context.Background(), pending, "st", "the-code")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email")
}

func TestLogoutRevokesAndDeletes(t *testing.T) {
	idp := authtest.New(t)
	store := session.NewMemoryStore(time.Hour)
	a := newTestAuthenticator(t, idp, store)

	key := seedSession(t, store, time.Now().Add(10*time.Minute).Unix())

	a.Logout(context.Background(), key)

	assert.Equal(t, []string{"rt-old"}, idp.RevokedTokens())
	auth, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, auth)
}

func TestLogoutSurvivesRevocationFailure(t *testing.T) {
	idp := authtest.New(t)
	idp.RevocationStatus = http.StatusServiceUnavailable
	store := session.NewMemoryStore(time.Hour)
	a := newTestAuthenticator(t, idp, store)

	key := seedSession(t, store, time.Now().Add(10*time.Minute).Unix())

	a.Logout(context.Background(), key)

	auth, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, auth, "session is deleted even when revocation fails")
}

func TestLogoutURL(t *testing.T) {
	idp := authtest.New(t)
	a := newTestAuthenticator(t, idp, session.NewMemoryStore(time.Hour))

	u := a.LogoutURL()
	assert.Contains(t, u, idp.LogoutEndpoint())
	assert.Contains(t, u, "client_id="+testClientID)
	assert.Contains(t, u, "post_logout_redirect_uri=")
}
