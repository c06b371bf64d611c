package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"portal-gateway/internal/session"
)

// refreshSkew is the safety margin before actual expiry within which an
// access token is proactively refreshed.
const refreshSkew = 60 * time.Second

// Principal is an authenticated user attached to a request. It exposes the
// display identity and acts as the opaque capability for requesting
// downstream tokens; the underlying tokens are never exposed to handlers.
type Principal struct {
	Subject string
	Name    string
	Email   string

	sessionKey  string
	accessToken string
}

// Authenticator is the login/refresh/logout state machine. It coordinates
// the session store and the identity provider client.
//
// Refresh is deliberately not guarded by any lock: the gateway runs as
// multiple replicas, and the IdP's single-use rotating refresh tokens
// already arbitrate races. The loser of a race receives a reuse error,
// reported as ErrRefreshConflict so the caller retries and observes the
// winner's write.
type Authenticator struct {
	store  session.Store
	idp    *OIDCClient
	logger *slog.Logger
}

// NewAuthenticator creates the auth state machine.
func NewAuthenticator(store session.Store, idp *OIDCClient, logger *slog.Logger) *Authenticator {
	return &Authenticator{store: store, idp: idp, logger: logger}
}

// SafeRedirect reports whether a post-login redirect target is acceptable:
// a same-origin relative path or an HTTPS absolute URL. Scheme-relative
// ("//host/...") and non-HTTPS absolute URLs are rejected to prevent open
// redirects.
func SafeRedirect(target string) bool {
	if target == "" {
		return false
	}
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") {
		return true
	}
	return strings.HasPrefix(target, "https://")
}

// BeginLogin validates the redirect target and prepares the pending login
// state plus the IdP authorization URL.
func (a *Authenticator) BeginLogin(redirectTo string) (*session.PendingLogin, string, error) {
	if redirectTo != "" && !SafeRedirect(redirectTo) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidRedirect, redirectTo)
	}

	state, err := GenerateState()
	if err != nil {
		return nil, "", err
	}
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return nil, "", err
	}

	pending := &session.PendingLogin{
		State:      state,
		Verifier:   verifier,
		RedirectTo: redirectTo,
	}
	return pending, a.idp.AuthCodeURL(state, GenerateCodeChallenge(verifier)), nil
}

// HandleCallback exchanges the authorization code, creates the session and
// returns the session key and the post-login redirect target. Any failure
// leaves no session behind; the handler turns it into a redirect to the
// login-error page.
func (a *Authenticator) HandleCallback(ctx context.Context, pending *session.PendingLogin, state, code string) (string, string, error) {
	if pending == nil {
		return "", "", errors.New("no pending login")
	}
	if state == "" || subtle.ConstantTimeCompare([]byte(pending.State), []byte(state)) != 1 {
		return "", "", errors.New("state parameter mismatch")
	}
	if code == "" {
		return "", "", errors.New("missing authorization code")
	}

	token, err := a.idp.ExchangeCode(ctx, code, pending.Verifier)
	if err != nil {
		return "", "", err
	}

	auth := &session.AuthState{
		Subject: token.Claims.Subject,
		User: session.User{
			Name:  token.Claims.Name,
			Email: token.Claims.Email,
		},
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
	}
	key, err := a.store.New(ctx, auth)
	if err != nil {
		return "", "", fmt.Errorf("failed to persist session: %w", err)
	}

	a.logger.Info("user authenticated", "subject", auth.Subject)
	return key, pending.RedirectTo, nil
}

// ResolveUser loads the session and returns its principal, refreshing the
// access token first when it is expired or within the skew window. On
// success the stored expiry is guaranteed to be more than the skew window
// in the future.
func (a *Authenticator) ResolveUser(ctx context.Context, sessionKey string) (*Principal, error) {
	auth, err := a.store.Get(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if auth == nil {
		return nil, ErrNotAuthenticated
	}

	if needsRefresh(auth.ExpiresAt) {
		auth, err = a.refresh(ctx, sessionKey, auth)
		if err != nil {
			return nil, err
		}
	}

	return &Principal{
		Subject:     auth.Subject,
		Name:        auth.User.Name,
		Email:       auth.User.Email,
		sessionKey:  sessionKey,
		accessToken: auth.AccessToken,
	}, nil
}

// needsRefresh reports whether the token is expired or expiring within the
// skew window. A session without an expiry never refreshes.
func needsRefresh(expiresAt int64) bool {
	if expiresAt == 0 {
		return false
	}
	return time.Now().Unix() >= expiresAt-int64(refreshSkew.Seconds())
}

// refresh performs the refresh grant and persists the result atomically.
//
// The call runs on a detached context: if the client disconnects mid-refresh
// the result is still written, since a rotated refresh token that is not
// persisted becomes permanently unusable.
func (a *Authenticator) refresh(ctx context.Context, sessionKey string, auth *session.AuthState) (*session.AuthState, error) {
	ctx = context.WithoutCancel(ctx)

	a.logger.Info("refreshing access token", "subject", auth.Subject)
	token, err := a.idp.Refresh(ctx, auth.RefreshToken)
	if err != nil {
		return nil, a.classifyRefreshFailure(ctx, sessionKey, auth, err)
	}

	auth.AccessToken = token.AccessToken
	auth.ExpiresAt = token.ExpiresAt
	if token.RefreshToken != "" {
		auth.RefreshToken = token.RefreshToken
	}
	if err := a.store.Set(ctx, sessionKey, auth); err != nil {
		// The refresh token was rotated but cannot be persisted; the
		// session is unusable from here on.
		a.logger.Error("failed to persist refreshed tokens", "subject", auth.Subject, "error", err)
		a.invalidate(ctx, sessionKey, auth.Subject)
		return nil, ErrSessionExpired
	}

	a.logger.Info("access token refreshed", "subject", auth.Subject)
	return auth, nil
}

// classifyRefreshFailure distinguishes a lost refresh race from a genuinely
// dead refresh token:
//
//   - reuse detected: a concurrent request already rotated this token. The
//     session is left untouched (the winner's write is authoritative) and
//     the caller gets a retryable conflict.
//   - token inactive or expired: the session is invalidated.
//   - anything else (network errors included): invalidated conservatively,
//     trading a few unnecessary re-logins for never leaving a session in an
//     ambiguous state.
func (a *Authenticator) classifyRefreshFailure(ctx context.Context, sessionKey string, auth *session.AuthState, err error) error {
	code, description, ok := oauthErrorDetails(err)
	if ok && code == "invalid_grant" && isReuseDetected(description) {
		a.logger.Info("refresh lost to concurrent rotation", "subject", auth.Subject)
		return ErrRefreshConflict
	}

	if ok {
		a.logger.Warn("refresh token rejected",
			"subject", auth.Subject, "oauth_error", code, "description", description)
	} else {
		a.logger.Warn("token refresh failed", "subject", auth.Subject, "error", err)
	}
	a.invalidate(ctx, sessionKey, auth.Subject)
	return ErrSessionExpired
}

// isReuseDetected matches the IdP's refresh-token-reuse error, e.g.
// Keycloak's "Maximum allowed refresh token reuse exceeded".
func isReuseDetected(description string) bool {
	return strings.Contains(strings.ToLower(description), "reuse")
}

// Logout revokes the refresh token (best effort) and deletes the session.
// It never fails: revocation and store errors are logged only, so logout
// always succeeds locally.
func (a *Authenticator) Logout(ctx context.Context, sessionKey string) {
	auth, err := a.store.Get(ctx, sessionKey)
	if err != nil {
		a.logger.Warn("failed to load session during logout", "error", err)
	}
	if auth != nil && auth.RefreshToken != "" {
		if err := a.idp.Revoke(ctx, auth.RefreshToken); err != nil {
			a.logger.Warn("token revocation failed during logout",
				"subject", auth.Subject, "error", err)
		} else {
			a.logger.Info("revoked refresh token", "subject", auth.Subject)
		}
	}
	if err := a.store.Delete(ctx, sessionKey); err != nil {
		a.logger.Warn("failed to delete session during logout", "error", err)
	}
}

// LogoutURL returns the IdP's RP-initiated logout URL.
func (a *Authenticator) LogoutURL() string {
	return a.idp.LogoutURL()
}

// invalidate deletes a session after a definitive refresh failure so the
// next request goes through login instead of retrying a dead session.
func (a *Authenticator) invalidate(ctx context.Context, sessionKey, subject string) {
	if err := a.store.Delete(ctx, sessionKey); err != nil {
		a.logger.Error("failed to delete invalidated session", "subject", subject, "error", err)
	}
}
