package auth

import (
	"errors"
	"net/http"
)

// Sentinel errors for the authentication and token-exchange subsystem.
// Handlers and middleware map these onto HTTP statuses with StatusCode.
var (
	// ErrNotAuthenticated means no session exists for the request.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrRefreshConflict means a concurrent request won the refresh race
	// and rotated the refresh token first. The caller should retry once;
	// the winning write has already landed, so no backoff is needed.
	ErrRefreshConflict = errors.New("token refresh conflict")

	// ErrSessionExpired means the refresh token is genuinely dead or the
	// refresh failed ambiguously. The session has been deleted; the user
	// must log in again.
	ErrSessionExpired = errors.New("session expired")

	// ErrTokenExchangeDenied means the IdP rejected a token-exchange call
	// for client reasons (unknown audience, malformed subject token).
	// Not retryable.
	ErrTokenExchangeDenied = errors.New("token exchange denied")

	// ErrIdPUnavailable means the identity provider failed transiently.
	ErrIdPUnavailable = errors.New("identity provider unavailable")

	// ErrInvalidRedirect means the login redirect_to target was unsafe.
	ErrInvalidRedirect = errors.New("invalid redirect URL")
)

// StatusCode maps a subsystem error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrSessionExpired),
		errors.Is(err, ErrInvalidRedirect):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRefreshConflict):
		return http.StatusConflict
	case errors.Is(err, ErrTokenExchangeDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrIdPUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
