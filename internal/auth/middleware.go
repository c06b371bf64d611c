package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"portal-gateway/internal/session"
)

// Middleware resolves the current user for protected routes: it reads the
// session cookie, refreshes the access token when near expiry and attaches
// the principal to the request context.
//
// Error mapping: missing or dead sessions get 401 (and the cookie is
// cleared so the browser re-enters login), a lost refresh race gets 409 and
// should be retried once by the caller.
func (a *Authenticator) Middleware(cookies *session.Cookies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := cookies.SessionKey(r)
			if !ok {
				writeAuthError(w, ErrNotAuthenticated)
				return
			}

			principal, err := a.ResolveUser(r.Context(), key)
			if err != nil {
				if errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrSessionExpired) {
					cookies.ClearSession(w)
				}
				writeAuthError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	body := map[string]string{
		"error": http.StatusText(status),
	}
	switch {
	case errors.Is(err, ErrRefreshConflict):
		body["message"] = "concurrent token refresh, retry the request"
	case errors.Is(err, ErrSessionExpired):
		body["message"] = "session expired, please log in again"
	case errors.Is(err, ErrNotAuthenticated):
		body["message"] = "not authenticated"
	default:
		body["message"] = "authentication failed"
	}

	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
