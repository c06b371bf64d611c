package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"portal-gateway/internal/auth"
	"portal-gateway/internal/session"
)

// AuthHandler handles the browser-facing authentication endpoints.
type AuthHandler struct {
	authenticator     *auth.Authenticator
	cookies           *session.Cookies
	postLoginRedirect string
	loginErrorURL     string
	logger            *slog.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(authenticator *auth.Authenticator, cookies *session.Cookies,
	postLoginRedirect, loginErrorURL string, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		authenticator:     authenticator,
		cookies:           cookies,
		postLoginRedirect: postLoginRedirect,
		loginErrorURL:     loginErrorURL,
		logger:            logger,
	}
}

// RegisterRoutes registers auth routes.
//
// NOTE: /auth/profile runs under the auth middleware so the principal is put
// into the request context (and a near-expiry token is refreshed) before the
// handler runs.
func (h *AuthHandler) RegisterRoutes(r *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	r.HandleFunc("/auth/login", h.login).Methods(http.MethodGet)
	r.HandleFunc("/auth/callback", h.callback).Methods(http.MethodGet)
	r.HandleFunc("/auth/logout", h.logout).Methods(http.MethodGet)
	r.Handle("/auth/profile", authMiddleware(http.HandlerFunc(h.profile))).Methods(http.MethodGet)
}

// login initiates the OAuth 2.0 authorization code flow with PKCE. The CSRF
// state, PKCE verifier and redirect target travel only in a signed,
// short-lived cookie.
func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	redirectTo := r.URL.Query().Get("redirect_to")

	pending, authURL, err := h.authenticator.BeginLogin(redirectTo)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidRedirect) {
			h.logger.Warn("rejected unsafe redirect target", "redirect_to", redirectTo)
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid redirect URL"})
			return
		}
		h.logger.Error("failed to initiate login", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to initiate login"})
		return
	}

	if err := h.cookies.SetPendingLogin(w, pending); err != nil {
		h.logger.Error("failed to set pending login cookie", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "failed to initiate login"})
		return
	}

	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// callback handles the OAuth 2.0 callback. Failures never surface as errors
// to the browser; they redirect to the login-error page instead.
func (h *AuthHandler) callback(w http.ResponseWriter, r *http.Request) {
	pending, _ := h.cookies.PendingLogin(r)
	// Pending state is single-use, successful or not.
	h.cookies.ClearPendingLogin(w)

	key, redirectTo, err := h.authenticator.HandleCallback(r.Context(), pending,
		r.URL.Query().Get("state"), r.URL.Query().Get("code"))
	if err != nil {
		h.logger.Warn("OAuth callback failed", "error", err)
		http.Redirect(w, r, h.loginErrorURL, http.StatusFound)
		return
	}

	if err := h.cookies.SetSessionKey(w, key); err != nil {
		h.logger.Error("failed to set session cookie", "error", err)
		http.Redirect(w, r, h.loginErrorURL, http.StatusFound)
		return
	}

	if redirectTo == "" {
		redirectTo = h.postLoginRedirect
	}
	http.Redirect(w, r, redirectTo, http.StatusFound)
}

// profile returns the current user's display identity.
func (h *AuthHandler) profile(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "not authenticated"})
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{Name: principal.Name, Email: principal.Email})
}

// logout revokes and deletes the session (best effort) and redirects to the
// IdP's RP-initiated logout endpoint. It always succeeds from the caller's
// perspective, with or without an existing session.
func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	if key, ok := h.cookies.SessionKey(r); ok {
		h.authenticator.Logout(r.Context(), key)
	}
	h.cookies.ClearSession(w)
	http.Redirect(w, r, h.authenticator.LogoutURL(), http.StatusTemporaryRedirect)
}
