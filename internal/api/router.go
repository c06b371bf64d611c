package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires up all handlers. Downstream service proxies mount under
// /v1 behind the auth middleware.
func NewRouter(authHandler *AuthHandler, proxyHandler *ProxyHandler,
	authMiddleware func(http.Handler) http.Handler, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestLogging(logger))

	// Health check endpoint (public, no auth)
	r.HandleFunc("/health", HealthCheckHandler).Methods(http.MethodGet)

	authHandler.RegisterRoutes(r, authMiddleware)

	// Protected API routes
	apiRouter := r.PathPrefix("/v1").Subrouter()
	apiRouter.Use(authMiddleware)
	proxyHandler.RegisterRoutes(apiRouter)

	return r
}
