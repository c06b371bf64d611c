package api

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"portal-gateway/internal/auth"
	"portal-gateway/internal/conf"
)

// ProxyHandler forwards /v1/{service}/... requests to the configured
// downstream service, exchanging the session's access token for an
// audience-scoped one per request. It runs behind the auth middleware.
type ProxyHandler struct {
	exchanger *auth.TokenExchanger
	services  map[string]downstream
	logger    *slog.Logger
}

type downstream struct {
	audience string
	proxy    *httputil.ReverseProxy
}

// NewProxyHandler builds one reverse proxy per configured service.
func NewProxyHandler(exchanger *auth.TokenExchanger, services map[string]conf.Service, logger *slog.Logger) (*ProxyHandler, error) {
	h := &ProxyHandler{
		exchanger: exchanger,
		services:  make(map[string]downstream, len(services)),
		logger:    logger,
	}
	for name, svc := range services {
		target, err := url.Parse(svc.BaseURL)
		if err != nil {
			return nil, err
		}
		proxy := &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.SetURL(target)
				pr.SetXForwarded()
			},
		}
		h.services[name] = downstream{audience: svc.Audience, proxy: proxy}
	}
	return h, nil
}

// RegisterRoutes mounts the proxy on the (already authenticated) subrouter.
func (h *ProxyHandler) RegisterRoutes(r *mux.Router) {
	r.PathPrefix("/{service}/").HandlerFunc(h.forward)
	r.HandleFunc("/{service}", h.forward)
}

// forward exchanges the subject token for the service's audience and relays
// the request. Exchange failures surface as their own statuses (403 denied,
// 502 upstream trouble), never as an empty downstream result.
func (h *ProxyHandler) forward(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "not authenticated"})
		return
	}

	name := mux.Vars(r)["service"]
	svc, ok := h.services[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown service", Message: name})
		return
	}

	token, err := h.exchanger.DownstreamToken(r.Context(), principal, svc.audience)
	if err != nil {
		writeJSON(w, auth.StatusCode(err), ErrorResponse{
			Error:   "token exchange failed",
			Message: "cannot obtain a token for service " + name,
		})
		return
	}

	// Strip the gateway prefix and present the exchanged token upstream.
	r.URL.Path = strings.TrimPrefix(r.URL.Path, "/v1/"+name)
	if r.URL.Path == "" {
		r.URL.Path = "/"
	}
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Del("Cookie")

	svc.proxy.ServeHTTP(w, r)
}
