package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cern-cta/CTA-sub017/internal/api"
	"github.com/cern-cta/CTA-sub017/internal/metrics"
)

// NewRouter returns the admin HTTP router. A non-empty apiKey is required as
// a bearer token on every endpoint but /health and /metrics.
func NewRouter(h *api.Handler, apiKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(api.RequestLogger)
	r.Use(api.RequestHeaders)
	r.Use(api.BearerAuth(apiKey))
	r.Use(api.LimitBody)
	r.Use(api.ValidateContentType)

	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	h.Routes(r)
	return r
}
