package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/api/helpers"
	"github.com/wardenhq/warden/internal/apps"
	"github.com/wardenhq/warden/internal/auth"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// SystemHandler serves the unauthenticated auxiliary endpoints.
type SystemHandler struct {
	provider auth.TokenProvider
	checks   map[string]HealthCheck
}

func NewSystemHandler(provider auth.TokenProvider, checks map[string]HealthCheck) *SystemHandler {
	return &SystemHandler{provider: provider, checks: checks}
}

// Health handles GET /health: per-component status, 503 when any
// component is down.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			components[name] = "down"
			status = http.StatusServiceUnavailable
		} else {
			components[name] = "up"
		}
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	helpers.RespondJSON(w, status, map[string]any{
		"status":     overall,
		"components": components,
	})
}

// Info handles GET /info.
func (h *SystemHandler) Info(w http.ResponseWriter, r *http.Request) {
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"version":                 Version,
		"supported_api_versions":  []string{"v1"},
		"available_login_methods": apps.LoginMethods,
	})
}

// JWKS handles GET /.well-known/jwks.json.
func (h *SystemHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	helpers.RespondJSON(w, http.StatusOK, h.provider.JWKS())
}

// readBody reads a request body with a 16MB cap.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		return nil, apierr.Validation("request body could not be read")
	}
	return body, nil
}
