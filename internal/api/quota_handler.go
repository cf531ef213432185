package api

import (
	"net/http"
	"time"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/api/helpers"
	"github.com/wardenhq/warden/internal/api/middleware"
	"github.com/wardenhq/warden/internal/llm"
	"github.com/wardenhq/warden/internal/quota"
)

// QuotaHandler serves the quota usage query.
type QuotaHandler struct {
	accounter *quota.Accounter
}

func NewQuotaHandler(accounter *quota.Accounter) *QuotaHandler {
	return &QuotaHandler{accounter: accounter}
}

// usageBody renders a usage snapshot in the wire shape.
func usageBody(u *quota.Usage, requestID string) map[string]any {
	return map[string]any{
		"request_quota_limit":     u.RequestLimit,
		"request_quota_used":      u.RequestUsed,
		"request_quota_remaining": u.RequestsRemaining(),
		"token_quota_limit":       u.TokenLimit,
		"token_quota_used":        u.TokenUsed,
		"token_quota_remaining":   u.TokensRemaining(),
		"billing_cycle_start":     u.CycleStart.Format(time.RFC3339),
		"billing_cycle_end":       u.CycleEnd.Format(time.RFC3339),
		"billing_cycle_reset":     u.CycleEnd.Unix(),
		"request_id":              requestID,
	}
}

// Usage handles GET /api/v1/quota/usage for the calling application.
func (h *QuotaHandler) Usage(w http.ResponseWriter, r *http.Request) {
	app := middleware.GetApp(r.Context())
	if app == nil {
		helpers.RespondError(w, r, apierr.InvalidToken("request is not authenticated"))
		return
	}

	usage, err := h.accounter.CurrentUsage(r.Context(), app)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, usageBody(usage, helpers.GetRequestID(r.Context())))
}

// LLMHandler proxies completion calls through the token-metered
// forwarder.
type LLMHandler struct {
	forwarder *llm.Forwarder
}

func NewLLMHandler(forwarder *llm.Forwarder) *LLMHandler {
	return &LLMHandler{forwarder: forwarder}
}

// Completions handles POST /llm/completions. The upstream body is
// relayed verbatim; the quota headers are rewritten with the settled
// token usage.
func (h *LLMHandler) Completions(w http.ResponseWriter, r *http.Request) {
	app := middleware.GetApp(r.Context())
	if app == nil {
		helpers.RespondError(w, r, apierr.InvalidToken("request is not authenticated"))
		return
	}

	body, err := readBody(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	res, err := h.forwarder.Forward(r.Context(), app, body)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	if res.Usage != nil {
		middleware.SetQuotaHeaders(w, res.Usage)
	}
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(res.StatusCode)
	w.Write(res.Body)
}
