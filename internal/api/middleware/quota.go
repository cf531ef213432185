package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/api/helpers"
	"github.com/wardenhq/warden/internal/quota"
	"github.com/wardenhq/warden/internal/storage"
)

// RequestReserver is the quota slice the middleware needs.
// *quota.Accounter satisfies it.
type RequestReserver interface {
	ReserveRequest(ctx context.Context, app *storage.Application) (*quota.Usage, error)
}

// QuotaGuard reserves one request against the calling app's quota
// before the handler runs and stamps the X-Quota headers. The usage
// snapshot is left in the context for handlers that settle token
// consumption on top of it.
func QuotaGuard(reserver RequestReserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			app := GetApp(r.Context())
			if app == nil {
				helpers.RespondError(w, r, apierr.InvalidCredentials("request is not authenticated"))
				return
			}

			usage, err := reserver.ReserveRequest(r.Context(), app)
			if err != nil {
				helpers.RespondError(w, r, err)
				return
			}

			SetQuotaHeaders(w, usage)
			next.ServeHTTP(w, withUsage(r, usage))
		})
	}
}

// SetQuotaHeaders writes the X-Quota headers from a usage snapshot.
// Unlimited quotas render the literal -1. Handlers that change token
// usage call this again to overwrite the reserve-time values.
func SetQuotaHeaders(w http.ResponseWriter, u *quota.Usage) {
	h := w.Header()
	reset := strconv.FormatInt(u.CycleEnd.Unix(), 10)

	h.Set("X-Quota-Request-Limit", strconv.FormatInt(u.RequestLimit, 10))
	h.Set("X-Quota-Request-Remaining", strconv.FormatInt(u.RequestsRemaining(), 10))
	h.Set("X-Quota-Request-Reset", reset)
	h.Set("X-Quota-Token-Limit", strconv.FormatInt(u.TokenLimit, 10))
	h.Set("X-Quota-Token-Remaining", strconv.FormatInt(u.TokensRemaining(), 10))
	h.Set("X-Quota-Token-Reset", reset)

	if warning := quotaWarning(u); warning != "" {
		h.Set("X-Quota-Warning", warning)
	} else {
		h.Del("X-Quota-Warning")
	}
}

func quotaWarning(u *quota.Usage) string {
	worst := ""
	for _, pair := range [][2]int64{
		{u.RequestUsed, u.RequestLimit},
		{u.TokenUsed, u.TokenLimit},
	} {
		used, limit := pair[0], pair[1]
		if limit == quota.Unlimited || limit <= 0 {
			continue
		}
		switch {
		case used >= limit:
			return "exhausted"
		case used*100 >= limit*80:
			worst = "approaching_limit"
		}
	}
	return worst
}
