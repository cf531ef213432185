package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/api/helpers"
)

// SuperAdminChecker is the authz slice the gates need. *authz.Engine
// satisfies it.
type SuperAdminChecker interface {
	IsSuperAdmin(ctx context.Context, userID uuid.UUID) (bool, error)
}

// BindingChecker reports user↔application bindings. *storage.AppStore
// satisfies it.
type BindingChecker interface {
	IsUserBound(ctx context.Context, userID, appID uuid.UUID) (bool, error)
}

// RequireLoginMethod refuses routes whose login method the application
// has not enabled.
func RequireLoginMethod(method string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			app := GetApp(r.Context())
			if app == nil || !app.HasLoginMethod(method) {
				helpers.RespondError(w, r, apierr.LoginMethodDisabled(method))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireOAuthMethod gates /auth/oauth/{provider} on the corresponding
// oauth_{provider} login method.
func RequireOAuthMethod(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := "oauth_" + chi.URLParam(r, "provider")
		app := GetApp(r.Context())
		if app == nil || !app.HasLoginMethod(method) {
			helpers.RespondError(w, r, apierr.LoginMethodDisabled(method))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireScope refuses applications lacking the granted scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			app := GetApp(r.Context())
			if app == nil || !app.HasScope(scope) {
				helpers.RespondError(w, r, apierr.InsufficientScope(scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// platformScopes are the administrative scope families where a
// super-admin may act without being bound to the calling application.
var platformScopes = map[string]bool{
	"role":       true,
	"permission": true,
	"user":       true,
}

// RequireUserBinding enforces that the bearer user is bound to the
// calling application. Super admins bypass the check only under the
// platform-administrative scope families; llm:invoke and other
// tenant-facing scopes always require the binding.
func RequireUserBinding(bindings BindingChecker, admins SuperAdminChecker, scopeFamily string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			app := GetApp(r.Context())
			userID, ok := GetUserID(r.Context())
			if app == nil || !ok {
				helpers.RespondError(w, r, apierr.InvalidToken("request is not authenticated"))
				return
			}

			bound, err := bindings.IsUserBound(r.Context(), userID, app.AppID)
			if err != nil {
				helpers.RespondError(w, r, err)
				return
			}
			if bound {
				next.ServeHTTP(w, r)
				return
			}

			if platformScopes[scopeFamily] {
				isAdmin, err := admins.IsSuperAdmin(r.Context(), userID)
				if err != nil {
					helpers.RespondError(w, r, err)
					return
				}
				if isAdmin {
					next.ServeHTTP(w, r)
					return
				}
			}

			helpers.RespondError(w, r, apierr.UserNotBound())
		})
	}
}
