package api

import (
	"log/slog"
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardenhq/warden/internal/api/middleware"
	"github.com/wardenhq/warden/internal/apps"
	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/authz"
	"github.com/wardenhq/warden/internal/llm"
	"github.com/wardenhq/warden/internal/oauth"
	"github.com/wardenhq/warden/internal/quota"
	"github.com/wardenhq/warden/internal/verify"
)

// Deps carries everything the router needs. cmd/api builds it from real
// stores; tests substitute fakes behind the same services.
type Deps struct {
	Logger *slog.Logger

	Auth          *auth.Service
	Tokens        *auth.TokenService
	TokenProvider auth.TokenProvider
	Apps          *apps.Service
	Engine        *authz.Engine
	Authz         *authz.Service
	Accounter     *quota.Accounter
	Verify        *verify.Store
	OAuth         *oauth.Registry
	LLM           *llm.Forwarder

	Users    UserReader
	Bindings middleware.BindingChecker
	Plans    PlanDirectory
	Orgs     OrgDirectory

	RateLimiter *middleware.RateLimiter
	IPLimiter   *middleware.IPLimiter

	Registry     *prometheus.Registry
	HealthChecks map[string]HealthCheck

	// SentryEnabled attaches the sentryhttp middleware; the hub must be
	// initialized by the caller.
	SentryEnabled bool
}

// NewRouter assembles the full HTTP surface: gateway, quota query,
// admin, and auxiliary endpoints, each behind its slice of the
// admission pipeline.
func NewRouter(d Deps) http.Handler {
	authH := NewAuthHandler(d.Auth, d.Tokens, d.Verify, d.OAuth, d.Apps)
	userH := NewUserHandler(d.Users, d.Engine, d.Authz)
	quotaH := NewQuotaHandler(d.Accounter)
	llmH := NewLLMHandler(d.LLM)
	adminH := NewAdminHandler(d.Apps, d.Plans, d.Accounter, d.Authz, d.Orgs, d.Auth)
	systemH := NewSystemHandler(d.TokenProvider, d.HealthChecks)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if d.SentryEnabled {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(middleware.RequestLogger(d.Logger))
	r.Use(middleware.PanicRecovery(d.Logger))
	r.Use(middleware.ResponseTime)
	if d.Registry != nil {
		r.Use(middleware.NewMetrics(d.Registry).Handler)
	}

	// Auxiliary surface, no auth.
	r.Get("/health", systemH.Health)
	r.Get("/info", systemH.Info)
	r.Get("/.well-known/jwks.json", systemH.JWKS)
	if d.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	}

	appAuth := middleware.RequireAppCredentials(d.Apps)
	bearer := middleware.RequireBearer(d.TokenProvider, d.Apps)
	rate := d.RateLimiter.Handler
	quotaGuard := middleware.QuotaGuard(d.Accounter)
	ipLimit := d.IPLimiter.Handler

	r.Route("/api/v1/gateway", func(r chi.Router) {
		// App-credential endpoints. Admission order: app auth, login
		// method, scope, rate limit, quota reserve, handler. The in-process
		// IP limiter sits in front of everything on credential endpoints.
		appRoute := func(scope, method string, extra ...func(http.Handler) http.Handler) chi.Router {
			mws := []func(http.Handler) http.Handler{appAuth}
			if method != "" {
				mws = append(mws, middleware.RequireLoginMethod(method))
			}
			mws = append(mws, middleware.RequireScope(scope), rate, quotaGuard)
			return r.With(append(extra, mws...)...)
		}

		appRoute("auth:register", "email_code", ipLimit).Post("/auth/register/email", authH.RegisterEmail)
		appRoute("auth:register", "phone_code", ipLimit).Post("/auth/register/phone", authH.RegisterPhone)
		appRoute("auth:register", "email_code").Post("/auth/send-email-code", authH.SendEmailCode)
		appRoute("auth:register", "phone_code").Post("/auth/send-sms", authH.SendSMSCode)
		appRoute("auth:register", "email_code").Post("/auth/verify-email", authH.VerifyEmail)

		appRoute("auth:login", "password", ipLimit).Post("/auth/login", authH.Login)
		appRoute("auth:login", "phone_code", ipLimit).Post("/auth/login/phone-code", authH.LoginPhoneCode)
		appRoute("auth:login", "email_code", ipLimit).Post("/auth/login/email-code", authH.LoginEmailCode)
		appRoute("auth:login", "sso").Post("/auth/login/sso", authH.LoginSSO)
		r.With(ipLimit, appAuth, middleware.RequireScope("auth:login"), rate, quotaGuard, middleware.RequireOAuthMethod).
			Post("/auth/oauth/{provider}", authH.LoginOAuth)
		appRoute("auth:login", "").Post("/auth/refresh", authH.Refresh)
		appRoute("auth:login", "").Post("/auth/logout", authH.Logout)
		appRoute("auth:login", "email_code", ipLimit).Post("/auth/forgot-password", authH.ForgotPassword)
		appRoute("auth:login", "", ipLimit).Post("/auth/reset-password", authH.ResetPassword)
		appRoute("auth:login", "", ipLimit).Post("/auth/mfa/login", authH.LoginMFA)

		// Bearer endpoints: token + X-App-Id cross-check, scope, rate,
		// quota, then the user-binding check (super-admin bypass only for
		// the platform-administrative scope families).
		bearerRoute := func(scope, family string) chi.Router {
			return r.With(bearer,
				middleware.RequireScope(scope),
				rate, quotaGuard,
				middleware.RequireUserBinding(d.Bindings, d.Engine, family),
			)
		}

		bearerRoute("user:read", "user").Get("/users/{user_id}", userH.GetUser)
		bearerRoute("user:write", "user").Post("/auth/change-password", authH.ChangePassword)
		bearerRoute("user:write", "user").Post("/auth/mfa/setup", authH.SetupMFA)
		bearerRoute("user:write", "user").Post("/auth/mfa/verify", authH.VerifyMFA)

		bearerRoute("role:read", "role").Get("/users/{user_id}/roles", userH.ListUserRoles)
		bearerRoute("role:write", "role").Post("/users/{user_id}/roles", userH.AssignRoles)
		bearerRoute("role:write", "role").Delete("/users/{user_id}/roles/{role_id}", userH.RemoveRole)
		bearerRoute("permission:read", "permission").Get("/users/{user_id}/permissions", userH.ListUserPermissions)
		bearerRoute("permission:read", "permission").Post("/users/{user_id}/permissions/check", userH.CheckPermission)

		bearerRoute("llm:invoke", "llm").Post("/llm/completions", llmH.Completions)
	})

	// Quota query: bearer + app cross-check only; no rate, quota or
	// binding steps.
	r.With(bearer).Get("/api/v1/quota/usage", quotaH.Usage)

	// Admin surface: bearer without the app cross-check, super-admin
	// predicate through the authorization engine.
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(middleware.RequireAdmin(d.TokenProvider, d.Engine))

		r.Post("/apps", adminH.CreateApp)
		r.Get("/apps", adminH.ListApps)
		r.Get("/apps/{app_id}", adminH.GetApp)
		r.Patch("/apps/{app_id}", adminH.UpdateApp)
		r.Delete("/apps/{app_id}", adminH.DeleteApp)
		r.Post("/apps/{app_id}/reset-secret", adminH.ResetAppSecret)

		r.Post("/plans", adminH.CreatePlan)
		r.Get("/plans", adminH.ListPlans)
		r.Patch("/plans/{id}", adminH.UpdatePlan)

		r.Post("/quota/{app_id}/override", adminH.OverrideQuota)
		r.Post("/quota/{app_id}/reset", adminH.ResetQuota)
		r.Get("/quota/{app_id}/usage", adminH.QuotaUsage)

		r.Post("/roles", adminH.CreateRole)
		r.Get("/roles", adminH.ListRoles)
		r.Delete("/roles/{id}", adminH.DeleteRole)
		r.Post("/roles/{id}/permissions", adminH.AttachPermissions)
		r.Delete("/roles/{id}/permissions", adminH.DetachPermission)

		r.Post("/permissions", adminH.CreatePermission)
		r.Get("/permissions", adminH.ListPermissions)
		r.Delete("/permissions/{id}", adminH.DeletePermission)

		r.Post("/orgs", adminH.CreateOrg)
		r.Get("/orgs", adminH.ListOrgs)

		r.Post("/users", adminH.CreateUser)
		r.Post("/users/{id}/orgs", adminH.AddUserToOrg)
	})

	return r
}
