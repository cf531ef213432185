package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/api/helpers"
	"github.com/wardenhq/warden/internal/api/middleware"
	"github.com/wardenhq/warden/internal/apps"
	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/authz"
	"github.com/wardenhq/warden/internal/quota"
	"github.com/wardenhq/warden/internal/storage"
)

// PlanDirectory is the plan-store slice the admin surface needs.
type PlanDirectory interface {
	Create(ctx context.Context, p *storage.SubscriptionPlan) error
	List(ctx context.Context) ([]storage.SubscriptionPlan, error)
	Update(ctx context.Context, id uuid.UUID, upd storage.PlanUpdate) error
}

// OrgDirectory is the organization-store slice the admin surface needs.
type OrgDirectory interface {
	Create(ctx context.Context, name string, parentID *uuid.UUID) (*storage.Organization, error)
	List(ctx context.Context) ([]storage.Organization, error)
	AddUser(ctx context.Context, userID, orgID uuid.UUID) error
}

// AdminHandler serves the super-admin operational surface.
type AdminHandler struct {
	apps      *apps.Service
	plans     PlanDirectory
	accounter *quota.Accounter
	roles     *authz.Service
	orgs      OrgDirectory
	auth      *auth.Service
}

func NewAdminHandler(appSvc *apps.Service, plans PlanDirectory, accounter *quota.Accounter, roles *authz.Service, orgs OrgDirectory, authSvc *auth.Service) *AdminHandler {
	return &AdminHandler{apps: appSvc, plans: plans, accounter: accounter, roles: roles, orgs: orgs, auth: authSvc}
}

func urlAppID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "app_id"))
	if err != nil {
		return uuid.Nil, apierr.Validation("app_id is not a valid uuid")
	}
	return id, nil
}

func urlID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apierr.Validation("id is not a valid uuid")
	}
	return id, nil
}

func appView(a *storage.Application) map[string]any {
	return map[string]any{
		"app_id":                a.AppID,
		"name":                  a.Name,
		"description":           a.Description,
		"status":                a.Status,
		"rate_limit":            a.RateLimit,
		"subscription_plan_id":  a.SubscriptionPlanID,
		"enabled_login_methods": a.EnabledLoginMethods,
		"granted_scopes":        a.GrantedScopes,
		"created_at":            a.CreatedAt.Format(time.RFC3339),
	}
}

// CreateApp handles POST /admin/apps. The app secret and webhook secret
// appear in this response and never again.
func (h *AdminHandler) CreateApp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name                string                             `json:"name"`
		Description         string                             `json:"description"`
		RateLimit           int                                `json:"rate_limit"`
		SubscriptionPlanID  *uuid.UUID                         `json:"subscription_plan_id"`
		EnabledLoginMethods []string                           `json:"enabled_login_methods"`
		GrantedScopes       []string                           `json:"granted_scopes"`
		OAuthCredentials    map[string]storage.OAuthCredential `json:"oauth_credentials"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.Name == "" {
		helpers.RespondError(w, r, apierr.Validation("name is required"))
		return
	}

	var createdBy *uuid.UUID
	if id, ok := middleware.GetUserID(r.Context()); ok {
		createdBy = &id
	}

	created, err := h.apps.Create(r.Context(), apps.CreateInput{
		Name:                req.Name,
		Description:         req.Description,
		RateLimit:           req.RateLimit,
		SubscriptionPlanID:  req.SubscriptionPlanID,
		EnabledLoginMethods: req.EnabledLoginMethods,
		GrantedScopes:       req.GrantedScopes,
		OAuthCredentials:    req.OAuthCredentials,
		CreatedBy:           createdBy,
	})
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	body := appView(created.App)
	body["app_secret"] = created.AppSecret
	body["webhook_secret"] = created.WebhookSecret
	body["request_id"] = helpers.GetRequestID(r.Context())
	helpers.RespondJSON(w, http.StatusCreated, body)
}

// ListApps handles GET /admin/apps.
func (h *AdminHandler) ListApps(w http.ResponseWriter, r *http.Request) {
	list, err := h.apps.List(r.Context())
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(list))
	for i := range list {
		views = append(views, appView(&list[i]))
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"applications": views,
		"request_id":   helpers.GetRequestID(r.Context()),
	})
}

// GetApp handles GET /admin/apps/{app_id}.
func (h *AdminHandler) GetApp(w http.ResponseWriter, r *http.Request) {
	id, err := urlAppID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	app, err := h.apps.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondError(w, r, apierr.New(apierr.KindValidation, "application not found"))
			return
		}
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, appView(app))
}

// UpdateApp handles PATCH /admin/apps/{app_id}.
func (h *AdminHandler) UpdateApp(w http.ResponseWriter, r *http.Request) {
	id, err := urlAppID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	var req struct {
		Name                *string                            `json:"name"`
		Description         *string                            `json:"description"`
		Status              *storage.AppStatus                 `json:"status"`
		RateLimit           *int                               `json:"rate_limit"`
		SubscriptionPlanID  *uuid.UUID                         `json:"subscription_plan_id"`
		ClearPlan           bool                               `json:"clear_plan"`
		EnabledLoginMethods []string                           `json:"enabled_login_methods"`
		GrantedScopes       []string                           `json:"granted_scopes"`
		OAuthCredentials    map[string]storage.OAuthCredential `json:"oauth_credentials"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	err = h.apps.Update(r.Context(), id, storage.AppUpdate{
		Name:                req.Name,
		Description:         req.Description,
		Status:              req.Status,
		RateLimit:           req.RateLimit,
		SubscriptionPlanID:  req.SubscriptionPlanID,
		ClearPlan:           req.ClearPlan,
		EnabledLoginMethods: req.EnabledLoginMethods,
		GrantedScopes:       req.GrantedScopes,
		OAuthCredentials:    req.OAuthCredentials,
	})
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// DeleteApp handles DELETE /admin/apps/{app_id}: cascades app-owned
// rows and bindings; user accounts survive.
func (h *AdminHandler) DeleteApp(w http.ResponseWriter, r *http.Request) {
	id, err := urlAppID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if err := h.apps.Delete(r.Context(), id); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// ResetAppSecret handles POST /admin/apps/{app_id}/reset-secret.
func (h *AdminHandler) ResetAppSecret(w http.ResponseWriter, r *http.Request) {
	id, err := urlAppID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	secret, err := h.apps.ResetSecret(r.Context(), id)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"app_secret": secret,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// CreatePlan handles POST /admin/plans.
func (h *AdminHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string  `json:"name"`
		DurationDays    int     `json:"duration_days"`
		Price           float64 `json:"price"`
		RequestQuota    int64   `json:"request_quota"`
		TokenQuota      int64   `json:"token_quota"`
		QuotaPeriodDays int     `json:"quota_period_days"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.Name == "" {
		helpers.RespondError(w, r, apierr.Validation("name is required"))
		return
	}

	plan := &storage.SubscriptionPlan{
		ID:              uuid.New(),
		Name:            req.Name,
		DurationDays:    req.DurationDays,
		Price:           req.Price,
		RequestQuota:    req.RequestQuota,
		TokenQuota:      req.TokenQuota,
		QuotaPeriodDays: req.QuotaPeriodDays,
		IsActive:        true,
		CreatedAt:       time.Now(),
	}
	if err := h.plans.Create(r.Context(), plan); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, map[string]any{
		"id":         plan.ID,
		"name":       plan.Name,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// ListPlans handles GET /admin/plans.
func (h *AdminHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.List(r.Context())
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"plans":      plans,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// UpdatePlan handles PATCH /admin/plans/{id}.
func (h *AdminHandler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	var req struct {
		Name            *string  `json:"name"`
		DurationDays    *int     `json:"duration_days"`
		Price           *float64 `json:"price"`
		RequestQuota    *int64   `json:"request_quota"`
		TokenQuota      *int64   `json:"token_quota"`
		QuotaPeriodDays *int     `json:"quota_period_days"`
		IsActive        *bool    `json:"is_active"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	err = h.plans.Update(r.Context(), id, storage.PlanUpdate{
		Name:            req.Name,
		DurationDays:    req.DurationDays,
		Price:           req.Price,
		RequestQuota:    req.RequestQuota,
		TokenQuota:      req.TokenQuota,
		QuotaPeriodDays: req.QuotaPeriodDays,
		IsActive:        req.IsActive,
	})
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// OverrideQuota handles POST /admin/quota/{app_id}/override. A null
// limit clears the override back to the plan's value.
func (h *AdminHandler) OverrideQuota(w http.ResponseWriter, r *http.Request) {
	app, err := h.loadApp(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	var req struct {
		RequestLimit *int64 `json:"request_limit"`
		TokenLimit   *int64 `json:"token_limit"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	if err := h.accounter.SetOverrides(r.Context(), app, req.RequestLimit, req.TokenLimit); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// ResetQuota handles POST /admin/quota/{app_id}/reset: closes the
// current cycle with a manual snapshot and starts a fresh one now.
func (h *AdminHandler) ResetQuota(w http.ResponseWriter, r *http.Request) {
	app, err := h.loadApp(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	usage, err := h.accounter.Reset(r.Context(), app)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, usageBody(usage, helpers.GetRequestID(r.Context())))
}

// QuotaUsage handles GET /admin/quota/{app_id}/usage.
func (h *AdminHandler) QuotaUsage(w http.ResponseWriter, r *http.Request) {
	app, err := h.loadApp(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	usage, err := h.accounter.CurrentUsage(r.Context(), app)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, usageBody(usage, helpers.GetRequestID(r.Context())))
}

func (h *AdminHandler) loadApp(r *http.Request) (*storage.Application, error) {
	id, err := urlAppID(r)
	if err != nil {
		return nil, err
	}
	app, err := h.apps.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.Validation("application not found")
		}
		return nil, err
	}
	return app, nil
}

// CreateRole handles POST /admin/roles.
func (h *AdminHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.Name == "" {
		helpers.RespondError(w, r, apierr.Validation("name is required"))
		return
	}

	role, err := h.roles.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	body := roleView(role)
	body["request_id"] = helpers.GetRequestID(r.Context())
	helpers.RespondJSON(w, http.StatusCreated, body)
}

// ListRoles handles GET /admin/roles.
func (h *AdminHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.roles.ListRoles(r.Context())
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	views := make([]map[string]any, 0, len(roles))
	for i := range roles {
		views = append(views, roleView(&roles[i]))
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"roles":      views,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// DeleteRole handles DELETE /admin/roles/{id}. System roles refuse.
func (h *AdminHandler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if err := h.roles.DeleteRole(r.Context(), id); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// AttachPermissions handles POST /admin/roles/{id}/permissions.
func (h *AdminHandler) AttachPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	var req struct {
		PermissionIDs []uuid.UUID `json:"permission_ids"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if len(req.PermissionIDs) == 0 {
		helpers.RespondError(w, r, apierr.Validation("permission_ids must not be empty"))
		return
	}

	if err := h.roles.AttachPermissions(r.Context(), id, req.PermissionIDs); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// DetachPermission handles DELETE /admin/roles/{id}/permissions with a
// permission_id body field.
func (h *AdminHandler) DetachPermission(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	var req struct {
		PermissionID uuid.UUID `json:"permission_id"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	if err := h.roles.DetachPermission(r.Context(), id, req.PermissionID); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// CreatePermission handles POST /admin/permissions.
func (h *AdminHandler) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resource string `json:"resource"`
		Action   string `json:"action"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.Resource == "" || req.Action == "" {
		helpers.RespondError(w, r, apierr.Validation("resource and action are required"))
		return
	}

	perm, err := h.roles.CreatePermission(r.Context(), req.Resource, req.Action)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, map[string]any{
		"id":         perm.ID,
		"name":       perm.Name,
		"resource":   perm.Resource,
		"action":     perm.Action,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// ListPermissions handles GET /admin/permissions.
func (h *AdminHandler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.roles.ListPermissions(r.Context())
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"permissions": perms,
		"request_id":  helpers.GetRequestID(r.Context()),
	})
}

// DeletePermission handles DELETE /admin/permissions/{id}. Refused
// while any role still references it.
func (h *AdminHandler) DeletePermission(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if err := h.roles.DeletePermission(r.Context(), id); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// CreateOrg handles POST /admin/orgs.
func (h *AdminHandler) CreateOrg(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string     `json:"name"`
		ParentID *uuid.UUID `json:"parent_id"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.Name == "" {
		helpers.RespondError(w, r, apierr.Validation("name is required"))
		return
	}

	org, err := h.orgs.Create(r.Context(), req.Name, req.ParentID)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, map[string]any{
		"id":         org.ID,
		"name":       org.Name,
		"path":       org.Path,
		"level":      org.Level,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// ListOrgs handles GET /admin/orgs.
func (h *AdminHandler) ListOrgs(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.orgs.List(r.Context())
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"organizations": orgs,
		"request_id":    helpers.GetRequestID(r.Context()),
	})
}

// CreateUser handles POST /admin/users: operator-created accounts start
// active with password_changed=false.
func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Phone    string `json:"phone"`
		Password string `json:"password"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.Password == "" {
		helpers.RespondError(w, r, apierr.Validation("password is required"))
		return
	}

	user, err := h.auth.AdminCreateUser(r.Context(), req.Username, req.Email, req.Phone, req.Password, requestMeta(r))
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusCreated, map[string]any{
		"user":       viewUser(user),
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// AddUserToOrg handles POST /admin/users/{id}/orgs.
func (h *AdminHandler) AddUserToOrg(w http.ResponseWriter, r *http.Request) {
	userID, err := urlID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	var req struct {
		OrgID uuid.UUID `json:"org_id"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	if err := h.orgs.AddUser(r.Context(), userID, req.OrgID); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}
