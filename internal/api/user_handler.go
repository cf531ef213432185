package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/api/helpers"
	"github.com/wardenhq/warden/internal/authz"
	"github.com/wardenhq/warden/internal/storage"
)

// UserReader is the identity slice the user endpoints need.
type UserReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*storage.User, error)
}

// UserHandler serves the bearer user/role/permission endpoints.
type UserHandler struct {
	users  UserReader
	engine *authz.Engine
	roles  *authz.Service
}

func NewUserHandler(users UserReader, engine *authz.Engine, roles *authz.Service) *UserHandler {
	return &UserHandler{users: users, engine: engine, roles: roles}
}

func urlUserID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		return uuid.Nil, apierr.Validation("user_id is not a valid uuid")
	}
	return id, nil
}

// GetUser handles GET /users/{user_id}.
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := urlUserID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondError(w, r, apierr.UserNotFoundProfile())
			return
		}
		helpers.RespondError(w, r, err)
		return
	}

	view := viewUser(user)
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"user":       view,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// ListUserRoles handles GET /users/{user_id}/roles.
func (h *UserHandler) ListUserRoles(w http.ResponseWriter, r *http.Request) {
	id, err := urlUserID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	roles, err := h.roles.ListUserRoles(r.Context(), id)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	views := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		views = append(views, roleView(&role))
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"roles":      views,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// AssignRoles handles POST /users/{user_id}/roles. The grant is
// idempotent; assigned_count reports how many were actually new.
func (h *UserHandler) AssignRoles(w http.ResponseWriter, r *http.Request) {
	id, err := urlUserID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	var req struct {
		RoleIDs []uuid.UUID `json:"role_ids"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if len(req.RoleIDs) == 0 {
		helpers.RespondError(w, r, apierr.Validation("role_ids must not be empty"))
		return
	}

	assigned, err := h.roles.AssignRoles(r.Context(), id, req.RoleIDs)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"assigned_count": assigned,
		"request_id":     helpers.GetRequestID(r.Context()),
	})
}

// RemoveRole handles DELETE /users/{user_id}/roles/{role_id}.
func (h *UserHandler) RemoveRole(w http.ResponseWriter, r *http.Request) {
	id, err := urlUserID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	roleID, err := uuid.Parse(chi.URLParam(r, "role_id"))
	if err != nil {
		helpers.RespondError(w, r, apierr.Validation("role_id is not a valid uuid"))
		return
	}

	if err := h.roles.RemoveRole(r.Context(), id, roleID); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": helpers.GetRequestID(r.Context()),
	})
}

// ListUserPermissions handles GET /users/{user_id}/permissions: the
// union of permissions across the user's roles, cache-backed.
func (h *UserHandler) ListUserPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := urlUserID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	perms, err := h.engine.EffectivePermissions(r.Context(), id)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"permissions": perms,
		"request_id":  helpers.GetRequestID(r.Context()),
	})
}

// CheckPermission handles POST /users/{user_id}/permissions/check.
func (h *UserHandler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	id, err := urlUserID(r)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}

	var req struct {
		Permission string `json:"permission"`
	}
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	if req.Permission == "" {
		helpers.RespondError(w, r, apierr.Validation("permission is required"))
		return
	}

	has, err := h.engine.HasPermission(r.Context(), id, req.Permission)
	if err != nil {
		helpers.RespondError(w, r, err)
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"has_permission": has,
		"request_id":     helpers.GetRequestID(r.Context()),
	})
}

func roleView(role *storage.Role) map[string]any {
	return map[string]any{
		"id":             role.ID,
		"name":           role.Name,
		"description":    role.Description,
		"is_system_role": role.IsSystemRole,
	}
}
