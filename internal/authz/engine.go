// Package authz answers "may this user do that" questions and manages
// the role and permission catalog. Effective permissions are cached in
// Redis with a short TTL; role mutations publish invalidation events so
// revocations take effect immediately rather than at TTL expiry.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wardenhq/warden/internal/storage"
)

const (
	cacheTTL = 5 * time.Minute

	// SuperAdminRole bypasses every permission check.
	SuperAdminRole = "super_admin"
)

// PermissionReader is the slice of the RBAC store the engine needs.
type PermissionReader interface {
	ListEffectivePermissions(ctx context.Context, userID uuid.UUID) ([]storage.Permission, error)
	UserHasRole(ctx context.Context, userID uuid.UUID, roleName string) (bool, error)
}

// Engine evaluates permission checks with a Redis read-through cache.
// Redis outages degrade to direct database reads. Cache invalidation is
// driven by the mutation service after commit.
type Engine struct {
	store  PermissionReader
	rdb    *redis.Client
	logger *slog.Logger
}

func NewEngine(store PermissionReader, rdb *redis.Client, logger *slog.Logger) *Engine {
	return &Engine{store: store, rdb: rdb, logger: logger}
}

func permsKey(userID uuid.UUID) string   { return "user_permissions:" + userID.String() }
func isAdminKey(userID uuid.UUID) string { return "user_is_super_admin:" + userID.String() }

// HasPermission reports whether the user holds the named permission.
// Super admins pass every check.
func (e *Engine) HasPermission(ctx context.Context, userID uuid.UUID, permission string) (bool, error) {
	admin, err := e.IsSuperAdmin(ctx, userID)
	if err != nil {
		return false, err
	}
	if admin {
		return true, nil
	}

	perms, err := e.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == permission {
			return true, nil
		}
	}
	return false, nil
}

// EffectivePermissions returns the union of permission names over all of
// the user's roles.
func (e *Engine) EffectivePermissions(ctx context.Context, userID uuid.UUID) ([]string, error) {
	if cached, ok := e.cachedPermissions(ctx, userID); ok {
		return cached, nil
	}

	perms, err := e.store.ListEffectivePermissions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list effective permissions: %w", err)
	}
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Name)
	}

	if raw, err := json.Marshal(names); err == nil {
		if err := e.rdb.Set(ctx, permsKey(userID), raw, cacheTTL).Err(); err != nil {
			e.logger.Warn("authz_cache_write_failed", "error", err)
		}
	}
	return names, nil
}

// IsSuperAdmin reports whether the user holds the super_admin role.
func (e *Engine) IsSuperAdmin(ctx context.Context, userID uuid.UUID) (bool, error) {
	val, err := e.rdb.Get(ctx, isAdminKey(userID)).Result()
	if err == nil {
		return val == "1", nil
	}
	if !errors.Is(err, redis.Nil) {
		e.logger.Warn("authz_cache_read_failed", "error", err)
	}

	admin, err := e.store.UserHasRole(ctx, userID, SuperAdminRole)
	if err != nil {
		return false, fmt.Errorf("check super admin: %w", err)
	}

	flag := "0"
	if admin {
		flag = "1"
	}
	if err := e.rdb.Set(ctx, isAdminKey(userID), flag, cacheTTL).Err(); err != nil {
		e.logger.Warn("authz_cache_write_failed", "error", err)
	}
	return admin, nil
}

// Invalidate drops the cached view for the given users.
func (e *Engine) Invalidate(ctx context.Context, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(userIDs)*2)
	for _, id := range userIDs {
		keys = append(keys, "user_permissions:"+id, "user_is_super_admin:"+id)
	}
	if err := e.rdb.Del(ctx, keys...).Err(); err != nil {
		// TTL expiry bounds the staleness window if the delete fails.
		e.logger.Warn("authz_cache_invalidation_failed", "error", err, "users", len(userIDs))
	}
}

func (e *Engine) cachedPermissions(ctx context.Context, userID uuid.UUID) ([]string, bool) {
	raw, err := e.rdb.Get(ctx, permsKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			e.logger.Warn("authz_cache_read_failed", "error", err)
		}
		return nil, false
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, false
	}
	return names, true
}
