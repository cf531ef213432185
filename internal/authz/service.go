package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/storage"
)

// RoleStore is the mutation slice of the RBAC store. Every mutation
// returns the users whose effective permissions it touched.
type RoleStore interface {
	CreateRole(ctx context.Context, r *storage.Role) error
	GetRoleByID(ctx context.Context, id uuid.UUID) (*storage.Role, error)
	ListRoles(ctx context.Context) ([]storage.Role, error)
	DeleteRole(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
	CreatePermission(ctx context.Context, p *storage.Permission) error
	ListPermissions(ctx context.Context) ([]storage.Permission, error)
	DeletePermission(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
	AttachPermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) ([]uuid.UUID, error)
	DetachPermission(ctx context.Context, roleID, permissionID uuid.UUID) ([]uuid.UUID, error)
	AssignRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID) (int, error)
	RemoveRole(ctx context.Context, userID, roleID uuid.UUID) error
	ListUserRoles(ctx context.Context, userID uuid.UUID) ([]storage.Role, error)
}

// Invalidator drops cached permission views. *Engine satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, userIDs ...string)
}

// Service applies role and permission mutations and keeps caches
// coherent: invalidation runs after commit, then the event is published
// for any other subscribers.
type Service struct {
	store  RoleStore
	cache  Invalidator
	bus    *Bus
	logger *slog.Logger
}

func NewService(store RoleStore, cache Invalidator, bus *Bus, logger *slog.Logger) *Service {
	return &Service{store: store, cache: cache, bus: bus, logger: logger}
}

func (s *Service) CreateRole(ctx context.Context, name, description string) (*storage.Role, error) {
	if name == "" {
		return nil, apierr.Validation("role name is required")
	}
	role := &storage.Role{
		ID:          uuid.New(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

func (s *Service) ListRoles(ctx context.Context) ([]storage.Role, error) {
	return s.store.ListRoles(ctx)
}

func (s *Service) DeleteRole(ctx context.Context, roleID uuid.UUID) error {
	affected, err := s.store.DeleteRole(ctx, roleID)
	if err != nil {
		return err
	}
	s.invalidate(ctx, affected, "role_deleted")
	return nil
}

func (s *Service) CreatePermission(ctx context.Context, resource, action string) (*storage.Permission, error) {
	if resource == "" || action == "" {
		return nil, apierr.Validation("resource and action are required")
	}
	perm := &storage.Permission{
		ID:        uuid.New(),
		Name:      resource + ":" + action,
		Resource:  resource,
		Action:    action,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreatePermission(ctx, perm); err != nil {
		return nil, err
	}
	return perm, nil
}

func (s *Service) ListPermissions(ctx context.Context) ([]storage.Permission, error) {
	return s.store.ListPermissions(ctx)
}

func (s *Service) DeletePermission(ctx context.Context, permissionID uuid.UUID) error {
	affected, err := s.store.DeletePermission(ctx, permissionID)
	if err != nil {
		return err
	}
	s.invalidate(ctx, affected, "permission_deleted")
	return nil
}

func (s *Service) AttachPermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error {
	if len(permissionIDs) == 0 {
		return apierr.Validation("permission_ids is required")
	}
	affected, err := s.store.AttachPermissions(ctx, roleID, permissionIDs)
	if err != nil {
		return err
	}
	s.invalidate(ctx, affected, "permissions_attached")
	return nil
}

func (s *Service) DetachPermission(ctx context.Context, roleID, permissionID uuid.UUID) error {
	affected, err := s.store.DetachPermission(ctx, roleID, permissionID)
	if err != nil {
		return err
	}
	s.invalidate(ctx, affected, "permission_detached")
	return nil
}

// AssignRoles grants roles to a user and returns how many were newly
// assigned; already-held roles are counted as zero.
func (s *Service) AssignRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID) (int, error) {
	if len(roleIDs) == 0 {
		return 0, apierr.Validation("role_ids is required")
	}
	assigned, err := s.store.AssignRoles(ctx, userID, roleIDs)
	if err != nil {
		return 0, err
	}
	if assigned > 0 {
		s.invalidate(ctx, []uuid.UUID{userID}, "roles_assigned")
	}
	return assigned, nil
}

func (s *Service) RemoveRole(ctx context.Context, userID, roleID uuid.UUID) error {
	if err := s.store.RemoveRole(ctx, userID, roleID); err != nil {
		return fmt.Errorf("remove role: %w", err)
	}
	s.invalidate(ctx, []uuid.UUID{userID}, "role_removed")
	return nil
}

func (s *Service) ListUserRoles(ctx context.Context, userID uuid.UUID) ([]storage.Role, error) {
	return s.store.ListUserRoles(ctx, userID)
}

func (s *Service) invalidate(ctx context.Context, userIDs []uuid.UUID, reason string) {
	if len(userIDs) == 0 {
		return
	}
	ids := make([]string, len(userIDs))
	for i, id := range userIDs {
		ids[i] = id.String()
	}
	s.cache.Invalidate(ctx, ids...)
	s.bus.Publish(PermissionsChanged{UserIDs: ids, Reason: reason})
	s.logger.Info("permissions_changed", "reason", reason, "affected_users", len(ids))
}
