package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wardenhq/warden/internal/apierr"
)

// RBACStore persists roles, permissions and their join tables. Mutations
// that can affect a user's effective permissions return the set of
// affected user IDs so callers can publish cache invalidations after
// commit.
type RBACStore struct {
	pool *pgxpool.Pool
}

func NewRBACStore(pool *pgxpool.Pool) *RBACStore {
	return &RBACStore{pool: pool}
}

// CreateRole inserts a role.
func (s *RBACStore) CreateRole(ctx context.Context, r *Role) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO roles (id, name, description, is_system_role, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.Name, r.Description, r.IsSystemRole, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return apierr.Validation("role name already exists")
		}
		return fmt.Errorf("create role: %w", err)
	}
	return nil
}

func (s *RBACStore) GetRoleByID(ctx context.Context, id uuid.UUID) (*Role, error) {
	var r Role
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, is_system_role, created_at FROM roles WHERE id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Description, &r.IsSystemRole, &r.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &r, nil
}

func (s *RBACStore) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	var r Role
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, is_system_role, created_at FROM roles WHERE name = $1
	`, name).Scan(&r.ID, &r.Name, &r.Description, &r.IsSystemRole, &r.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &r, nil
}

func (s *RBACStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, is_system_role, created_at FROM roles ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.IsSystemRole, &r.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// DeleteRole removes a non-system role and its join rows, returning the
// users who held it.
func (s *RBACStore) DeleteRole(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var isSystem bool
	err = tx.QueryRow(ctx, `SELECT is_system_role FROM roles WHERE id = $1 FOR UPDATE`, id).Scan(&isSystem)
	if err != nil {
		return nil, mapNoRows(err)
	}
	if isSystem {
		return nil, apierr.Validation("system roles cannot be deleted")
	}

	affected, err := collectUUIDs(tx.Query(ctx, `SELECT user_id FROM user_roles WHERE role_id = $1`, id))
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("delete role: %w", err)
	}

	return affected, tx.Commit(ctx)
}

// CreatePermission inserts a "resource:action" permission.
func (s *RBACStore) CreatePermission(ctx context.Context, p *Permission) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO permissions (id, name, resource, action, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.Name, p.Resource, p.Action, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "") {
			return apierr.Validation("permission already exists")
		}
		return fmt.Errorf("create permission: %w", err)
	}
	return nil
}

func (s *RBACStore) GetPermissionByName(ctx context.Context, name string) (*Permission, error) {
	var p Permission
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, resource, action, created_at FROM permissions WHERE name = $1
	`, name).Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &p, nil
}

func (s *RBACStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, resource, action, created_at FROM permissions ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

// DeletePermission removes a permission unless any role still references
// it, returning the users who transitively held it.
func (s *RBACStore) DeletePermission(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var refs int
	if err := tx.QueryRow(ctx, `
		SELECT count(*) FROM role_permissions WHERE permission_id = $1
	`, id).Scan(&refs); err != nil {
		return nil, err
	}
	if refs > 0 {
		return nil, apierr.Validation("permission is referenced by one or more roles")
	}

	affected, err := collectUUIDs(tx.Query(ctx, `
		SELECT DISTINCT ur.user_id
		FROM user_roles ur
		JOIN role_permissions rp ON rp.role_id = ur.role_id
		WHERE rp.permission_id = $1
	`, id))
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("delete permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	return affected, tx.Commit(ctx)
}

// AttachPermissions attaches permissions to a role (idempotent) and
// returns every user holding the role.
func (s *RBACStore) AttachPermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) ([]uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, pid := range permissionIDs {
		_, err := tx.Exec(ctx, `
			INSERT INTO role_permissions (role_id, permission_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, roleID, pid)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, apierr.Validation("unknown role or permission")
			}
			return nil, fmt.Errorf("attach permission: %w", err)
		}
	}

	affected, err := collectUUIDs(tx.Query(ctx, `SELECT user_id FROM user_roles WHERE role_id = $1`, roleID))
	if err != nil {
		return nil, err
	}

	return affected, tx.Commit(ctx)
}

// DetachPermission removes a permission from a role and returns every
// user holding the role.
func (s *RBACStore) DetachPermission(ctx context.Context, roleID, permissionID uuid.UUID) ([]uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2
	`, roleID, permissionID); err != nil {
		return nil, fmt.Errorf("detach permission: %w", err)
	}

	affected, err := collectUUIDs(tx.Query(ctx, `SELECT user_id FROM user_roles WHERE role_id = $1`, roleID))
	if err != nil {
		return nil, err
	}

	return affected, tx.Commit(ctx)
}

// AssignRoles grants roles to a user, serialized on the user row.
// Returns the number of newly inserted rows (already-held roles count 0).
func (s *RBACStore) AssignRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Row lock serializes concurrent mutations of the same user's roles.
	var exists uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&exists); err != nil {
		return 0, mapNoRows(err)
	}

	assigned := 0
	for _, rid := range roleIDs {
		tag, err := tx.Exec(ctx, `
			INSERT INTO user_roles (user_id, role_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, userID, rid)
		if err != nil {
			if isForeignKeyViolation(err) {
				return 0, apierr.Validation("unknown role")
			}
			return 0, fmt.Errorf("assign role: %w", err)
		}
		assigned += int(tag.RowsAffected())
	}

	return assigned, tx.Commit(ctx)
}

// RemoveRole revokes a role from a user.
func (s *RBACStore) RemoveRole(ctx context.Context, userID, roleID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2
	`, userID, roleID)
	return err
}

// ListUserRoles returns the roles assigned to a user.
func (s *RBACStore) ListUserRoles(ctx context.Context, userID uuid.UUID) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.name, r.description, r.is_system_role, r.created_at
		FROM roles r JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.IsSystemRole, &r.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// ListEffectivePermissions returns the union of permissions over all of
// the user's roles.
func (s *RBACStore) ListEffectivePermissions(ctx context.Context, userID uuid.UUID) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT p.id, p.name, p.resource, p.action, p.created_at
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		JOIN user_roles ur ON ur.role_id = rp.role_id
		WHERE ur.user_id = $1
		ORDER BY p.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPermissions(rows)
}

// UserHasRole reports whether the user holds the named role.
func (s *RBACStore) UserHasRole(ctx context.Context, userID uuid.UUID, roleName string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_roles ur
			JOIN roles r ON r.id = ur.role_id
			WHERE ur.user_id = $1 AND r.name = $2
		)
	`, userID, roleName).Scan(&exists)
	return exists, err
}

func scanPermissions(rows pgx.Rows) ([]Permission, error) {
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func collectUUIDs(rows pgx.Rows, err error) ([]uuid.UUID, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
