package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/storage"
)

// Default credentials for the initial platform administrator. The
// account is created with password_changed=false, so the first login
// forces a rotation.
const (
	DefaultAdminUsername = "admin"
	DefaultAdminPassword = "123456"
)

// UserCreator is the store slice bootstrap needs for the account row.
type UserCreator interface {
	Create(ctx context.Context, u *storage.User) error
}

// RoleGranter resolves and assigns the administrator role.
type RoleGranter interface {
	GetRoleByName(ctx context.Context, name string) (*storage.Role, error)
	AssignRoles(ctx context.Context, userID uuid.UUID, roleIDs []uuid.UUID) (int, error)
}

// BootstrapAdmin creates the initial administrator account and grants it
// roleName. The strength policy is deliberately not applied: the
// well-known bootstrap password is acceptable only because the account
// cannot keep it past its first login.
func BootstrapAdmin(ctx context.Context, users UserCreator, roles RoleGranter, hasher PasswordHasher, username, email, password, roleName string) (*storage.User, error) {
	if username == "" {
		username = DefaultAdminUsername
	}
	if password == "" {
		password = DefaultAdminPassword
	}

	hash, err := hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash bootstrap password: %w", err)
	}

	user := &storage.User{
		ID:              uuid.New(),
		Username:        username,
		Email:           email,
		PasswordHash:    hash,
		Status:          storage.UserActive,
		PasswordChanged: false,
		CreatedAt:       time.Now(),
	}
	if err := users.Create(ctx, user); err != nil {
		return nil, err
	}

	role, err := roles.GetRoleByName(ctx, roleName)
	if err != nil {
		return nil, fmt.Errorf("load %s role: %w", roleName, err)
	}
	if _, err := roles.AssignRoles(ctx, user.ID, []uuid.UUID{role.ID}); err != nil {
		return nil, err
	}
	return user, nil
}
