package authz

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/storage"
)

// fakeRBAC is a map-backed RoleStore and PermissionReader.
type fakeRBAC struct {
	mu        sync.Mutex
	roles     map[uuid.UUID]*storage.Role
	perms     map[uuid.UUID]*storage.Permission
	rolePerms map[uuid.UUID]map[uuid.UUID]bool // roleID -> permIDs
	userRoles map[uuid.UUID]map[uuid.UUID]bool // userID -> roleIDs

	listCalls int // ListEffectivePermissions invocations, for cache assertions
}

func newFakeRBAC() *fakeRBAC {
	return &fakeRBAC{
		roles:     map[uuid.UUID]*storage.Role{},
		perms:     map[uuid.UUID]*storage.Permission{},
		rolePerms: map[uuid.UUID]map[uuid.UUID]bool{},
		userRoles: map[uuid.UUID]map[uuid.UUID]bool{},
	}
}

func (f *fakeRBAC) CreateRole(_ context.Context, r *storage.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ex := range f.roles {
		if ex.Name == r.Name {
			return apierr.Validation("role name already exists")
		}
	}
	cp := *r
	f.roles[r.ID] = &cp
	f.rolePerms[r.ID] = map[uuid.UUID]bool{}
	return nil
}

func (f *fakeRBAC) GetRoleByID(_ context.Context, id uuid.UUID) (*storage.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRBAC) ListRoles(_ context.Context) ([]storage.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Role
	for _, r := range f.roles {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeRBAC) DeleteRole(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if r.IsSystemRole {
		return nil, apierr.Validation("system roles cannot be deleted")
	}
	var affected []uuid.UUID
	for userID, rs := range f.userRoles {
		if rs[id] {
			affected = append(affected, userID)
			delete(rs, id)
		}
	}
	delete(f.roles, id)
	delete(f.rolePerms, id)
	return affected, nil
}

func (f *fakeRBAC) CreatePermission(_ context.Context, p *storage.Permission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.perms[p.ID] = &cp
	return nil
}

func (f *fakeRBAC) ListPermissions(_ context.Context) ([]storage.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Permission
	for _, p := range f.perms {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeRBAC) DeletePermission(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pids := range f.rolePerms {
		if pids[id] {
			return nil, apierr.Validation("permission is referenced by one or more roles")
		}
	}
	if _, ok := f.perms[id]; !ok {
		return nil, storage.ErrNotFound
	}
	delete(f.perms, id)
	return nil, nil
}

func (f *fakeRBAC) AttachPermissions(_ context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pids, ok := f.rolePerms[roleID]
	if !ok {
		return nil, apierr.Validation("unknown role or permission")
	}
	for _, pid := range permissionIDs {
		pids[pid] = true
	}
	return f.roleHoldersLocked(roleID), nil
}

func (f *fakeRBAC) DetachPermission(_ context.Context, roleID, permissionID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rolePerms[roleID], permissionID)
	return f.roleHoldersLocked(roleID), nil
}

func (f *fakeRBAC) AssignRoles(_ context.Context, userID uuid.UUID, roleIDs []uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, ok := f.userRoles[userID]
	if !ok {
		rs = map[uuid.UUID]bool{}
		f.userRoles[userID] = rs
	}
	assigned := 0
	for _, rid := range roleIDs {
		if _, ok := f.roles[rid]; !ok {
			return 0, apierr.Validation("unknown role")
		}
		if !rs[rid] {
			rs[rid] = true
			assigned++
		}
	}
	return assigned, nil
}

func (f *fakeRBAC) RemoveRole(_ context.Context, userID, roleID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.userRoles[userID], roleID)
	return nil
}

func (f *fakeRBAC) ListUserRoles(_ context.Context, userID uuid.UUID) ([]storage.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Role
	for rid := range f.userRoles[userID] {
		out = append(out, *f.roles[rid])
	}
	return out, nil
}

func (f *fakeRBAC) ListEffectivePermissions(_ context.Context, userID uuid.UUID) ([]storage.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	seen := map[uuid.UUID]bool{}
	var out []storage.Permission
	for rid := range f.userRoles[userID] {
		for pid := range f.rolePerms[rid] {
			if !seen[pid] {
				seen[pid] = true
				out = append(out, *f.perms[pid])
			}
		}
	}
	return out, nil
}

func (f *fakeRBAC) UserHasRole(_ context.Context, userID uuid.UUID, roleName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for rid := range f.userRoles[userID] {
		if f.roles[rid].Name == roleName {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRBAC) roleHoldersLocked(roleID uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for userID, rs := range f.userRoles {
		if rs[roleID] {
			out = append(out, userID)
		}
	}
	return out
}

type authzFixture struct {
	store  *fakeRBAC
	engine *Engine
	svc    *Service
	mr     *miniredis.Miniredis
}

func newAuthzFixture(t *testing.T) *authzFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := newFakeRBAC()
	logger := slog.New(slog.DiscardHandler)
	engine := NewEngine(store, rdb, logger)
	svc := NewService(store, engine, NewBus(), logger)
	return &authzFixture{store: store, engine: engine, svc: svc, mr: mr}
}

// seedUserWithPermission wires user -> role -> permission and returns both IDs.
func (fx *authzFixture) seedUserWithPermission(t *testing.T, permName string) (userID, roleID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	role, err := fx.svc.CreateRole(ctx, "role_"+uuid.NewString()[:8], "")
	require.NoError(t, err)

	perm := &storage.Permission{ID: uuid.New(), Name: permName, CreatedAt: time.Now()}
	require.NoError(t, fx.store.CreatePermission(ctx, perm))
	require.NoError(t, fx.svc.AttachPermissions(ctx, role.ID, []uuid.UUID{perm.ID}))

	userID = uuid.New()
	n, err := fx.svc.AssignRoles(ctx, userID, []uuid.UUID{role.ID})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	return userID, role.ID
}

func TestHasPermissionUnion(t *testing.T) {
	fx := newAuthzFixture(t)
	ctx := context.Background()
	userID, _ := fx.seedUserWithPermission(t, "users:read")

	ok, err := fx.engine.HasPermission(ctx, userID, "users:read")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = fx.engine.HasPermission(ctx, userID, "users:delete")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEffectivePermissionsCached(t *testing.T) {
	fx := newAuthzFixture(t)
	ctx := context.Background()
	userID, _ := fx.seedUserWithPermission(t, "users:read")

	_, err := fx.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)
	_, err = fx.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)

	assert.Equal(t, 1, fx.store.listCalls, "second read served from cache")

	// Cache expires with the TTL.
	fx.mr.FastForward(cacheTTL + time.Second)
	_, err = fx.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2, fx.store.listCalls)
}

func TestRevocationTakesEffectImmediately(t *testing.T) {
	fx := newAuthzFixture(t)
	ctx := context.Background()
	userID, roleID := fx.seedUserWithPermission(t, "billing:write")

	ok, err := fx.engine.HasPermission(ctx, userID, "billing:write")
	require.NoError(t, err)
	require.True(t, ok, "cache is now warm")

	require.NoError(t, fx.svc.RemoveRole(ctx, userID, roleID))

	// No TTL wait: the mutation invalidated the cached view.
	ok, err = fx.engine.HasPermission(ctx, userID, "billing:write")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDetachPermissionInvalidatesRoleHolders(t *testing.T) {
	fx := newAuthzFixture(t)
	ctx := context.Background()
	userID, roleID := fx.seedUserWithPermission(t, "reports:read")

	perms, err := fx.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)
	require.Contains(t, perms, "reports:read")

	var permID uuid.UUID
	for id, p := range fx.store.perms {
		if p.Name == "reports:read" {
			permID = id
		}
	}
	require.NoError(t, fx.svc.DetachPermission(ctx, roleID, permID))

	perms, err = fx.engine.EffectivePermissions(ctx, userID)
	require.NoError(t, err)
	assert.NotContains(t, perms, "reports:read")
}

func TestSuperAdminBypass(t *testing.T) {
	fx := newAuthzFixture(t)
	ctx := context.Background()

	admin, err := fx.svc.CreateRole(ctx, SuperAdminRole, "platform root")
	require.NoError(t, err)

	userID := uuid.New()
	_, err = fx.svc.AssignRoles(ctx, userID, []uuid.UUID{admin.ID})
	require.NoError(t, err)

	// No permission is attached to the role, yet every check passes.
	ok, err := fx.engine.HasPermission(ctx, userID, "anything:at_all")
	require.NoError(t, err)
	assert.True(t, ok)

	isAdmin, err := fx.engine.IsSuperAdmin(ctx, userID)
	require.NoError(t, err)
	assert.True(t, isAdmin)
}

func TestSuperAdminFlagCachedAndInvalidated(t *testing.T) {
	fx := newAuthzFixture(t)
	ctx := context.Background()

	admin, err := fx.svc.CreateRole(ctx, SuperAdminRole, "")
	require.NoError(t, err)
	userID := uuid.New()
	_, err = fx.svc.AssignRoles(ctx, userID, []uuid.UUID{admin.ID})
	require.NoError(t, err)

	isAdmin, err := fx.engine.IsSuperAdmin(ctx, userID)
	require.NoError(t, err)
	require.True(t, isAdmin)

	require.NoError(t, fx.svc.RemoveRole(ctx, userID, admin.ID))

	isAdmin, err = fx.engine.IsSuperAdmin(ctx, userID)
	require.NoError(t, err)
	assert.False(t, isAdmin, "revoked super admin loses the bypass immediately")
}

func TestAssignRolesCountsOnlyNew(t *testing.T) {
	fx := newAuthzFixture(t)
	ctx := context.Background()

	a, err := fx.svc.CreateRole(ctx, "editor", "")
	require.NoError(t, err)
	b, err := fx.svc.CreateRole(ctx, "viewer", "")
	require.NoError(t, err)

	userID := uuid.New()
	n, err := fx.svc.AssignRoles(ctx, userID, []uuid.UUID{a.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-assigning an already-held role counts zero.
	n, err = fx.svc.AssignRoles(ctx, userID, []uuid.UUID{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = fx.svc.AssignRoles(ctx, userID, []uuid.UUID{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDeleteRoleInvalidatesHolders(t *testing.T) {
	fx := newAuthzFixture(t)
	ctx := context.Background()
	userID, roleID := fx.seedUserWithPermission(t, "files:read")

	ok, err := fx.engine.HasPermission(ctx, userID, "files:read")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, fx.svc.DeleteRole(ctx, roleID))

	ok, err = fx.engine.HasPermission(ctx, userID, "files:read")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeletePermissionRefusedWhileReferenced(t *testing.T) {
	fx := newAuthzFixture(t)
	ctx := context.Background()
	_, roleID := fx.seedUserWithPermission(t, "held:perm")

	var permID uuid.UUID
	for id, p := range fx.store.perms {
		if p.Name == "held:perm" {
			permID = id
		}
	}

	err := fx.svc.DeletePermission(ctx, permID)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))

	require.NoError(t, fx.svc.DetachPermission(ctx, roleID, permID))
	assert.NoError(t, fx.svc.DeletePermission(ctx, permID))
}

func TestRedisOutageDegradesToDatabase(t *testing.T) {
	fx := newAuthzFixture(t)
	ctx := context.Background()
	userID, _ := fx.seedUserWithPermission(t, "users:read")

	fx.mr.Close()

	ok, err := fx.engine.HasPermission(ctx, userID, "users:read")
	require.NoError(t, err)
	assert.True(t, ok, "checks keep working without the cache")
}

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()

	bus.Publish(PermissionsChanged{UserIDs: []string{"u1"}, Reason: "test"})

	select {
	case ev := <-ch:
		assert.Equal(t, []string{"u1"}, ev.UserIDs)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
