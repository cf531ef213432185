package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/api/middleware"
	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/apps"
	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/authz"
	"github.com/wardenhq/warden/internal/crypto"
	"github.com/wardenhq/warden/internal/llm"
	"github.com/wardenhq/warden/internal/oauth"
	"github.com/wardenhq/warden/internal/quota"
	"github.com/wardenhq/warden/internal/storage"
	"github.com/wardenhq/warden/internal/verify"
)

// ---- fakes --------------------------------------------------------------

type testHasher struct{}

func (testHasher) Hash(p string) (string, error) { return "plain:" + p, nil }
func (testHasher) Compare(hash, p string) error {
	if hash == "plain:"+p {
		return nil
	}
	return auth.ErrPasswordMismatch
}

type fakeUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*storage.User
}

func newFakeUsers() *fakeUsers { return &fakeUsers{users: map[uuid.UUID]*storage.User{}} }

func (f *fakeUsers) Create(_ context.Context, u *storage.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ex := range f.users {
		if u.Email != "" && ex.Email == u.Email {
			return apierr.New(apierr.KindConflictEmail, "email is already registered")
		}
		if u.Phone != "" && ex.Phone == u.Phone {
			return apierr.New(apierr.KindConflictPhone, "phone is already registered")
		}
		if ex.Username == u.Username {
			return apierr.New(apierr.KindConflictUsername, "username is already taken")
		}
	}
	cp := *u
	f.users[u.ID] = &cp
	return nil
}

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*storage.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) lookup(pred func(*storage.User) bool) (*storage.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if pred(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*storage.User, error) {
	return f.lookup(func(u *storage.User) bool { return u.Email == email })
}

func (f *fakeUsers) GetByPhone(_ context.Context, phone string) (*storage.User, error) {
	return f.lookup(func(u *storage.User) bool { return u.Phone == phone })
}

func (f *fakeUsers) GetByIdentifier(_ context.Context, identifier string) (*storage.User, error) {
	return f.lookup(func(u *storage.User) bool {
		return u.Email == identifier || u.Phone == identifier || u.Username == identifier
	})
}

func (f *fakeUsers) RecordFailedLogin(_ context.Context, id uuid.UUID, threshold int, lockFor time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[id]
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= threshold {
		until := time.Now().Add(lockFor)
		u.Status = storage.UserLocked
		u.LockedUntil = &until
	}
	return u.FailedLoginAttempts, nil
}

func (f *fakeUsers) RecordSuccessfulLogin(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[id]
	now := time.Now()
	u.FailedLoginAttempts = 0
	u.Status = storage.UserActive
	u.LockedUntil = nil
	u.LastLoginAt = &now
	return nil
}

func (f *fakeUsers) Activate(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id].Status = storage.UserActive
	return nil
}

func (f *fakeUsers) UpdatePassword(_ context.Context, id uuid.UUID, newHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[id]
	u.PasswordHash = newHash
	u.PasswordChanged = true
	return nil
}

func (f *fakeUsers) SetMFA(_ context.Context, id uuid.UUID, enabled bool, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[id]
	u.MFAEnabled = enabled
	u.MFASecret = secret
	return nil
}

// mutate edits a stored user in place, for test arrangement.
func (f *fakeUsers) mutate(id uuid.UUID, fn func(*storage.User)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.users[id])
}

type fakeTokens struct {
	mu       sync.Mutex
	byHash   map[string]*storage.RefreshToken
	sessions map[string]*storage.SSOSession
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{byHash: map[string]*storage.RefreshToken{}, sessions: map[string]*storage.SSOSession{}}
}

func (f *fakeTokens) CreateRefreshToken(_ context.Context, t *storage.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.byHash[t.TokenHash] = &cp
	return nil
}

func (f *fakeTokens) GetRefreshTokenByHash(_ context.Context, hash string) (*storage.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byHash[hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTokens) RotateRefreshToken(_ context.Context, oldID uuid.UUID, next *storage.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.byHash {
		if t.ID == oldID && !t.Revoked {
			now := time.Now()
			t.Revoked = true
			t.RevokedAt = &now
			cp := *next
			f.byHash[next.TokenHash] = &cp
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeTokens) RevokeRefreshToken(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.byHash {
		if t.ID == id {
			now := time.Now()
			t.Revoked = true
			t.RevokedAt = &now
		}
	}
	return nil
}

func (f *fakeTokens) RevokeAllForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	now := time.Now()
	for _, t := range f.byHash {
		if t.UserID == userID && !t.Revoked {
			t.Revoked = true
			t.RevokedAt = &now
			n++
		}
	}
	for token, s := range f.sessions {
		if s.UserID == userID {
			delete(f.sessions, token)
		}
	}
	return n, nil
}

func (f *fakeTokens) CreateSSOSession(_ context.Context, sess *storage.SSOSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sess
	f.sessions[sess.SessionToken] = &cp
	return nil
}

func (f *fakeTokens) GetSSOSession(_ context.Context, token string) (*storage.SSOSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[token]
	if !ok || time.Now().After(s.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeTokens) TouchSSOSession(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ID == id {
			s.LastActivityAt = time.Now()
		}
	}
	return nil
}

type fakeApps struct {
	mu       sync.Mutex
	apps     map[uuid.UUID]*storage.Application
	bindings map[string]bool // userID|appID
}

func newFakeApps() *fakeApps {
	return &fakeApps{apps: map[uuid.UUID]*storage.Application{}, bindings: map[string]bool{}}
}

func bindKey(userID, appID uuid.UUID) string { return userID.String() + "|" + appID.String() }

func (f *fakeApps) Create(_ context.Context, a *storage.Application) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.apps[a.AppID] = &cp
	return nil
}

func (f *fakeApps) GetByID(_ context.Context, appID uuid.UUID) (*storage.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.apps[appID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeApps) List(_ context.Context) ([]storage.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.Application, 0, len(f.apps))
	for _, a := range f.apps {
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeApps) Update(_ context.Context, appID uuid.UUID, upd storage.AppUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.apps[appID]
	if !ok {
		return storage.ErrNotFound
	}
	if upd.Name != nil {
		a.Name = *upd.Name
	}
	if upd.Status != nil {
		a.Status = *upd.Status
	}
	if upd.RateLimit != nil {
		a.RateLimit = *upd.RateLimit
	}
	if upd.SubscriptionPlanID != nil {
		a.SubscriptionPlanID = upd.SubscriptionPlanID
	}
	if upd.ClearPlan {
		a.SubscriptionPlanID = nil
	}
	if upd.EnabledLoginMethods != nil {
		a.EnabledLoginMethods = upd.EnabledLoginMethods
	}
	if upd.GrantedScopes != nil {
		a.GrantedScopes = upd.GrantedScopes
	}
	if upd.OAuthCredentials != nil {
		a.OAuthCredentials = upd.OAuthCredentials
	}
	return nil
}

func (f *fakeApps) UpdateSecretHash(_ context.Context, appID uuid.UUID, newHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.apps[appID]
	if !ok {
		return storage.ErrNotFound
	}
	a.AppSecretHash = newHash
	return nil
}

func (f *fakeApps) Delete(_ context.Context, appID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.apps, appID)
	return nil
}

func (f *fakeApps) SetOrganizations(_ context.Context, _ uuid.UUID, _ []uuid.UUID) error {
	return nil
}

func (f *fakeApps) ListOrganizations(_ context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeApps) BindUser(_ context.Context, userID, appID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings[bindKey(userID, appID)] = true
	return nil
}

func (f *fakeApps) IsUserBound(_ context.Context, userID, appID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bindings[bindKey(userID, appID)], nil
}

type fakeRBAC struct {
	mu        sync.Mutex
	roles     map[uuid.UUID]*storage.Role
	perms     map[uuid.UUID]*storage.Permission
	rolePerms map[uuid.UUID]map[uuid.UUID]bool
	userRoles map[uuid.UUID]map[uuid.UUID]bool
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
	cp := *r
	f.roles[r.ID] = &cp
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
	out := make([]storage.Role, 0, len(f.roles))
	for _, r := range f.roles {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeRBAC) DeleteRole(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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
	out := make([]storage.Permission, 0, len(f.perms))
	for _, p := range f.perms {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeRBAC) DeletePermission(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ps := range f.rolePerms {
		if ps[id] {
			return nil, apierr.Validation("permission is referenced by one or more roles")
		}
	}
	delete(f.perms, id)
	return nil, nil
}

func (f *fakeRBAC) AttachPermissions(_ context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rolePerms[roleID] == nil {
		f.rolePerms[roleID] = map[uuid.UUID]bool{}
	}
	for _, id := range permissionIDs {
		f.rolePerms[roleID][id] = true
	}
	return f.roleHolders(roleID), nil
}

func (f *fakeRBAC) DetachPermission(_ context.Context, roleID, permissionID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rolePerms[roleID], permissionID)
	return f.roleHolders(roleID), nil
}

func (f *fakeRBAC) roleHolders(roleID uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for userID, rs := range f.userRoles {
		if rs[roleID] {
			out = append(out, userID)
		}
	}
	return out
}

func (f *fakeRBAC) AssignRoles(_ context.Context, userID uuid.UUID, roleIDs []uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.userRoles[userID] == nil {
		f.userRoles[userID] = map[uuid.UUID]bool{}
	}
	n := 0
	for _, id := range roleIDs {
		if _, ok := f.roles[id]; !ok {
			return 0, storage.ErrNotFound
		}
		if !f.userRoles[userID][id] {
			f.userRoles[userID][id] = true
			n++
		}
	}
	return n, nil
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
	for id := range f.userRoles[userID] {
		if r, ok := f.roles[id]; ok {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeRBAC) ListEffectivePermissions(_ context.Context, userID uuid.UUID) ([]storage.Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	var out []storage.Permission
	for roleID := range f.userRoles[userID] {
		for permID := range f.rolePerms[roleID] {
			if !seen[permID] {
				seen[permID] = true
				if p, ok := f.perms[permID]; ok {
					out = append(out, *p)
				}
			}
		}
	}
	return out, nil
}

func (f *fakeRBAC) UserHasRole(_ context.Context, userID uuid.UUID, roleName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for roleID := range f.userRoles[userID] {
		if r, ok := f.roles[roleID]; ok && r.Name == roleName {
			return true, nil
		}
	}
	return false, nil
}

type fakeCounters struct {
	mu        sync.Mutex
	counters  map[uuid.UUID]*storage.QuotaCounter
	snapshots []storage.QuotaSnapshot
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{counters: map[uuid.UUID]*storage.QuotaCounter{}}
}

func (f *fakeCounters) Get(_ context.Context, appID uuid.UUID) (*storage.QuotaCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[appID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCounters) CreateIfAbsent(_ context.Context, appID uuid.UUID, cycleStart, cycleEnd time.Time) (*storage.QuotaCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.counters[appID]; ok {
		cp := *c
		return &cp, nil
	}
	c := &storage.QuotaCounter{AppID: appID, CycleStart: cycleStart, CycleEnd: cycleEnd}
	f.counters[appID] = c
	cp := *c
	return &cp, nil
}

func (f *fakeCounters) ReserveRequests(_ context.Context, appID uuid.UUID, n, limit int64) (*storage.QuotaCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[appID]
	if !ok {
		return nil, storage.ErrQuotaExceeded
	}
	if limit != quota.Unlimited && c.RequestUsed+n > limit {
		return nil, storage.ErrQuotaExceeded
	}
	c.RequestUsed += n
	cp := *c
	return &cp, nil
}

func (f *fakeCounters) ReserveTokens(_ context.Context, appID uuid.UUID, n, limit int64) (*storage.QuotaCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[appID]
	if !ok {
		return nil, storage.ErrQuotaExceeded
	}
	if limit != quota.Unlimited && c.TokenUsed+n > limit {
		return nil, storage.ErrQuotaExceeded
	}
	c.TokenUsed += n
	cp := *c
	return &cp, nil
}

func (f *fakeCounters) AdjustTokens(_ context.Context, appID uuid.UUID, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.counters[appID]; ok {
		c.TokenUsed += delta
		if c.TokenUsed < 0 {
			c.TokenUsed = 0
		}
	}
	return nil
}

func (f *fakeCounters) ReleaseRequests(_ context.Context, appID uuid.UUID, n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.counters[appID]; ok {
		c.RequestUsed -= n
		if c.RequestUsed < 0 {
			c.RequestUsed = 0
		}
	}
	return nil
}

func (f *fakeCounters) Rollover(_ context.Context, appID uuid.UUID, reset storage.ResetType, requestLimit, tokenLimit int64, period time.Duration) (*storage.QuotaCounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[appID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	now := time.Now()
	if reset == storage.ResetAuto && now.Before(c.CycleEnd) {
		cp := *c
		return &cp, nil
	}
	f.snapshots = append(f.snapshots, storage.QuotaSnapshot{
		ID:           uuid.New(),
		AppID:        appID,
		CycleStart:   c.CycleStart,
		CycleEnd:     c.CycleEnd,
		RequestLimit: requestLimit,
		RequestUsed:  c.RequestUsed,
		TokenLimit:   tokenLimit,
		TokenUsed:    c.TokenUsed,
		ResetType:    reset,
		CreatedAt:    now,
	})
	start := c.CycleEnd
	if reset == storage.ResetManual {
		start = now
	}
	c.CycleStart = start
	c.CycleEnd = start.Add(period)
	c.RequestUsed = 0
	c.TokenUsed = 0
	cp := *c
	return &cp, nil
}

func (f *fakeCounters) SetOverrides(_ context.Context, appID uuid.UUID, requestLimit, tokenLimit *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[appID]
	if !ok {
		return storage.ErrNotFound
	}
	c.OverrideRequestLimit = requestLimit
	c.OverrideTokenLimit = tokenLimit
	return nil
}

func (f *fakeCounters) ListSnapshots(_ context.Context, appID uuid.UUID, limit int) ([]storage.QuotaSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.QuotaSnapshot
	for i := len(f.snapshots) - 1; i >= 0 && len(out) < limit; i-- {
		if f.snapshots[i].AppID == appID {
			out = append(out, f.snapshots[i])
		}
	}
	return out, nil
}

type fakePlans struct {
	mu    sync.Mutex
	plans map[uuid.UUID]*storage.SubscriptionPlan
}

func newFakePlans() *fakePlans { return &fakePlans{plans: map[uuid.UUID]*storage.SubscriptionPlan{}} }

func (f *fakePlans) GetByID(_ context.Context, id uuid.UUID) (*storage.SubscriptionPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePlans) Create(_ context.Context, p *storage.SubscriptionPlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.plans[p.ID] = &cp
	return nil
}

func (f *fakePlans) List(_ context.Context) ([]storage.SubscriptionPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.SubscriptionPlan, 0, len(f.plans))
	for _, p := range f.plans {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakePlans) Update(_ context.Context, id uuid.UUID, upd storage.PlanUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	if !ok {
		return storage.ErrNotFound
	}
	if upd.Name != nil {
		p.Name = *upd.Name
	}
	if upd.RequestQuota != nil {
		p.RequestQuota = *upd.RequestQuota
	}
	if upd.TokenQuota != nil {
		p.TokenQuota = *upd.TokenQuota
	}
	if upd.IsActive != nil {
		p.IsActive = *upd.IsActive
	}
	return nil
}

type fakeRecovery struct {
	mu     sync.Mutex
	tokens map[string]*storage.RecoveryToken
}

func newFakeRecovery() *fakeRecovery { return &fakeRecovery{tokens: map[string]*storage.RecoveryToken{}} }

func (f *fakeRecovery) Create(_ context.Context, t *storage.RecoveryToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.tokens[t.TokenHash] = &cp
	return nil
}

func (f *fakeRecovery) Consume(_ context.Context, tokenHash string, typ storage.RecoveryTokenType) (*storage.RecoveryToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[tokenHash]
	if !ok || t.Type != typ || time.Now().After(t.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	delete(f.tokens, tokenHash)
	cp := *t
	return &cp, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) Enqueue(_ context.Context, kind, recipient, template string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, kind+":"+template+":"+recipient)
	return nil
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, storage.AuditEntry) {}

type fakeOrgs struct {
	mu   sync.Mutex
	orgs map[uuid.UUID]*storage.Organization
}

func newFakeOrgs() *fakeOrgs { return &fakeOrgs{orgs: map[uuid.UUID]*storage.Organization{}} }

func (f *fakeOrgs) Create(_ context.Context, name string, parentID *uuid.UUID) (*storage.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	org := &storage.Organization{ID: uuid.New(), ParentID: parentID, Name: name, Path: "/" + name}
	if parentID != nil {
		parent, ok := f.orgs[*parentID]
		if !ok {
			return nil, storage.ErrNotFound
		}
		org.Path = parent.Path + "/" + name
		org.Level = parent.Level + 1
	}
	f.orgs[org.ID] = org
	cp := *org
	return &cp, nil
}

func (f *fakeOrgs) List(_ context.Context) ([]storage.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.Organization, 0, len(f.orgs))
	for _, o := range f.orgs {
		out = append(out, *o)
	}
	return out, nil
}

func (f *fakeOrgs) AddUser(_ context.Context, _, _ uuid.UUID) error { return nil }

// ---- fixture ------------------------------------------------------------

type fixture struct {
	t        *testing.T
	router   http.Handler
	users    *fakeUsers
	apps     *fakeApps
	appSvc   *apps.Service
	rbac     *fakeRBAC
	counters *fakeCounters
	plans    *fakePlans
	verify   *verify.Store
	provider *auth.JWTProvider
	mr       *miniredis.Miniredis
}

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	provider, err := auth.NewJWTProvider(auth.JWTOptions{PrivateKeyPEM: testKeyPEM(t)})
	require.NoError(t, err)

	users := newFakeUsers()
	tokens := newFakeTokens()
	appStore := newFakeApps()
	rbac := newFakeRBAC()
	counters := newFakeCounters()
	plans := newFakePlans()
	notifier := &fakeNotifier{}

	verifyStore := verify.NewStore(rdb, notifier, logger)
	verifyStore.DebugEcho = true

	tokenSvc := auth.NewTokenService(provider, tokens, 15*time.Minute, 7*24*time.Hour, 24*time.Hour)
	authSvc := auth.NewService(auth.Config{}, users, appStore, tokenSvc, testHasher{},
		verifyStore, newFakeRecovery(), notifier, nopAudit{}, auth.NewMFAService("warden-test"))

	engine := authz.NewEngine(rbac, rdb, logger)
	authzSvc := authz.NewService(rbac, engine, authz.NewBus(), logger)

	accounter := quota.NewAccounter(counters, plans, logger)

	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	box, err := crypto.NewSecretBox(key)
	require.NoError(t, err)
	appSvc := apps.NewService(appStore, box, logger)

	router := NewRouter(Deps{
		Logger:        logger,
		Auth:          authSvc,
		Tokens:        tokenSvc,
		TokenProvider: provider,
		Apps:          appSvc,
		Engine:        engine,
		Authz:         authzSvc,
		Accounter:     accounter,
		Verify:        verifyStore,
		OAuth:         oauth.NewRegistry(oauth.NewGoogle(), oauth.NewWeChat()),
		LLM:           llm.NewForwarder("http://127.0.0.1:1", time.Second, accounter, logger),
		Users:         users,
		Bindings:      appStore,
		Plans:         plans,
		Orgs:          newFakeOrgs(),
		RateLimiter:   middleware.NewRateLimiter(rdb, 60, logger),
		IPLimiter:     middleware.NewIPLimiter(1000, 1000),
		HealthChecks: map[string]HealthCheck{
			"cache": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	})

	return &fixture{
		t:        t,
		router:   router,
		users:    users,
		apps:     appStore,
		appSvc:   appSvc,
		rbac:     rbac,
		counters: counters,
		plans:    plans,
		verify:   verifyStore,
		provider: provider,
		mr:       mr,
	}
}

// newApp registers an application with the given methods, scopes and
// optional plan, returning the app and its plaintext secret.
func (f *fixture) newApp(methods, scopes []string, planID *uuid.UUID) (*storage.Application, string) {
	f.t.Helper()
	created, err := f.appSvc.Create(context.Background(), apps.CreateInput{
		Name:                "app-" + uuid.NewString()[:8],
		EnabledLoginMethods: methods,
		GrantedScopes:       scopes,
		SubscriptionPlanID:  planID,
	})
	require.NoError(f.t, err)
	return created.App, created.AppSecret
}

func (f *fixture) newPlan(requestQuota, tokenQuota int64) uuid.UUID {
	f.t.Helper()
	plan := &storage.SubscriptionPlan{
		ID:              uuid.New(),
		Name:            "plan-" + uuid.NewString()[:8],
		RequestQuota:    requestQuota,
		TokenQuota:      tokenQuota,
		QuotaPeriodDays: 30,
		IsActive:        true,
	}
	require.NoError(f.t, f.plans.Create(context.Background(), plan))
	return plan.ID
}

// newSuperAdmin seeds a super_admin user and mints an access token.
func (f *fixture) newSuperAdmin(appID uuid.UUID) (uuid.UUID, string) {
	f.t.Helper()
	adminID := uuid.New()
	require.NoError(f.t, f.users.Create(context.Background(), &storage.User{
		ID:           adminID,
		Username:     "admin-" + uuid.NewString()[:8],
		Email:        adminID.String() + "@warden.local",
		PasswordHash: "plain:123456a",
		Status:       storage.UserActive,
	}))

	role := &storage.Role{ID: uuid.New(), Name: authz.SuperAdminRole, IsSystemRole: true}
	require.NoError(f.t, f.rbac.CreateRole(context.Background(), role))
	_, err := f.rbac.AssignRoles(context.Background(), adminID, []uuid.UUID{role.ID})
	require.NoError(f.t, err)

	token, err := f.provider.GenerateAccessToken(adminID, appID)
	require.NoError(f.t, err)
	return adminID, token
}

func (f *fixture) do(method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func appHeaders(app *storage.Application, secret string) map[string]string {
	return map[string]string{"X-App-Id": app.AppID.String(), "X-App-Secret": secret}
}

func bearerHeaders(app *storage.Application, token string) map[string]string {
	return map[string]string{"X-App-Id": app.AppID.String(), "Authorization": "Bearer " + token}
}

const gw = "/api/v1/gateway"

// ---- scenarios ----------------------------------------------------------

func TestEmailRegisterLoginRefresh(t *testing.T) {
	f := newFixture(t)
	planID := f.newPlan(100, quota.Unlimited)
	app, secret := f.newApp(
		[]string{"password", "email_code"},
		[]string{"auth:register", "auth:login"},
		&planID,
	)
	hdrs := appHeaders(app, secret)

	// Send the code; debug mode echoes it.
	rec := f.do(http.MethodPost, gw+"/auth/send-email-code", hdrs, map[string]any{"email": "alice@x.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	code, _ := decode(t, rec)["code"].(string)
	require.NotEmpty(t, code)

	rec = f.do(http.MethodPost, gw+"/auth/register/email", hdrs, map[string]any{
		"email": "alice@x.com", "username": "alice", "password": "Passw0rd1", "verification_code": code,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotEmpty(t, decode(t, rec)["user_id"])

	rec = f.do(http.MethodPost, gw+"/auth/login", hdrs, map[string]any{
		"identifier": "alice@x.com", "password": "Passw0rd1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	login := decode(t, rec)
	at, _ := login["access_token"].(string)
	rt, _ := login["refresh_token"].(string)
	require.NotEmpty(t, at)
	require.NotEmpty(t, rt)
	assert.NotEmpty(t, login["sso_session_token"])
	assert.NotEmpty(t, login["request_id"])

	rec = f.do(http.MethodPost, gw+"/auth/refresh", hdrs, map[string]any{"refresh_token": rt})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rotated := decode(t, rec)
	assert.NotEqual(t, at, rotated["access_token"])
	assert.NotEqual(t, rt, rotated["refresh_token"])

	// Replaying the consumed refresh token must fail.
	rec = f.do(http.MethodPost, gw+"/auth/refresh", hdrs, map[string]any{"refresh_token": rt})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", decode(t, rec)["error_code"])
}

func TestLockoutAndRecovery(t *testing.T) {
	f := newFixture(t)
	planID := f.newPlan(1000, quota.Unlimited)
	app, secret := f.newApp([]string{"password"}, []string{"auth:login"}, &planID)
	hdrs := appHeaders(app, secret)

	userID := uuid.New()
	require.NoError(t, f.users.Create(context.Background(), &storage.User{
		ID: userID, Username: "bob", Email: "bob@x.com",
		PasswordHash: "plain:Rightpw1", Status: storage.UserActive, PasswordChanged: true,
	}))

	login := func(password string) *httptest.ResponseRecorder {
		return f.do(http.MethodPost, gw+"/auth/login", hdrs, map[string]any{
			"identifier": "bob@x.com", "password": password,
		})
	}

	for i := 0; i < 5; i++ {
		rec := login("wrongpw")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid_credentials", decode(t, rec)["error_code"])
	}

	// Correct password inside the lockout window still fails.
	rec := login("Rightpw1")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "account_locked", decode(t, rec)["error_code"])

	// Window elapses: the correct password unlocks and resets the counter.
	f.users.mutate(userID, func(u *storage.User) {
		past := time.Now().Add(-time.Minute)
		u.LockedUntil = &past
	})
	rec = login("Rightpw1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	fresh, err := f.users.GetByID(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.FailedLoginAttempts)
	assert.Equal(t, storage.UserActive, fresh.Status)
}

func TestScopeDenial(t *testing.T) {
	f := newFixture(t)
	planID := f.newPlan(1000, quota.Unlimited)
	// No role:write in the granted scopes.
	app, secret := f.newApp(
		[]string{"password", "email_code"},
		[]string{"auth:register", "auth:login"},
		&planID,
	)
	userID, token := f.registerAndLogin(app, secret, "carol@x.com")

	rec := f.do(http.MethodPost, gw+"/users/"+userID.String()+"/roles",
		bearerHeaders(app, token), map[string]any{"role_ids": []string{uuid.NewString()}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "insufficient_scope", decode(t, rec)["error_code"])
}

func TestQuotaExhaustionAndManualReset(t *testing.T) {
	f := newFixture(t)
	planID := f.newPlan(3, quota.Unlimited)
	app, secret := f.newApp([]string{"password"}, []string{"auth:login"}, &planID)
	hdrs := appHeaders(app, secret)

	// Logout with an unknown token is a cheap, side-effect-free gateway
	// call that still passes through the quota reserve step.
	call := func() *httptest.ResponseRecorder {
		return f.do(http.MethodPost, gw+"/auth/logout", hdrs, map[string]any{"refresh_token": "nope"})
	}

	for i, want := range []string{"2", "1", "0"} {
		rec := call()
		require.Equal(t, http.StatusOK, rec.Code, "call %d: %s", i, rec.Body.String())
		assert.Equal(t, want, rec.Header().Get("X-Quota-Request-Remaining"))
	}

	rec := call()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "request_quota_exceeded", decode(t, rec)["error_code"])

	counter, err := f.counters.Get(context.Background(), app.AppID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counter.RequestUsed, "failed reserve must not consume")

	// Manual reset through the admin surface.
	_, adminToken := f.newSuperAdmin(app.AppID)
	rec = f.do(http.MethodPost, "/api/v1/admin/quota/"+app.AppID.String()+"/reset",
		map[string]string{"Authorization": "Bearer " + adminToken}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, f.counters.snapshots, 1)
	snap := f.counters.snapshots[0]
	assert.Equal(t, storage.ResetManual, snap.ResetType)
	assert.Equal(t, int64(3), snap.RequestUsed)

	counter, err = f.counters.Get(context.Background(), app.AppID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counter.RequestUsed)
}

func TestCrossAppTokenRejected(t *testing.T) {
	f := newFixture(t)
	planID := f.newPlan(1000, quota.Unlimited)
	scopes := []string{"auth:register", "auth:login", "role:read"}
	methods := []string{"password", "email_code"}
	appA, secretA := f.newApp(methods, scopes, &planID)
	appB, _ := f.newApp(methods, scopes, &planID)

	userID, tokenA := f.registerAndLogin(appA, secretA, "carl@x.com")

	// Token minted under A presented with X-App-Id B.
	rec := f.do(http.MethodGet, gw+"/users/"+userID.String()+"/roles",
		bearerHeaders(appB, tokenA), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", decode(t, rec)["error_code"])

	// Same token under A works.
	rec = f.do(http.MethodGet, gw+"/users/"+userID.String()+"/roles",
		bearerHeaders(appA, tokenA), nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSuperAdminPermissionBypass(t *testing.T) {
	f := newFixture(t)
	planID := f.newPlan(1000, quota.Unlimited)
	app, _ := f.newApp([]string{"password"}, []string{"auth:login", "permission:read"}, &planID)

	adminID, adminToken := f.newSuperAdmin(app.AppID)

	// zoo:feed is attached to no role; the super admin holds it anyway.
	rec := f.do(http.MethodPost, gw+"/users/"+adminID.String()+"/permissions/check",
		bearerHeaders(app, adminToken), map[string]any{"permission": "zoo:feed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["has_permission"])
}

func TestUserBindingEnforced(t *testing.T) {
	f := newFixture(t)
	planID := f.newPlan(1000, quota.Unlimited)
	scopes := []string{"auth:register", "auth:login", "user:read"}
	app, secret := f.newApp([]string{"password", "email_code"}, scopes, &planID)

	userID, _ := f.registerAndLogin(app, secret, "dora@x.com")

	// A token forged for an unbound user fails the binding check.
	stranger := uuid.New()
	require.NoError(t, f.users.Create(context.Background(), &storage.User{
		ID: stranger, Username: "stranger", Email: "s@x.com",
		PasswordHash: "plain:Aa123456", Status: storage.UserActive,
	}))
	strangerToken, err := f.provider.GenerateAccessToken(stranger, app.AppID)
	require.NoError(t, err)

	rec := f.do(http.MethodGet, gw+"/users/"+userID.String(), bearerHeaders(app, strangerToken), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "user_not_bound", decode(t, rec)["error_code"])
}

func TestIdempotentRoleAssignment(t *testing.T) {
	f := newFixture(t)
	planID := f.newPlan(1000, quota.Unlimited)
	scopes := []string{"auth:register", "auth:login", "role:write"}
	app, secret := f.newApp([]string{"password", "email_code"}, scopes, &planID)

	userID, token := f.registerAndLogin(app, secret, "erin@x.com")

	role := &storage.Role{ID: uuid.New(), Name: "editor"}
	require.NoError(t, f.rbac.CreateRole(context.Background(), role))

	assign := func() *httptest.ResponseRecorder {
		return f.do(http.MethodPost, gw+"/users/"+userID.String()+"/roles",
			bearerHeaders(app, token), map[string]any{"role_ids": []string{role.ID.String()}})
	}

	rec := assign()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decode(t, rec)["assigned_count"])

	rec = assign()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["assigned_count"])
}

func TestLoginMethodGate(t *testing.T) {
	f := newFixture(t)
	planID := f.newPlan(1000, quota.Unlimited)
	// Password logins only: the email-code flow is disabled.
	app, secret := f.newApp([]string{"password"}, []string{"auth:login"}, &planID)

	rec := f.do(http.MethodPost, gw+"/auth/login/email-code", appHeaders(app, secret),
		map[string]any{"email": "x@x.com", "code": "123456"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "login_method_disabled", decode(t, rec)["error_code"])
}

func TestQuotaUsageEndpoint(t *testing.T) {
	f := newFixture(t)
	planID := f.newPlan(100, 5000)
	scopes := []string{"auth:register", "auth:login"}
	app, secret := f.newApp([]string{"password", "email_code"}, scopes, &planID)

	_, token := f.registerAndLogin(app, secret, "fay@x.com")

	rec := f.do(http.MethodGet, "/api/v1/quota/usage", bearerHeaders(app, token), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, float64(100), body["request_quota_limit"])
	assert.Equal(t, float64(5000), body["token_quota_limit"])
	assert.NotEmpty(t, body["billing_cycle_end"])
}

func TestAuxiliaryEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])

	rec = f.do(http.MethodGet, "/info", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "v1")

	rec = f.do(http.MethodGet, "/.well-known/jwks.json", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "RS256")
}

func TestRateLimitHeadersAndRejection(t *testing.T) {
	f := newFixture(t)
	planID := f.newPlan(1000, quota.Unlimited)
	app, secret := f.newApp([]string{"password"}, []string{"auth:login"}, &planID)
	require.NoError(t, f.apps.Update(context.Background(), app.AppID, storage.AppUpdate{RateLimit: intPtr(2)}))
	app.RateLimit = 2
	hdrs := appHeaders(app, secret)

	call := func() *httptest.ResponseRecorder {
		return f.do(http.MethodPost, gw+"/auth/logout", hdrs, map[string]any{"refresh_token": "x"})
	}

	rec := call()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	rec = call()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = call()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limit_exceeded", decode(t, rec)["error_code"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestAdminSurfaceRequiresSuperAdmin(t *testing.T) {
	f := newFixture(t)
	planID := f.newPlan(1000, quota.Unlimited)
	scopes := []string{"auth:register", "auth:login"}
	app, secret := f.newApp([]string{"password", "email_code"}, scopes, &planID)

	_, token := f.registerAndLogin(app, secret, "gil@x.com")

	rec := f.do(http.MethodGet, "/api/v1/admin/apps",
		map[string]string{"Authorization": "Bearer " + token}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "insufficient_scope", decode(t, rec)["error_code"])
}

func TestAdminCreatesAppAndUser(t *testing.T) {
	f := newFixture(t)
	_, adminToken := f.newSuperAdmin(uuid.New())
	hdrs := map[string]string{"Authorization": "Bearer " + adminToken}

	rec := f.do(http.MethodPost, "/api/v1/admin/apps", hdrs, map[string]any{
		"name":                  "acme",
		"enabled_login_methods": []string{"password"},
		"granted_scopes":        []string{"auth:login"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.NotEmpty(t, body["app_secret"], "secret is shown exactly once")
	assert.NotEmpty(t, body["webhook_secret"])

	rec = f.do(http.MethodPost, "/api/v1/admin/users", hdrs, map[string]any{
		"username": "helpdesk", "email": "helpdesk@x.com", "password": "Chosen1pw",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	user := decode(t, rec)["user"].(map[string]any)
	assert.Equal(t, true, user["requires_password_change"], "operator-chosen password forces a change")
}

// registerAndLogin provisions a user through the gateway and returns its
// id and access token.
func (f *fixture) registerAndLogin(app *storage.Application, secret, email string) (uuid.UUID, string) {
	f.t.Helper()
	hdrs := appHeaders(app, secret)

	rec := f.do(http.MethodPost, gw+"/auth/send-email-code", hdrs, map[string]any{"email": email})
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
	code, _ := decode(f.t, rec)["code"].(string)

	rec = f.do(http.MethodPost, gw+"/auth/register/email", hdrs, map[string]any{
		"email": email, "password": "Passw0rd1", "verification_code": code,
	})
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
	userID, err := uuid.Parse(decode(f.t, rec)["user_id"].(string))
	require.NoError(f.t, err)

	rec = f.do(http.MethodPost, gw+"/auth/login", hdrs, map[string]any{
		"identifier": email, "password": "Passw0rd1",
	})
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
	token, _ := decode(f.t, rec)["access_token"].(string)
	require.NotEmpty(f.t, token)
	return userID, token
}

func intPtr(v int) *int { return &v }
