package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/storage"
)

// UserStore is the identity persistence contract. *storage.UserStore
// satisfies it.
type UserStore interface {
	Create(ctx context.Context, u *storage.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*storage.User, error)
	GetByEmail(ctx context.Context, email string) (*storage.User, error)
	GetByPhone(ctx context.Context, phone string) (*storage.User, error)
	GetByIdentifier(ctx context.Context, identifier string) (*storage.User, error)
	RecordFailedLogin(ctx context.Context, id uuid.UUID, threshold int, lockFor time.Duration) (int, error)
	RecordSuccessfulLogin(ctx context.Context, id uuid.UUID) error
	Activate(ctx context.Context, id uuid.UUID) error
	UpdatePassword(ctx context.Context, id uuid.UUID, newHash string) error
	SetMFA(ctx context.Context, id uuid.UUID, enabled bool, secret string) error
}

// AppBinder records user↔application bindings. *storage.AppStore
// satisfies it.
type AppBinder interface {
	BindUser(ctx context.Context, userID, appID uuid.UUID) error
}

// CodeVerifier consumes verification codes. *verify.Store satisfies it.
type CodeVerifier interface {
	VerifyAndConsume(ctx context.Context, targetType, target, code string) error
}

// RecoveryStore persists single-use recovery tokens.
type RecoveryStore interface {
	Create(ctx context.Context, t *storage.RecoveryToken) error
	Consume(ctx context.Context, tokenHash string, typ storage.RecoveryTokenType) (*storage.RecoveryToken, error)
}

// Notifier hands messages to the notification queue.
type Notifier interface {
	Enqueue(ctx context.Context, kind, recipient, template string, vars map[string]string) error
}

// AuditSink receives audit entries; writes are async and best-effort.
type AuditSink interface {
	Record(ctx context.Context, e storage.AuditEntry)
}

// Config carries the identity state machine tunables.
type Config struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	ResetTokenTTL    time.Duration
	VerifyTokenTTL   time.Duration
}

// Service implements the identity state machine and every login flow.
type Service struct {
	cfg      Config
	users    UserStore
	apps     AppBinder
	tokens   *TokenService
	hasher   PasswordHasher
	codes    CodeVerifier
	recovery RecoveryStore
	notify   Notifier
	audit    AuditSink
	mfa      *MFAService
	now      func() time.Time
}

func NewService(cfg Config, users UserStore, apps AppBinder, tokens *TokenService,
	hasher PasswordHasher, codes CodeVerifier, recovery RecoveryStore,
	notify Notifier, audit AuditSink, mfa *MFAService) *Service {
	if cfg.LockoutThreshold == 0 {
		cfg.LockoutThreshold = 5
	}
	if cfg.LockoutDuration == 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	if cfg.ResetTokenTTL == 0 {
		cfg.ResetTokenTTL = 30 * time.Minute
	}
	if cfg.VerifyTokenTTL == 0 {
		cfg.VerifyTokenTTL = 24 * time.Hour
	}
	return &Service{
		cfg:      cfg,
		users:    users,
		apps:     apps,
		tokens:   tokens,
		hasher:   hasher,
		codes:    codes,
		recovery: recovery,
		notify:   notify,
		audit:    audit,
		mfa:      mfa,
		now:      time.Now,
	}
}

// LoginResult is the outcome of a successful (or MFA-pending) login.
type LoginResult struct {
	Pair                   *TokenPair
	User                   *storage.User
	RequiresPasswordChange bool
	RequiresMFA            bool
	PreAuthToken           string
}

// RequestMeta carries caller context for audit entries.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Login authenticates identifier+password for the calling application.
//
// Lockout rules: the failure counter increments only on a wrong
// password; a correct password inside the lockout window still fails
// with account_locked; once the window has passed, a correct password
// unlocks and resets the counter.
func (s *Service) Login(ctx context.Context, appID uuid.UUID, identifier, password string, meta RequestMeta) (*LoginResult, error) {
	user, err := s.users.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.auditAuth(ctx, nil, "auth.login.failed", meta, map[string]any{"reason": "user_not_found"})
			return nil, apierr.UserNotFoundLogin()
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	// 1. Lockout window check.
	if user.Status == storage.UserLocked {
		if user.LockedUntil != nil && s.now().Before(*user.LockedUntil) {
			s.auditAuth(ctx, &user.ID, "auth.login.failed", meta, map[string]any{"reason": "account_locked"})
			return nil, apierr.AccountLocked()
		}
		// Window passed: fall through, a correct password unlocks below.
	}

	// 2. Password check. A wrong password is the only event that
	// advances the failure counter.
	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		if !errors.Is(err, ErrPasswordMismatch) {
			return nil, fmt.Errorf("compare password: %w", err)
		}
		attempts, ferr := s.users.RecordFailedLogin(ctx, user.ID, s.cfg.LockoutThreshold, s.cfg.LockoutDuration)
		if ferr != nil {
			return nil, fmt.Errorf("record failed login: %w", ferr)
		}
		s.auditAuth(ctx, &user.ID, "auth.login.failed", meta, map[string]any{
			"reason":   "invalid_password",
			"attempts": attempts,
		})
		return nil, apierr.InvalidCredentials("invalid credentials")
	}

	// 3. Lifecycle gate.
	if user.Status == storage.UserPendingVerification {
		return nil, apierr.AccountNotActive()
	}

	// 4. MFA challenge.
	if user.MFAEnabled {
		preAuth, err := s.tokens.provider.GeneratePreAuthToken(user.ID, appID)
		if err != nil {
			return nil, fmt.Errorf("generate pre-auth token: %w", err)
		}
		return &LoginResult{User: user, RequiresMFA: true, PreAuthToken: preAuth}, nil
	}

	return s.completeLogin(ctx, user, appID, "password", meta)
}

// LoginWithEmailCode authenticates via a one-time email code. Requires
// an active account.
func (s *Service) LoginWithEmailCode(ctx context.Context, appID uuid.UUID, email, code string, meta RequestMeta) (*LoginResult, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.UserNotFoundLogin()
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return s.loginWithCode(ctx, user, appID, "email", email, code, meta)
}

// LoginWithPhoneCode authenticates via a one-time SMS code.
func (s *Service) LoginWithPhoneCode(ctx context.Context, appID uuid.UUID, phone, code string, meta RequestMeta) (*LoginResult, error) {
	user, err := s.users.GetByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.UserNotFoundLogin()
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return s.loginWithCode(ctx, user, appID, "sms", phone, code, meta)
}

func (s *Service) loginWithCode(ctx context.Context, user *storage.User, appID uuid.UUID, targetType, target, code string, meta RequestMeta) (*LoginResult, error) {
	if user.Status != storage.UserActive {
		if user.Status == storage.UserLocked && user.LockedUntil != nil && s.now().Before(*user.LockedUntil) {
			return nil, apierr.AccountLocked()
		}
		if user.Status == storage.UserPendingVerification {
			return nil, apierr.AccountNotActive()
		}
	}

	if err := s.codes.VerifyAndConsume(ctx, targetType, target, code); err != nil {
		s.auditAuth(ctx, &user.ID, "auth.login.failed", meta, map[string]any{"reason": "invalid_code"})
		return nil, apierr.CodeInvalidLogin()
	}

	return s.completeLogin(ctx, user, appID, targetType+"_code", meta)
}

// LoginWithSSO exchanges a live SSO session for tokens bound to the
// calling application, auto-binding the user to it (cross-app login).
// The presented session continues; no new session is created.
func (s *Service) LoginWithSSO(ctx context.Context, appID uuid.UUID, sessionToken string, meta RequestMeta) (*LoginResult, error) {
	userID, err := s.tokens.ValidateSSOSession(ctx, sessionToken)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user.Status != storage.UserActive {
		return nil, apierr.AccountNotActive()
	}

	if err := s.apps.BindUser(ctx, user.ID, appID); err != nil {
		return nil, fmt.Errorf("bind user: %w", err)
	}

	access, err := s.tokens.provider.GenerateAccessToken(user.ID, appID)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}
	refresh, err := s.tokens.createRefreshToken(ctx, user.ID, appID, nil)
	if err != nil {
		return nil, err
	}

	s.auditAuth(ctx, &user.ID, "auth.login.success", meta, map[string]any{"method": "sso"})

	return &LoginResult{
		Pair: &TokenPair{
			AccessToken:     access,
			RefreshToken:    refresh,
			SSOSessionToken: sessionToken,
			ExpiresIn:       int64(s.tokens.accessTTL.Seconds()),
		},
		User:                   user,
		RequiresPasswordChange: !user.PasswordChanged,
	}, nil
}

// completeLogin resets the failure state and issues the token triple.
func (s *Service) completeLogin(ctx context.Context, user *storage.User, appID uuid.UUID, method string, meta RequestMeta) (*LoginResult, error) {
	if err := s.users.RecordSuccessfulLogin(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}

	pair, err := s.tokens.IssuePair(ctx, user.ID, appID)
	if err != nil {
		return nil, err
	}

	s.auditAuth(ctx, &user.ID, "auth.login.success", meta, map[string]any{"method": method})

	return &LoginResult{
		Pair:                   pair,
		User:                   user,
		RequiresPasswordChange: !user.PasswordChanged,
	}, nil
}

// ChangePassword verifies the old password, applies the strength policy,
// replaces the hash, and revokes every refresh token and SSO session so
// the user re-authenticates everywhere.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, oldPassword, newPassword string, meta RequestMeta) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.UserNotFoundProfile()
		}
		return fmt.Errorf("lookup user: %w", err)
	}

	if err := s.hasher.Compare(user.PasswordHash, oldPassword); err != nil {
		if errors.Is(err, ErrPasswordMismatch) {
			return apierr.InvalidCredentials("current password is incorrect")
		}
		return fmt.Errorf("compare password: %w", err)
	}

	if err := ValidatePasswordStrength(newPassword); err != nil {
		return err
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, userID, newHash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	if _, err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}

	s.auditAuth(ctx, &userID, "auth.password.changed", meta, nil)
	return nil
}

func (s *Service) auditAuth(ctx context.Context, userID *uuid.UUID, action string, meta RequestMeta, details map[string]any) {
	s.audit.Record(ctx, storage.AuditEntry{
		ID:        uuid.New(),
		UserID:    userID,
		Action:    action,
		Details:   details,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
		CreatedAt: s.now(),
	})
}
