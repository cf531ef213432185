package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/storage"
)

// MFAService wraps TOTP enrollment and validation (30s period, 1-step
// skew per totp defaults).
type MFAService struct {
	issuer string
}

func NewMFAService(issuer string) *MFAService {
	return &MFAService{issuer: issuer}
}

// GenerateSecret creates a fresh TOTP secret for the account.
func (m *MFAService) GenerateSecret(accountName string) (secret, otpauthURL string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate totp secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// ValidateCode checks a 6-digit TOTP code against the secret.
func (m *MFAService) ValidateCode(code, secret string) bool {
	return totp.Validate(code, secret)
}

// MFASetup is the enrollment payload returned to the user.
type MFASetup struct {
	Secret     string
	OTPAuthURL string
}

// SetupMFA stores a pending (not yet enabled) TOTP secret and returns
// the enrollment payload. Verification of the first code enables it.
func (s *Service) SetupMFA(ctx context.Context, userID uuid.UUID) (*MFASetup, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.UserNotFoundProfile()
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	account := user.Email
	if account == "" {
		account = user.Username
	}
	secret, url, err := s.mfa.GenerateSecret(account)
	if err != nil {
		return nil, err
	}

	if err := s.users.SetMFA(ctx, userID, false, secret); err != nil {
		return nil, fmt.Errorf("store mfa secret: %w", err)
	}

	return &MFASetup{Secret: secret, OTPAuthURL: url}, nil
}

// VerifyMFASetup enables MFA after the user proves possession of the
// secret with a first valid code.
func (s *Service) VerifyMFASetup(ctx context.Context, userID uuid.UUID, code string, meta RequestMeta) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	if user.MFASecret == "" {
		return apierr.Validation("mfa setup has not been started")
	}

	if !s.mfa.ValidateCode(code, user.MFASecret) {
		return apierr.InvalidCredentials("totp code is incorrect")
	}

	if err := s.users.SetMFA(ctx, userID, true, user.MFASecret); err != nil {
		return fmt.Errorf("enable mfa: %w", err)
	}

	s.auditAuth(ctx, &userID, "auth.mfa.enabled", meta, nil)
	return nil
}

// LoginWithMFA completes an MFA-challenged login: the pre-auth token
// proves the password step, the TOTP code proves the second factor, and
// the resulting tokens stay bound to the application from the pre-auth
// claims.
func (s *Service) LoginWithMFA(ctx context.Context, appID uuid.UUID, preAuthToken, code string, meta RequestMeta) (*LoginResult, error) {
	claims, err := s.tokens.provider.ValidateToken(preAuthToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypePreAuth {
		return nil, apierr.InvalidToken("token is not a pre-auth token")
	}
	if claims.AppID != appID.String() {
		return nil, apierr.InvalidToken("pre-auth token belongs to a different application")
	}

	userID, err := claims.UserID()
	if err != nil {
		return nil, apierr.InvalidToken("token subject is malformed")
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.UserNotFoundLogin()
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if !user.MFAEnabled || user.MFASecret == "" {
		return nil, apierr.Validation("mfa is not enabled for this account")
	}
	if !s.mfa.ValidateCode(code, user.MFASecret) {
		s.auditAuth(ctx, &user.ID, "auth.login.failed", meta, map[string]any{"reason": "invalid_totp"})
		return nil, apierr.InvalidCredentials("totp code is incorrect")
	}

	return s.completeLogin(ctx, user, appID, "mfa_totp", meta)
}
