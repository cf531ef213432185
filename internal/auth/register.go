package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/storage"
)

// EmailRegistration is the input to RegisterWithEmail.
type EmailRegistration struct {
	Email            string
	Password         string
	Username         string
	VerificationCode string // optional; absence leaves the account pending
}

// PhoneRegistration is the input to RegisterWithPhone. The code is
// mandatory: phone accounts are only ever created verified.
type PhoneRegistration struct {
	Phone            string
	VerificationCode string
	Password         string
	Username         string
}

// RegisterWithEmail creates a user through the calling application and
// binds them to it. With a valid verification code the account starts
// active; without one it starts pending_verification and a verification
// link is mailed.
func (s *Service) RegisterWithEmail(ctx context.Context, appID uuid.UUID, in EmailRegistration, meta RequestMeta) (*storage.User, error) {
	if err := ValidatePasswordStrength(in.Password); err != nil {
		return nil, err
	}

	status := storage.UserPendingVerification
	if in.VerificationCode != "" {
		if err := s.codes.VerifyAndConsume(ctx, "email", in.Email, in.VerificationCode); err != nil {
			return nil, apierr.CodeInvalidRegister()
		}
		status = storage.UserActive
	}

	user, err := s.createUser(ctx, appID, in.Username, in.Email, "", in.Password, status)
	if err != nil {
		return nil, err
	}

	if status == storage.UserPendingVerification {
		if err := s.sendEmailVerification(ctx, user); err != nil {
			// The account exists; the user can re-request the link.
			s.auditAuth(ctx, &user.ID, "auth.verification.send_failed", meta, map[string]any{"error": err.Error()})
		}
	}

	s.auditAuth(ctx, &user.ID, "auth.register", meta, map[string]any{"method": "email"})
	return user, nil
}

// RegisterWithPhone creates an active user after SMS-code verification.
func (s *Service) RegisterWithPhone(ctx context.Context, appID uuid.UUID, in PhoneRegistration, meta RequestMeta) (*storage.User, error) {
	if err := ValidatePasswordStrength(in.Password); err != nil {
		return nil, err
	}

	if err := s.codes.VerifyAndConsume(ctx, "sms", in.Phone, in.VerificationCode); err != nil {
		return nil, apierr.CodeInvalidRegister()
	}

	user, err := s.createUser(ctx, appID, in.Username, "", in.Phone, in.Password, storage.UserActive)
	if err != nil {
		return nil, err
	}

	s.auditAuth(ctx, &user.ID, "auth.register", meta, map[string]any{"method": "phone"})
	return user, nil
}

// OAuthProfile is the normalized profile returned by a provider exchange.
type OAuthProfile struct {
	Provider       string
	ProviderUserID string
	Email          string
	DisplayName    string
}

// CompleteOAuthLogin finds or creates the account matching an OAuth
// profile and issues tokens bound to the calling application. A profile
// without an email cannot satisfy the contact invariant and is rejected.
func (s *Service) CompleteOAuthLogin(ctx context.Context, appID uuid.UUID, profile OAuthProfile, meta RequestMeta) (*LoginResult, bool, error) {
	if profile.Email == "" {
		return nil, false, apierr.Validation("oauth profile does not include an email address")
	}

	isNew := false
	user, err := s.users.GetByEmail(ctx, profile.Email)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, false, fmt.Errorf("lookup user: %w", err)
		}

		// Provider-verified email: the account starts active with an
		// unguessable password (password login stays possible via reset).
		randomPassword, gerr := GenerateSecureToken(24)
		if gerr != nil {
			return nil, false, fmt.Errorf("generate password: %w", gerr)
		}
		username := profile.DisplayName
		if username == "" {
			username = profile.Provider + "_" + profile.ProviderUserID
		}
		user, err = s.createUser(ctx, appID, username, profile.Email, "", randomPassword+"A1", storage.UserActive)
		if err != nil {
			return nil, false, err
		}
		isNew = true
	}

	if user.Status != storage.UserActive {
		return nil, false, apierr.AccountNotActive()
	}

	if err := s.apps.BindUser(ctx, user.ID, appID); err != nil {
		return nil, false, fmt.Errorf("bind user: %w", err)
	}

	result, err := s.completeLogin(ctx, user, appID, "oauth_"+profile.Provider, meta)
	if err != nil {
		return nil, false, err
	}
	return result, isNew, nil
}

// AdminCreateUser creates an active account on behalf of an operator.
// The password is operator-chosen, so the user is forced through a
// password change on first login.
func (s *Service) AdminCreateUser(ctx context.Context, username, email, phone, password string, meta RequestMeta) (*storage.User, error) {
	if err := ValidatePasswordStrength(password); err != nil {
		return nil, err
	}
	if email == "" && phone == "" {
		return nil, apierr.Validation("email or phone is required")
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if username == "" {
		username = defaultUsername(email, phone)
	}

	user := &storage.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		Phone:        phone,
		PasswordHash: hash,
		Status:       storage.UserActive,
		CreatedAt:    s.now(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.auditAuth(ctx, &user.ID, "admin.user.created", meta, map[string]any{"username": username})
	return user, nil
}

// createUser hashes the password, inserts the row and binds it to the
// registering application.
func (s *Service) createUser(ctx context.Context, appID uuid.UUID, username, email, phone, password string, status storage.UserStatus) (*storage.User, error) {
	if username == "" {
		username = defaultUsername(email, phone)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &storage.User{
		ID:              uuid.New(),
		Username:        username,
		Email:           email,
		Phone:           phone,
		PasswordHash:    hash,
		Status:          status,
		PasswordChanged: true, // self-chosen password
		CreatedAt:       s.now(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	if err := s.apps.BindUser(ctx, user.ID, appID); err != nil {
		return nil, fmt.Errorf("bind user: %w", err)
	}
	return user, nil
}

// defaultUsername derives a username from the registration contact.
func defaultUsername(email, phone string) string {
	if email != "" {
		if at := strings.IndexByte(email, '@'); at > 0 {
			return email[:at] + "_" + uuid.NewString()[:8]
		}
	}
	if phone != "" {
		return "user_" + phone
	}
	return "user_" + uuid.NewString()[:8]
}
