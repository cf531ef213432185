package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/storage"
)

// ForgotPassword mails a single-use reset link. Unknown emails succeed
// silently so the endpoint cannot be used for user enumeration.
func (s *Service) ForgotPassword(ctx context.Context, email string, meta RequestMeta) error {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("lookup user: %w", err)
	}

	raw, err := GenerateSecureToken(32)
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}

	err = s.recovery.Create(ctx, &storage.RecoveryToken{
		ID:        uuid.New(),
		UserID:    user.ID,
		TokenHash: HashToken(raw),
		Type:      storage.RecoveryPasswordReset,
		ExpiresAt: s.now().Add(s.cfg.ResetTokenTTL),
		CreatedAt: s.now(),
	})
	if err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}

	if err := s.notify.Enqueue(ctx, "email", email, "password_reset", map[string]string{
		"token":    raw,
		"username": user.Username,
	}); err != nil {
		return apierr.ServiceUnavailable("could not queue the reset email", err)
	}

	s.auditAuth(ctx, &user.ID, "auth.password.reset_requested", meta, nil)
	return nil
}

// ResetPassword consumes a reset token, replaces the password and
// revokes every token and session of the user.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string, meta RequestMeta) error {
	if err := ValidatePasswordStrength(newPassword); err != nil {
		return err
	}

	token, err := s.recovery.Consume(ctx, HashToken(rawToken), storage.RecoveryPasswordReset)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.InvalidToken("reset token is invalid or expired")
		}
		return fmt.Errorf("consume reset token: %w", err)
	}

	newHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, token.UserID, newHash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	if _, err := s.tokens.RevokeAllForUser(ctx, token.UserID); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}

	s.auditAuth(ctx, &token.UserID, "auth.password.reset", meta, nil)
	return nil
}

// VerifyEmail consumes an email-verification link token and activates
// the pending account.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string, meta RequestMeta) error {
	token, err := s.recovery.Consume(ctx, HashToken(rawToken), storage.RecoveryEmailVerification)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.InvalidToken("verification token is invalid or expired")
		}
		return fmt.Errorf("consume verification token: %w", err)
	}

	if err := s.users.Activate(ctx, token.UserID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Already active; the link did its job.
			return nil
		}
		return fmt.Errorf("activate user: %w", err)
	}

	s.auditAuth(ctx, &token.UserID, "auth.email.verified", meta, nil)
	return nil
}

// sendEmailVerification stores a link token and queues the mail.
func (s *Service) sendEmailVerification(ctx context.Context, user *storage.User) error {
	raw, err := GenerateSecureToken(32)
	if err != nil {
		return fmt.Errorf("generate verification token: %w", err)
	}

	err = s.recovery.Create(ctx, &storage.RecoveryToken{
		ID:        uuid.New(),
		UserID:    user.ID,
		TokenHash: HashToken(raw),
		Type:      storage.RecoveryEmailVerification,
		ExpiresAt: s.now().Add(s.cfg.VerifyTokenTTL),
		CreatedAt: s.now(),
	})
	if err != nil {
		return fmt.Errorf("store verification token: %w", err)
	}

	return s.notify.Enqueue(ctx, "email", user.Email, "email_verification", map[string]string{
		"token":    raw,
		"username": user.Username,
	})
}
