package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/apierr"
	"github.com/wardenhq/warden/internal/storage"
)

// reuseGrace tolerates the double-submit window where a client retries a
// refresh that already rotated. Reuse outside it is treated as theft.
const reuseGrace = 10 * time.Second

// TokenStore is the persistence contract the token service needs.
// *storage.TokenStore satisfies it; tests substitute a map-backed fake.
type TokenStore interface {
	CreateRefreshToken(ctx context.Context, t *storage.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, hash string) (*storage.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldID uuid.UUID, next *storage.RefreshToken) error
	RevokeRefreshToken(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error)
	CreateSSOSession(ctx context.Context, sess *storage.SSOSession) error
	GetSSOSession(ctx context.Context, token string) (*storage.SSOSession, error)
	TouchSSOSession(ctx context.Context, id uuid.UUID) error
}

// TokenPair is the credential triple returned on login. SSOSessionToken
// is empty on refresh (the original session continues).
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	SSOSessionToken string
	ExpiresIn       int64 // access token lifetime, seconds
}

// TokenService issues access tokens, rotates refresh tokens, and owns
// SSO session lifecycle.
type TokenService struct {
	provider   TokenProvider
	store      TokenStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

func NewTokenService(provider TokenProvider, store TokenStore, accessTTL, refreshTTL, sessionTTL time.Duration) *TokenService {
	return &TokenService{
		provider:   provider,
		store:      store,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		sessionTTL: sessionTTL,
		now:        time.Now,
	}
}

// IssuePair mints a fresh access token, refresh token and SSO session
// for (userID, appID).
func (s *TokenService) IssuePair(ctx context.Context, userID, appID uuid.UUID) (*TokenPair, error) {
	access, err := s.provider.GenerateAccessToken(userID, appID)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	refresh, err := s.createRefreshToken(ctx, userID, appID, nil)
	if err != nil {
		return nil, err
	}

	sessionToken, err := s.IssueSSOSession(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:     access,
		RefreshToken:    refresh,
		SSOSessionToken: sessionToken,
		ExpiresIn:       int64(s.accessTTL.Seconds()),
	}, nil
}

// Refresh rotates a refresh token: the old row is revoked and a new pair
// issued in one transaction. Reuse of an already-consumed token outside
// the concurrency grace revokes every live token of the user.
func (s *TokenService) Refresh(ctx context.Context, rawRefresh string, appID uuid.UUID) (*TokenPair, error) {
	row, err := s.store.GetRefreshTokenByHash(ctx, HashToken(rawRefresh))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.InvalidToken("refresh token is not recognized")
		}
		return nil, fmt.Errorf("lookup refresh token: %w", err)
	}

	now := s.now()
	if row.Revoked {
		if row.RevokedAt != nil && now.Sub(*row.RevokedAt) > reuseGrace {
			// Token replay after rotation: assume compromise, revoke the
			// whole family.
			if n, err := s.store.RevokeAllForUser(ctx, row.UserID); err != nil {
				slog.Error("refresh_reuse_revocation_failed", "user_id", row.UserID, "error", err)
			} else {
				slog.Warn("refresh_token_reuse_detected", "user_id", row.UserID, "revoked", n)
			}
		}
		return nil, apierr.InvalidToken("refresh token has been revoked")
	}
	if now.After(row.ExpiresAt) {
		return nil, apierr.TokenExpired("refresh token has expired")
	}
	if row.AppID != appID {
		return nil, apierr.InvalidToken("refresh token belongs to a different application")
	}

	access, err := s.provider.GenerateAccessToken(row.UserID, appID)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	refresh, err := s.createRefreshToken(ctx, row.UserID, appID, &row.ID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// createRefreshToken mints and stores a new opaque token. When rotateFrom
// is set, the old row is revoked in the same transaction.
func (s *TokenService) createRefreshToken(ctx context.Context, userID, appID uuid.UUID, rotateFrom *uuid.UUID) (string, error) {
	raw, err := GenerateSecureToken(32)
	if err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}

	row := &storage.RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		AppID:     appID,
		TokenHash: HashToken(raw),
		ExpiresAt: s.now().Add(s.refreshTTL),
		CreatedAt: s.now(),
	}

	if rotateFrom != nil {
		if err := s.store.RotateRefreshToken(ctx, *rotateFrom, row); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// A concurrent request rotated first.
				return "", apierr.InvalidToken("refresh token has been revoked")
			}
			return "", fmt.Errorf("rotate refresh token: %w", err)
		}
	} else {
		if err := s.store.CreateRefreshToken(ctx, row); err != nil {
			return "", fmt.Errorf("store refresh token: %w", err)
		}
	}

	return raw, nil
}

// Logout revokes the presented refresh token. Unknown tokens succeed
// silently (idempotent).
func (s *TokenService) Logout(ctx context.Context, rawRefresh string) error {
	row, err := s.store.GetRefreshTokenByHash(ctx, HashToken(rawRefresh))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("lookup refresh token: %w", err)
	}
	return s.store.RevokeRefreshToken(ctx, row.ID)
}

// RevokeAllForUser bulk-revokes every refresh token and SSO session of
// the user. Called on password change and admin action.
func (s *TokenService) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.store.RevokeAllForUser(ctx, userID)
}

// IssueSSOSession mints a 64-byte opaque session token.
func (s *TokenService) IssueSSOSession(ctx context.Context, userID uuid.UUID) (string, error) {
	token, err := GenerateSecureToken(64)
	if err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}

	now := s.now()
	sess := &storage.SSOSession{
		ID:             uuid.New(),
		UserID:         userID,
		SessionToken:   token,
		ExpiresAt:      now.Add(s.sessionTTL),
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := s.store.CreateSSOSession(ctx, sess); err != nil {
		return "", fmt.Errorf("store sso session: %w", err)
	}
	return token, nil
}

// ValidateSSOSession resolves a session token to its user, bumping
// last_activity_at. Expired sessions are invalid (and deleted by the
// store opportunistically).
func (s *TokenService) ValidateSSOSession(ctx context.Context, sessionToken string) (uuid.UUID, error) {
	sess, err := s.store.GetSSOSession(ctx, sessionToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return uuid.Nil, apierr.InvalidToken("sso session is invalid or expired")
		}
		return uuid.Nil, fmt.Errorf("lookup sso session: %w", err)
	}

	if err := s.store.TouchSSOSession(ctx, sess.ID); err != nil {
		slog.Warn("sso_session_touch_failed", "session_id", sess.ID, "error", err)
	}
	return sess.UserID, nil
}
