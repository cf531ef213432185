package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TokenStore persists refresh tokens and SSO sessions. Both are stored
// opaque-side only: refresh tokens as a SHA-256 hash, SSO sessions as the
// raw token (it is itself 64 bytes of entropy and never derivable).
type TokenStore struct {
	pool *pgxpool.Pool
}

func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// CreateRefreshToken inserts a new (hashed) refresh token row.
func (s *TokenStore) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, app_id, token_hash, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)
	`, t.ID, t.UserID, t.AppID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// GetRefreshTokenByHash fetches a row by its deterministic hash.
func (s *TokenStore) GetRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	var t RefreshToken
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, app_id, token_hash, expires_at, revoked, revoked_at, created_at
		FROM refresh_tokens WHERE token_hash = $1
	`, hash).Scan(&t.ID, &t.UserID, &t.AppID, &t.TokenHash, &t.ExpiresAt, &t.Revoked, &t.RevokedAt, &t.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &t, nil
}

// RotateRefreshToken revokes the old row and inserts the replacement in
// one transaction, so the old token can never validate alongside the new.
func (s *TokenStore) RotateRefreshToken(ctx context.Context, oldID uuid.UUID, next *RefreshToken) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked = true, revoked_at = now()
		WHERE id = $1 AND revoked = false
	`, oldID)
	if err != nil {
		return fmt.Errorf("revoke old token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a race with a concurrent rotation of the same token.
		return ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, app_id, token_hash, expires_at, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)
	`, next.ID, next.UserID, next.AppID, next.TokenHash, next.ExpiresAt, next.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rotated token: %w", err)
	}

	return tx.Commit(ctx)
}

// RevokeRefreshToken marks a token revoked. Idempotent.
func (s *TokenStore) RevokeRefreshToken(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens SET revoked = true, revoked_at = now()
		WHERE id = $1 AND revoked = false
	`, id)
	return err
}

// RevokeAllForUser bulk-revokes every live refresh token of the user and
// deletes their SSO sessions in the same transaction (force re-login
// everywhere). Returns the number of tokens revoked.
func (s *TokenStore) RevokeAllForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked = true, revoked_at = now()
		WHERE user_id = $1 AND revoked = false
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke tokens: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM sso_sessions WHERE user_id = $1`, userID); err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}

	return tag.RowsAffected(), tx.Commit(ctx)
}

// DeleteExpiredRefreshTokens removes rows past expiry. Run by the worker.
func (s *TokenStore) DeleteExpiredRefreshTokens(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateSSOSession inserts a new session row.
func (s *TokenStore) CreateSSOSession(ctx context.Context, sess *SSOSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sso_sessions (id, user_id, session_token, expires_at, last_activity_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.UserID, sess.SessionToken, sess.ExpiresAt, sess.LastActivityAt, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("create sso session: %w", err)
	}
	return nil
}

// GetSSOSession fetches a session by its opaque token, deleting it
// opportunistically when expired.
func (s *TokenStore) GetSSOSession(ctx context.Context, token string) (*SSOSession, error) {
	var sess SSOSession
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, session_token, expires_at, last_activity_at, created_at
		FROM sso_sessions WHERE session_token = $1
	`, token).Scan(&sess.ID, &sess.UserID, &sess.SessionToken, &sess.ExpiresAt, &sess.LastActivityAt, &sess.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}

	if time.Now().After(sess.ExpiresAt) {
		_, _ = s.pool.Exec(ctx, `DELETE FROM sso_sessions WHERE id = $1`, sess.ID)
		return nil, ErrNotFound
	}

	return &sess, nil
}

// TouchSSOSession bumps last_activity_at.
func (s *TokenStore) TouchSSOSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sso_sessions SET last_activity_at = now() WHERE id = $1
	`, id)
	return err
}

// DeleteSSOSessionsForUser removes every session of the user (global
// logout).
func (s *TokenStore) DeleteSSOSessionsForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sso_sessions WHERE user_id = $1`, userID)
	return err
}

// DeleteExpiredSSOSessions removes rows past expiry. Run by the worker.
func (s *TokenStore) DeleteExpiredSSOSessions(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sso_sessions WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
