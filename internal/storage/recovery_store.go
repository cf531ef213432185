package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RecoveryStore persists single-use recovery tokens (password reset and
// email verification links). Only the SHA-256 hash is stored.
type RecoveryStore struct {
	pool *pgxpool.Pool
}

func NewRecoveryStore(pool *pgxpool.Pool) *RecoveryStore {
	return &RecoveryStore{pool: pool}
}

// Create inserts a token row, replacing any previous token of the same
// type for the user (only the latest link works).
func (s *RecoveryStore) Create(ctx context.Context, t *RecoveryToken) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM recovery_tokens WHERE user_id = $1 AND type = $2
	`, t.UserID, t.Type); err != nil {
		return fmt.Errorf("purge previous tokens: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO recovery_tokens (id, user_id, token_hash, type, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.UserID, t.TokenHash, t.Type, t.ExpiresAt, t.CreatedAt); err != nil {
		return fmt.Errorf("create recovery token: %w", err)
	}

	return tx.Commit(ctx)
}

// Consume atomically deletes and returns the token row matching the hash
// and type. Expired rows are deleted but reported as ErrNotFound.
func (s *RecoveryStore) Consume(ctx context.Context, tokenHash string, typ RecoveryTokenType) (*RecoveryToken, error) {
	var t RecoveryToken
	err := s.pool.QueryRow(ctx, `
		DELETE FROM recovery_tokens
		WHERE token_hash = $1 AND type = $2
		RETURNING id, user_id, token_hash, type, expires_at, created_at
	`, tokenHash, typ).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.Type, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &t, nil
}

// DeleteExpired removes stale rows. Run by the worker.
func (s *RecoveryStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM recovery_tokens WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
