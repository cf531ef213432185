package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wardenhq/warden/internal/apierr"
)

// UserStore persists users and their lifecycle state.
type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userColumns = `id, username, COALESCE(email, ''), COALESCE(phone, ''), password_hash,
	status, failed_login_attempts, locked_until, password_changed,
	mfa_enabled, COALESCE(mfa_secret, ''), last_login_at, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Phone, &u.PasswordHash,
		&u.Status, &u.FailedLoginAttempts, &u.LockedUntil, &u.PasswordChanged,
		&u.MFAEnabled, &u.MFASecret, &u.LastLoginAt, &u.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &u, nil
}

// Create inserts a new user. Uniqueness violations surface as the matching
// conflict kind so handlers can return 409 without inspecting SQL state.
func (s *UserStore) Create(ctx context.Context, u *User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, email, phone, password_hash, status,
			failed_login_attempts, password_changed, mfa_enabled, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, 0, $7, false, $8)
	`, u.ID, u.Username, u.Email, u.Phone, u.PasswordHash, u.Status, u.PasswordChanged, u.CreatedAt)
	if err != nil {
		switch {
		case isUniqueViolation(err, "users_username_key"):
			return apierr.New(apierr.KindConflictUsername, "username is already taken")
		case isUniqueViolation(err, "users_email_key"):
			return apierr.New(apierr.KindConflictEmail, "email is already registered")
		case isUniqueViolation(err, "users_phone_key"):
			return apierr.New(apierr.KindConflictPhone, "phone is already registered")
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

func (s *UserStore) GetByPhone(ctx context.Context, phone string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE phone = $1`, phone)
	return scanUser(row)
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	return scanUser(row)
}

// GetByIdentifier resolves a login identifier against email, phone and
// username in that order.
func (s *UserStore) GetByIdentifier(ctx context.Context, identifier string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE email = $1 OR phone = $1 OR username = $1
		LIMIT 1
	`, identifier)
	return scanUser(row)
}

// RecordFailedLogin increments the counter under the user row lock and
// locks the account when the threshold is reached. Returns the new count.
func (s *UserStore) RecordFailedLogin(ctx context.Context, id uuid.UUID, threshold int, lockFor time.Duration) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var attempts int
	err = tx.QueryRow(ctx, `
		UPDATE users SET failed_login_attempts = failed_login_attempts + 1
		WHERE id = $1
		RETURNING failed_login_attempts
	`, id).Scan(&attempts)
	if err != nil {
		return 0, mapNoRows(err)
	}

	if attempts >= threshold {
		lockedUntil := time.Now().Add(lockFor)
		_, err = tx.Exec(ctx, `
			UPDATE users SET status = 'locked', locked_until = $2 WHERE id = $1
		`, id, lockedUntil)
		if err != nil {
			return 0, fmt.Errorf("lock account: %w", err)
		}
	}

	return attempts, tx.Commit(ctx)
}

// RecordSuccessfulLogin resets the failure counter, clears any lock, and
// stamps last_login_at.
func (s *UserStore) RecordSuccessfulLogin(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET failed_login_attempts = 0, locked_until = NULL,
			status = 'active', last_login_at = now()
		WHERE id = $1
	`, id)
	return err
}

// Activate moves a pending_verification user to active.
func (s *UserStore) Activate(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET status = 'active'
		WHERE id = $1 AND status = 'pending_verification'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePassword replaces the hash and marks the password as changed.
func (s *UserStore) UpdatePassword(ctx context.Context, id uuid.UUID, newHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET password_hash = $2, password_changed = true WHERE id = $1
	`, id, newHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMFA stores the TOTP secret and enablement flag.
func (s *UserStore) SetMFA(ctx context.Context, id uuid.UUID, enabled bool, secret string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET mfa_enabled = $2, mfa_secret = NULLIF($3, '') WHERE id = $1
	`, id, enabled, secret)
	return err
}

// Delete removes the user; owned rows cascade via FKs.
func (s *UserStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
