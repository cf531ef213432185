package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AppStore persists applications, their organization bindings, and the
// user↔application join table.
type AppStore struct {
	pool *pgxpool.Pool
}

func NewAppStore(pool *pgxpool.Pool) *AppStore {
	return &AppStore{pool: pool}
}

const appColumns = `app_id, name, COALESCE(description, ''), app_secret_hash, webhook_secret,
	status, rate_limit, subscription_plan_id, enabled_login_methods, granted_scopes,
	oauth_credentials, created_by, created_at`

func scanApp(row interface{ Scan(...any) error }) (*Application, error) {
	var a Application
	var oauthJSON []byte
	err := row.Scan(&a.AppID, &a.Name, &a.Description, &a.AppSecretHash, &a.WebhookSecret,
		&a.Status, &a.RateLimit, &a.SubscriptionPlanID, &a.EnabledLoginMethods, &a.GrantedScopes,
		&oauthJSON, &a.CreatedBy, &a.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	if len(oauthJSON) > 0 {
		if err := json.Unmarshal(oauthJSON, &a.OAuthCredentials); err != nil {
			return nil, fmt.Errorf("decode oauth credentials: %w", err)
		}
	}
	return &a, nil
}

// Create inserts a new application.
func (s *AppStore) Create(ctx context.Context, a *Application) error {
	oauthJSON, err := json.Marshal(orEmptyCreds(a.OAuthCredentials))
	if err != nil {
		return fmt.Errorf("encode oauth credentials: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO applications (app_id, name, description, app_secret_hash, webhook_secret,
			status, rate_limit, subscription_plan_id, enabled_login_methods, granted_scopes,
			oauth_credentials, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.AppID, a.Name, a.Description, a.AppSecretHash, a.WebhookSecret,
		a.Status, a.RateLimit, a.SubscriptionPlanID, a.EnabledLoginMethods, a.GrantedScopes,
		oauthJSON, a.CreatedBy, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}
	return nil
}

func (s *AppStore) GetByID(ctx context.Context, appID uuid.UUID) (*Application, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+appColumns+` FROM applications WHERE app_id = $1`, appID)
	return scanApp(row)
}

func (s *AppStore) List(ctx context.Context) ([]Application, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+appColumns+` FROM applications ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []Application
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *a)
	}
	return apps, rows.Err()
}

// AppUpdate carries the mutable application fields. Nil pointers mean
// "leave unchanged"; each coherent group updates atomically in one
// statement.
type AppUpdate struct {
	Name                *string
	Description         *string
	Status              *AppStatus
	RateLimit           *int
	SubscriptionPlanID  *uuid.UUID
	ClearPlan           bool
	EnabledLoginMethods []string
	GrantedScopes       []string
	OAuthCredentials    map[string]OAuthCredential
}

// Update applies the non-nil fields of upd.
func (s *AppStore) Update(ctx context.Context, appID uuid.UUID, upd AppUpdate) error {
	var oauthJSON []byte
	if upd.OAuthCredentials != nil {
		var err error
		oauthJSON, err = json.Marshal(upd.OAuthCredentials)
		if err != nil {
			return fmt.Errorf("encode oauth credentials: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE applications SET
			name                  = COALESCE($2, name),
			description           = COALESCE($3, description),
			status                = COALESCE($4, status),
			rate_limit            = COALESCE($5, rate_limit),
			subscription_plan_id  = CASE WHEN $6 THEN NULL ELSE COALESCE($7, subscription_plan_id) END,
			enabled_login_methods = COALESCE($8, enabled_login_methods),
			granted_scopes        = COALESCE($9, granted_scopes),
			oauth_credentials     = COALESCE($10, oauth_credentials)
		WHERE app_id = $1
	`, appID, upd.Name, upd.Description, upd.Status, upd.RateLimit,
		upd.ClearPlan, upd.SubscriptionPlanID, upd.EnabledLoginMethods, upd.GrantedScopes, oauthJSON)
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSecretHash replaces the stored app-secret hash (reset-secret).
func (s *AppStore) UpdateSecretHash(ctx context.Context, appID uuid.UUID, newHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications SET app_secret_hash = $2 WHERE app_id = $1
	`, appID, newHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the application; counters, snapshots, org bindings and
// user bindings cascade. User accounts themselves survive.
func (s *AppStore) Delete(ctx context.Context, appID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM applications WHERE app_id = $1`, appID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BindUser records that the user belongs to the application. Idempotent.
func (s *AppStore) BindUser(ctx context.Context, userID, appID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_applications (user_id, app_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, userID, appID)
	return err
}

// IsUserBound reports whether the user is bound to the application.
func (s *AppStore) IsUserBound(ctx context.Context, userID, appID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM user_applications WHERE user_id = $1 AND app_id = $2)
	`, userID, appID).Scan(&exists)
	return exists, err
}

// SetOrganizations replaces the application's organization bindings.
func (s *AppStore) SetOrganizations(ctx context.Context, appID uuid.UUID, orgIDs []uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM application_organizations WHERE app_id = $1`, appID); err != nil {
		return fmt.Errorf("clear org bindings: %w", err)
	}
	for _, orgID := range orgIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO application_organizations (app_id, org_id) VALUES ($1, $2)
		`, appID, orgID); err != nil {
			return fmt.Errorf("bind org: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ListOrganizations returns the org IDs bound to the application.
func (s *AppStore) ListOrganizations(ctx context.Context, appID uuid.UUID) ([]uuid.UUID, error) {
	return collectUUIDs(s.pool.Query(ctx, `
		SELECT org_id FROM application_organizations WHERE app_id = $1
	`, appID))
}

func orEmptyCreds(m map[string]OAuthCredential) map[string]OAuthCredential {
	if m == nil {
		return map[string]OAuthCredential{}
	}
	return m
}
