package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PlanStore persists subscription plans and user subscriptions.
type PlanStore struct {
	pool *pgxpool.Pool
}

func NewPlanStore(pool *pgxpool.Pool) *PlanStore {
	return &PlanStore{pool: pool}
}

const planColumns = `id, name, duration_days, price, request_quota, token_quota,
	quota_period_days, is_active, created_at`

func scanPlan(row interface{ Scan(...any) error }) (*SubscriptionPlan, error) {
	var p SubscriptionPlan
	err := row.Scan(&p.ID, &p.Name, &p.DurationDays, &p.Price, &p.RequestQuota,
		&p.TokenQuota, &p.QuotaPeriodDays, &p.IsActive, &p.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &p, nil
}

func (s *PlanStore) Create(ctx context.Context, p *SubscriptionPlan) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscription_plans (id, name, duration_days, price, request_quota,
			token_quota, quota_period_days, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.Name, p.DurationDays, p.Price, p.RequestQuota, p.TokenQuota,
		p.QuotaPeriodDays, p.IsActive, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	return nil
}

func (s *PlanStore) GetByID(ctx context.Context, id uuid.UUID) (*SubscriptionPlan, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+planColumns+` FROM subscription_plans WHERE id = $1`, id)
	return scanPlan(row)
}

func (s *PlanStore) List(ctx context.Context) ([]SubscriptionPlan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+planColumns+` FROM subscription_plans ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []SubscriptionPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// PlanUpdate carries mutable plan fields; nil means unchanged.
type PlanUpdate struct {
	Name            *string
	DurationDays    *int
	Price           *float64
	RequestQuota    *int64
	TokenQuota      *int64
	QuotaPeriodDays *int
	IsActive        *bool
}

func (s *PlanStore) Update(ctx context.Context, id uuid.UUID, upd PlanUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscription_plans SET
			name              = COALESCE($2, name),
			duration_days     = COALESCE($3, duration_days),
			price             = COALESCE($4, price),
			request_quota     = COALESCE($5, request_quota),
			token_quota       = COALESCE($6, token_quota),
			quota_period_days = COALESCE($7, quota_period_days),
			is_active         = COALESCE($8, is_active)
		WHERE id = $1
	`, id, upd.Name, upd.DurationDays, upd.Price, upd.RequestQuota, upd.TokenQuota,
		upd.QuotaPeriodDays, upd.IsActive)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSubscription binds a user to a plan.
func (s *PlanStore) CreateSubscription(ctx context.Context, sub *UserSubscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_subscriptions (id, user_id, plan_id, status, start_date, end_date, auto_renew)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.UserID, sub.PlanID, sub.Status, sub.StartDate, sub.EndDate, sub.AutoRenew)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// GetActiveSubscription returns the user's active subscription, if any.
func (s *PlanStore) GetActiveSubscription(ctx context.Context, userID uuid.UUID) (*UserSubscription, error) {
	var sub UserSubscription
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, plan_id, status, start_date, end_date, auto_renew
		FROM user_subscriptions
		WHERE user_id = $1 AND status = 'active'
		ORDER BY end_date DESC LIMIT 1
	`, userID).Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.StartDate, &sub.EndDate, &sub.AutoRenew)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &sub, nil
}

// ExpireSubscriptions marks active subscriptions past end_date as
// expired. Run by the worker; returns the number of rows changed.
func (s *PlanStore) ExpireSubscriptions(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_subscriptions SET status = 'expired'
		WHERE status = 'active' AND end_date < now() AND NOT auto_renew
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
