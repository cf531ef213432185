// Package quota enforces per-application request and token quotas. The
// database is the single authority: reservations are conditional
// increments, so two requests racing at the boundary can never both
// pass.
package quota

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

// Unlimited disables a limit.
const Unlimited int64 = -1

const defaultPeriodDays = 30

// CounterStore is the persistence contract. *storage.QuotaStore
// satisfies it.
type CounterStore interface {
	Get(ctx context.Context, appID uuid.UUID) (*storage.QuotaCounter, error)
	CreateIfAbsent(ctx context.Context, appID uuid.UUID, cycleStart, cycleEnd time.Time) (*storage.QuotaCounter, error)
	ReserveRequests(ctx context.Context, appID uuid.UUID, n, limit int64) (*storage.QuotaCounter, error)
	ReserveTokens(ctx context.Context, appID uuid.UUID, n, limit int64) (*storage.QuotaCounter, error)
	AdjustTokens(ctx context.Context, appID uuid.UUID, delta int64) error
	ReleaseRequests(ctx context.Context, appID uuid.UUID, n int64) error
	Rollover(ctx context.Context, appID uuid.UUID, reset storage.ResetType, requestLimit, tokenLimit int64, period time.Duration) (*storage.QuotaCounter, error)
	SetOverrides(ctx context.Context, appID uuid.UUID, requestLimit, tokenLimit *int64) error
	ListSnapshots(ctx context.Context, appID uuid.UUID, limit int) ([]storage.QuotaSnapshot, error)
}

// PlanResolver looks up subscription plans. *storage.PlanStore satisfies
// it.
type PlanResolver interface {
	GetByID(ctx context.Context, id uuid.UUID) (*storage.SubscriptionPlan, error)
}

// Accounter is the quota engine.
type Accounter struct {
	counters CounterStore
	plans    PlanResolver
	logger   *slog.Logger
	now      func() time.Time
}

func NewAccounter(counters CounterStore, plans PlanResolver, logger *slog.Logger) *Accounter {
	return &Accounter{counters: counters, plans: plans, logger: logger, now: time.Now}
}

// Usage is a point-in-time view of an app's quota, used for response
// headers and the usage endpoint.
type Usage struct {
	RequestLimit int64
	RequestUsed  int64
	TokenLimit   int64
	TokenUsed    int64
	CycleStart   time.Time
	CycleEnd     time.Time
}

// RequestsRemaining returns the remaining request budget, or Unlimited.
func (u *Usage) RequestsRemaining() int64 {
	if u.RequestLimit == Unlimited {
		return Unlimited
	}
	if r := u.RequestLimit - u.RequestUsed; r > 0 {
		return r
	}
	return 0
}

// TokensRemaining returns the remaining token budget, or Unlimited.
func (u *Usage) TokensRemaining() int64 {
	if u.TokenLimit == Unlimited {
		return Unlimited
	}
	if r := u.TokenLimit - u.TokenUsed; r > 0 {
		return r
	}
	return 0
}

// limits resolves the effective limits for the app: per-app overrides
// beat the plan. An app with neither a plan nor overrides is not
// entitled to metered calls.
type limits struct {
	request int64
	token   int64
	period  time.Duration
}

func (a *Accounter) resolveLimits(ctx context.Context, app *storage.Application, c *storage.QuotaCounter) (*limits, error) {
	l := &limits{period: defaultPeriodDays * 24 * time.Hour}

	var plan *storage.SubscriptionPlan
	if app.SubscriptionPlanID != nil {
		p, err := a.plans.GetByID(ctx, *app.SubscriptionPlanID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("resolve plan: %w", err)
		}
		plan = p
	}

	switch {
	case plan != nil:
		l.request = plan.RequestQuota
		l.token = plan.TokenQuota
		if plan.QuotaPeriodDays > 0 {
			l.period = time.Duration(plan.QuotaPeriodDays) * 24 * time.Hour
		}
	case c != nil && (c.OverrideRequestLimit != nil || c.OverrideTokenLimit != nil):
		// Overrides alone can entitle an app with no plan.
		l.request = Unlimited
		l.token = Unlimited
	default:
		return nil, apierr.New(apierr.KindQuotaNotConfigured, "application has no subscription plan")
	}

	if c != nil {
		if c.OverrideRequestLimit != nil {
			l.request = *c.OverrideRequestLimit
		}
		if c.OverrideTokenLimit != nil {
			l.token = *c.OverrideTokenLimit
		}
	}
	return l, nil
}

// openCounter returns the app's live counter, creating it on first use
// and rolling the cycle over when it has ended.
func (a *Accounter) openCounter(ctx context.Context, app *storage.Application, l *limits) (*storage.QuotaCounter, error) {
	c, err := a.counters.Get(ctx, app.AppID)
	if errors.Is(err, storage.ErrNotFound) {
		now := a.now()
		c, err = a.counters.CreateIfAbsent(ctx, app.AppID, now, now.Add(l.period))
	}
	if err != nil {
		return nil, fmt.Errorf("open counter: %w", err)
	}

	if !a.now().Before(c.CycleEnd) {
		c, err = a.counters.Rollover(ctx, app.AppID, storage.ResetAuto, l.request, l.token, l.period)
		if err != nil {
			return nil, fmt.Errorf("rollover: %w", err)
		}
		a.logger.Info("quota_cycle_rolled_over", "app_id", app.AppID,
			"cycle_start", c.CycleStart, "cycle_end", c.CycleEnd)
	}
	return c, nil
}

// ReserveRequest charges one request against the app's quota and returns
// the post-reservation usage.
func (a *Accounter) ReserveRequest(ctx context.Context, app *storage.Application) (*Usage, error) {
	l, err := a.entitle(ctx, app)
	if err != nil {
		return nil, err
	}
	c, err := a.openCounter(ctx, app, l)
	if err != nil {
		return nil, err
	}
	// Re-resolve: the rollover may not have picked up fresh overrides.
	l, err = a.resolveLimits(ctx, app, c)
	if err != nil {
		return nil, err
	}

	c, err = a.counters.ReserveRequests(ctx, app.AppID, 1, l.request)
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			return nil, apierr.New(apierr.KindRequestQuotaExceeded, "request quota exceeded for this cycle")
		}
		return nil, fmt.Errorf("reserve request: %w", err)
	}
	return a.usage(c, l), nil
}

// ReleaseRequest compensates a reservation whose request never reached
// the domain handler.
func (a *Accounter) ReleaseRequest(ctx context.Context, appID uuid.UUID) {
	if err := a.counters.ReleaseRequests(ctx, appID, 1); err != nil {
		a.logger.Warn("quota_release_failed", "app_id", appID, "error", err)
	}
}

// ReserveTokens charges an estimated token amount ahead of an LLM call.
func (a *Accounter) ReserveTokens(ctx context.Context, app *storage.Application, n int64) (*Usage, error) {
	l, err := a.entitle(ctx, app)
	if err != nil {
		return nil, err
	}
	c, err := a.openCounter(ctx, app, l)
	if err != nil {
		return nil, err
	}
	l, err = a.resolveLimits(ctx, app, c)
	if err != nil {
		return nil, err
	}

	c, err = a.counters.ReserveTokens(ctx, app.AppID, n, l.token)
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			return nil, apierr.New(apierr.KindTokenQuotaExceeded, "token quota exceeded for this cycle")
		}
		return nil, fmt.Errorf("reserve tokens: %w", err)
	}
	return a.usage(c, l), nil
}

// CommitTokens settles a token reservation against the actual usage the
// upstream reported. When actual is negative (usage unknown) the
// reservation stands as charged.
func (a *Accounter) CommitTokens(ctx context.Context, appID uuid.UUID, reserved, actual int64) {
	if actual < 0 {
		a.logger.Warn("quota_token_usage_unknown", "app_id", appID, "reserved", reserved)
		return
	}
	delta := actual - reserved
	if delta == 0 {
		return
	}
	if err := a.counters.AdjustTokens(ctx, appID, delta); err != nil {
		a.logger.Warn("quota_token_commit_failed", "app_id", appID, "delta", delta, "error", err)
	}
}

// ReleaseTokens returns an unused reservation after an upstream failure.
func (a *Accounter) ReleaseTokens(ctx context.Context, appID uuid.UUID, n int64) {
	if err := a.counters.AdjustTokens(ctx, appID, -n); err != nil {
		a.logger.Warn("quota_release_failed", "app_id", appID, "error", err)
	}
}

// CurrentUsage returns the live usage view without charging anything.
func (a *Accounter) CurrentUsage(ctx context.Context, app *storage.Application) (*Usage, error) {
	l, err := a.entitle(ctx, app)
	if err != nil {
		return nil, err
	}
	c, err := a.openCounter(ctx, app, l)
	if err != nil {
		return nil, err
	}
	l, err = a.resolveLimits(ctx, app, c)
	if err != nil {
		return nil, err
	}
	return a.usage(c, l), nil
}

// Reset closes the current cycle immediately (manual snapshot) and
// starts a fresh one from now.
func (a *Accounter) Reset(ctx context.Context, app *storage.Application) (*Usage, error) {
	l, err := a.entitle(ctx, app)
	if err != nil {
		return nil, err
	}
	if _, err := a.openCounter(ctx, app, l); err != nil {
		return nil, err
	}
	c, err := a.counters.Rollover(ctx, app.AppID, storage.ResetManual, l.request, l.token, l.period)
	if err != nil {
		return nil, fmt.Errorf("manual reset: %w", err)
	}
	a.logger.Info("quota_reset", "app_id", app.AppID)
	return a.usage(c, l), nil
}

// SetOverrides installs per-app limit overrides (nil clears). The
// counter must exist; overrides on a never-used app are created against
// a fresh cycle.
func (a *Accounter) SetOverrides(ctx context.Context, app *storage.Application, requestLimit, tokenLimit *int64) error {
	if _, err := a.counters.Get(ctx, app.AppID); errors.Is(err, storage.ErrNotFound) {
		now := a.now()
		period := time.Duration(defaultPeriodDays) * 24 * time.Hour
		if l, lerr := a.entitle(ctx, app); lerr == nil {
			period = l.period
		}
		if _, err := a.counters.CreateIfAbsent(ctx, app.AppID, now, now.Add(period)); err != nil {
			return fmt.Errorf("create counter: %w", err)
		}
	}
	if err := a.counters.SetOverrides(ctx, app.AppID, requestLimit, tokenLimit); err != nil {
		return fmt.Errorf("set overrides: %w", err)
	}
	a.logger.Info("quota_overrides_set", "app_id", app.AppID)
	return nil
}

// Snapshots lists closed cycles, newest first.
func (a *Accounter) Snapshots(ctx context.Context, appID uuid.UUID, limit int) ([]storage.QuotaSnapshot, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return a.counters.ListSnapshots(ctx, appID, limit)
}

// entitle resolves limits using whatever counter state exists, checking
// only entitlement (plan or overrides present).
func (a *Accounter) entitle(ctx context.Context, app *storage.Application) (*limits, error) {
	c, err := a.counters.Get(ctx, app.AppID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("get counter: %w", err)
	}
	return a.resolveLimits(ctx, app, c)
}

func (a *Accounter) usage(c *storage.QuotaCounter, l *limits) *Usage {
	return &Usage{
		RequestLimit: l.request,
		RequestUsed:  c.RequestUsed,
		TokenLimit:   l.token,
		TokenUsed:    c.TokenUsed,
		CycleStart:   c.CycleStart,
		CycleEnd:     c.CycleEnd,
	}
}
