package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrQuotaExceeded is returned by the conditional increments when the
// counter would pass its limit. The accounter maps it to the request or
// token kind depending on which counter was touched.
var ErrQuotaExceeded = errors.New("storage: quota exceeded")

// QuotaStore persists per-application quota counters and snapshots. The
// reserve path is a single conditional UPDATE, so two requests at the
// boundary can never both pass; rollover takes the row lock.
type QuotaStore struct {
	pool *pgxpool.Pool
}

func NewQuotaStore(pool *pgxpool.Pool) *QuotaStore {
	return &QuotaStore{pool: pool}
}

const counterColumns = `app_id, cycle_start, cycle_end, request_used, token_used,
	override_request_limit, override_token_limit`

func scanCounter(row interface{ Scan(...any) error }) (*QuotaCounter, error) {
	var c QuotaCounter
	err := row.Scan(&c.AppID, &c.CycleStart, &c.CycleEnd, &c.RequestUsed, &c.TokenUsed,
		&c.OverrideRequestLimit, &c.OverrideTokenLimit)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &c, nil
}

// Get returns the live counter for the app, or ErrNotFound.
func (s *QuotaStore) Get(ctx context.Context, appID uuid.UUID) (*QuotaCounter, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+counterColumns+` FROM quota_counters WHERE app_id = $1`, appID)
	return scanCounter(row)
}

// CreateIfAbsent lazily creates the counter for the app's first request
// of a period. Returns the current row either way.
func (s *QuotaStore) CreateIfAbsent(ctx context.Context, appID uuid.UUID, cycleStart, cycleEnd time.Time) (*QuotaCounter, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quota_counters (app_id, cycle_start, cycle_end, request_used, token_used)
		VALUES ($1, $2, $3, 0, 0) ON CONFLICT (app_id) DO NOTHING
	`, appID, cycleStart, cycleEnd)
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}
	return s.Get(ctx, appID)
}

// ReserveRequests atomically increments request_used by n, failing with
// ErrQuotaExceeded when the result would pass limit (-1 = unlimited).
func (s *QuotaStore) ReserveRequests(ctx context.Context, appID uuid.UUID, n, limit int64) (*QuotaCounter, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE quota_counters
		SET request_used = request_used + $2
		WHERE app_id = $1 AND ($3 = -1 OR request_used + $2 <= $3)
		RETURNING `+counterColumns, appID, n, limit)
	c, err := scanCounter(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrQuotaExceeded
	}
	return c, err
}

// ReserveTokens atomically increments token_used by n against limit.
func (s *QuotaStore) ReserveTokens(ctx context.Context, appID uuid.UUID, n, limit int64) (*QuotaCounter, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE quota_counters
		SET token_used = token_used + $2
		WHERE app_id = $1 AND ($3 = -1 OR token_used + $2 <= $3)
		RETURNING `+counterColumns, appID, n, limit)
	c, err := scanCounter(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrQuotaExceeded
	}
	return c, err
}

// AdjustTokens applies the reserve→actual delta after an LLM response.
// A negative delta releases over-reservation and is never blocked; a
// positive delta is applied unconditionally (the work already happened
// upstream), clamped at zero from below.
func (s *QuotaStore) AdjustTokens(ctx context.Context, appID uuid.UUID, delta int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE quota_counters
		SET token_used = GREATEST(token_used + $2, 0)
		WHERE app_id = $1
	`, appID, delta)
	return err
}

// ReleaseRequests compensates a failed reservation.
func (s *QuotaStore) ReleaseRequests(ctx context.Context, appID uuid.UUID, n int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE quota_counters
		SET request_used = GREATEST(request_used - $2, 0)
		WHERE app_id = $1
	`, appID, n)
	return err
}

// Rollover closes the current cycle under the row lock: it emits a
// snapshot with the closing values and resets the counter so the new
// cycle_start equals the old cycle_end. The guard re-checks cycle_end
// inside the transaction, so concurrent rollovers collapse to one.
func (s *QuotaStore) Rollover(ctx context.Context, appID uuid.UUID, reset ResetType, requestLimit, tokenLimit int64, period time.Duration) (*QuotaCounter, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+counterColumns+` FROM quota_counters WHERE app_id = $1 FOR UPDATE`, appID)
	c, err := scanCounter(row)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if reset == ResetAuto && now.Before(c.CycleEnd) {
		// Another request already rolled the cycle over.
		return c, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO quota_snapshots (id, app_id, cycle_start, cycle_end, request_limit,
			request_used, token_limit, token_used, reset_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
	`, uuid.New(), appID, c.CycleStart, c.CycleEnd, requestLimit, c.RequestUsed,
		tokenLimit, c.TokenUsed, reset)
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}

	newStart := c.CycleEnd
	if reset == ResetManual {
		// A manual reset starts a fresh cycle immediately.
		newStart = now
	} else {
		// Catch up if the app was idle across more than one period.
		for !now.Before(newStart.Add(period)) {
			newStart = newStart.Add(period)
		}
	}
	newEnd := newStart.Add(period)

	row = tx.QueryRow(ctx, `
		UPDATE quota_counters
		SET cycle_start = $2, cycle_end = $3, request_used = 0, token_used = 0
		WHERE app_id = $1
		RETURNING `+counterColumns, appID, newStart, newEnd)
	c, err = scanCounter(row)
	if err != nil {
		return nil, err
	}

	return c, tx.Commit(ctx)
}

// SetOverrides sets or clears the per-app override limits.
func (s *QuotaStore) SetOverrides(ctx context.Context, appID uuid.UUID, requestLimit, tokenLimit *int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE quota_counters
		SET override_request_limit = $2, override_token_limit = $3
		WHERE app_id = $1
	`, appID, requestLimit, tokenLimit)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSnapshots returns the app's snapshots, newest first.
func (s *QuotaStore) ListSnapshots(ctx context.Context, appID uuid.UUID, limit int) ([]QuotaSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, app_id, cycle_start, cycle_end, request_limit, request_used,
			token_limit, token_used, reset_type, created_at
		FROM quota_snapshots WHERE app_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, appID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

func scanSnapshots(rows pgx.Rows) ([]QuotaSnapshot, error) {
	var snaps []QuotaSnapshot
	for rows.Next() {
		var sn QuotaSnapshot
		if err := rows.Scan(&sn.ID, &sn.AppID, &sn.CycleStart, &sn.CycleEnd, &sn.RequestLimit,
			&sn.RequestUsed, &sn.TokenLimit, &sn.TokenUsed, &sn.ResetType, &sn.CreatedAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}
