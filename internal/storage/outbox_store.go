package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxStore is the notification queue: the API enqueues, the worker
// claims batches with FOR UPDATE SKIP LOCKED so multiple workers never
// double-send, and delivery is at-least-once (idempotent by message ID).
type OutboxStore struct {
	pool *pgxpool.Pool
}

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// Enqueue inserts a pending message.
func (s *OutboxStore) Enqueue(ctx context.Context, m *OutboxMessage) error {
	vars, err := json.Marshal(orEmptyVars(m.Variables))
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO notification_outbox (id, kind, recipient, template, variables,
			status, attempts, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, now(), now())
	`, m.ID, m.Kind, m.Recipient, m.Template, vars)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// ClaimBatch atomically claims up to limit due messages by pushing
// their next_attempt_at into the future, so a crashed worker's claims
// become visible again on their own.
func (s *OutboxStore) ClaimBatch(ctx context.Context, limit int, claimFor time.Duration) ([]OutboxMessage, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE notification_outbox SET next_attempt_at = now() + $2
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, recipient, template, variables, status, attempts,
			next_attempt_at, COALESCE(last_error, ''), created_at, sent_at
	`, limit, claimFor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var vars []byte
		if err := rows.Scan(&m.ID, &m.Kind, &m.Recipient, &m.Template, &vars, &m.Status,
			&m.Attempts, &m.NextAttemptAt, &m.LastError, &m.CreatedAt, &m.SentAt); err != nil {
			return nil, err
		}
		if len(vars) > 0 {
			if err := json.Unmarshal(vars, &m.Variables); err != nil {
				return nil, fmt.Errorf("decode variables: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkSent records successful delivery.
func (s *OutboxStore) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_outbox SET status = 'sent', sent_at = now() WHERE id = $1
	`, id)
	return err
}

// MarkFailed schedules a retry with the given backoff, or gives up after
// maxAttempts.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, sendErr string, backoff time.Duration, maxAttempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notification_outbox SET
			attempts = attempts + 1,
			last_error = $2,
			next_attempt_at = now() + $3,
			status = CASE WHEN attempts + 1 >= $4 THEN 'failed' ELSE 'pending' END
		WHERE id = $1
	`, id, sendErr, backoff, maxAttempts)
	return err
}

func orEmptyVars(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
