package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditStore appends audit entries. It is given its own small pool so
// slow audit writes never starve request work.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// InsertBatch appends a batch of entries in one round trip.
func (s *AuditStore) InsertBatch(ctx context.Context, entries []AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		details, err := json.Marshal(orEmptyDetails(e.Details))
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
		batch.Queue(`
			INSERT INTO audit_logs (id, user_id, action, resource_type, resource_id,
				details, ip_address, user_agent, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, ''), NULLIF($8, ''), $9)
		`, e.ID, e.UserID, e.Action, e.ResourceType, e.ResourceID, details, e.IPAddress, e.UserAgent, e.CreatedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert audit batch: %w", err)
		}
	}
	return nil
}

func orEmptyDetails(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
