package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/storage"
)

// OutboxStore is the persistence contract. *storage.OutboxStore
// satisfies it.
type OutboxStore interface {
	Enqueue(ctx context.Context, m *storage.OutboxMessage) error
	ClaimBatch(ctx context.Context, limit int, claimFor time.Duration) ([]storage.OutboxMessage, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, sendErr string, backoff time.Duration, maxAttempts int) error
}

// Queue is the producer side of the outbox.
type Queue struct {
	store  OutboxStore
	logger *slog.Logger
}

func NewQueue(store OutboxStore, logger *slog.Logger) *Queue {
	return &Queue{store: store, logger: logger}
}

// Enqueue stores a notification for asynchronous delivery. The message
// survives an API crash; the worker picks it up.
func (q *Queue) Enqueue(ctx context.Context, kind, recipient, template string, vars map[string]string) error {
	if _, _, err := Render(template, vars); err != nil {
		return fmt.Errorf("validate notification: %w", err)
	}

	msg := &storage.OutboxMessage{
		ID:        uuid.New(),
		Kind:      kind,
		Recipient: recipient,
		Template:  template,
		Variables: vars,
		Status:    storage.OutboxPending,
		CreatedAt: time.Now(),
	}
	if err := q.store.Enqueue(ctx, msg); err != nil {
		return err
	}

	q.logger.Info("notification_enqueued", "id", msg.ID, "kind", kind, "template", template)
	return nil
}
