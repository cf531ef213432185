package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	claimBatchSize = 32
	claimDuration  = 5 * time.Minute
	pollInterval   = 5 * time.Second
	maxAttempts    = 6
	baseBackoff    = time.Minute
)

// Worker drains the outbox: claim, render, send, settle. Multiple
// workers can run against the same database; SKIP LOCKED keeps their
// claims disjoint.
type Worker struct {
	store   OutboxStore
	senders map[string]Sender // by message kind
	logger  *slog.Logger

	// BaseURL is injected into link-carrying templates.
	BaseURL string
}

func NewWorker(store OutboxStore, senders map[string]Sender, baseURL string, logger *slog.Logger) *Worker {
	return &Worker{store: store, senders: senders, BaseURL: baseURL, logger: logger}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("notification_worker_started", "poll_interval", pollInterval.String())

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("notification_worker_stopped")
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce claims and delivers one batch. Exposed for tests and for
// a drain-on-shutdown pass.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	msgs, err := w.store.ClaimBatch(ctx, claimBatchSize, claimDuration)
	if err != nil {
		w.logger.Error("outbox_claim_failed", "error", err)
		return 0
	}

	sent := 0
	for _, msg := range msgs {
		vars := msg.Variables
		if w.BaseURL != "" {
			if vars == nil {
				vars = map[string]string{}
			}
			vars["base_url"] = w.BaseURL
		}

		subject, body, err := Render(msg.Template, vars)
		if err != nil {
			// A render failure never heals; park the message immediately.
			w.settleFailure(ctx, msg.ID, msg.Attempts, err.Error(), true)
			continue
		}

		sender, ok := w.senders[msg.Kind]
		if !ok {
			w.settleFailure(ctx, msg.ID, msg.Attempts, "no sender for kind "+msg.Kind, true)
			continue
		}

		err = sender.Send(ctx, Message{
			Kind:      msg.Kind,
			Recipient: msg.Recipient,
			Subject:   subject,
			Body:      body,
		})
		if err != nil {
			w.settleFailure(ctx, msg.ID, msg.Attempts, err.Error(), false)
			continue
		}

		if err := w.store.MarkSent(ctx, msg.ID); err != nil {
			// The message will be redelivered after the claim expires;
			// delivery is at-least-once by design of the outbox.
			w.logger.Error("outbox_mark_sent_failed", "id", msg.ID, "error", err)
			continue
		}
		sent++
		w.logger.Info("notification_sent", "id", msg.ID, "kind", msg.Kind, "template", msg.Template)
	}
	return sent
}

func (w *Worker) settleFailure(ctx context.Context, id uuid.UUID, attempts int, reason string, permanent bool) {
	backoff := baseBackoff << attempts
	if backoff > time.Hour {
		backoff = time.Hour
	}
	limit := maxAttempts
	if permanent {
		limit = attempts + 1 // park as failed on this settle
	}

	if err := w.store.MarkFailed(ctx, id, reason, backoff, limit); err != nil {
		w.logger.Error("outbox_mark_failed_failed", "id", id, "error", err)
		return
	}
	w.logger.Warn("notification_delivery_failed", "id", id, "attempts", attempts+1, "error", reason)
}
