package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/storage"
)

type fakeOutbox struct {
	mu   sync.Mutex
	msgs map[uuid.UUID]*storage.OutboxMessage
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{msgs: map[uuid.UUID]*storage.OutboxMessage{}}
}

func (f *fakeOutbox) Enqueue(_ context.Context, m *storage.OutboxMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	cp.NextAttemptAt = time.Now()
	f.msgs[m.ID] = &cp
	return nil
}

func (f *fakeOutbox) ClaimBatch(_ context.Context, limit int, claimFor time.Duration) ([]storage.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var out []storage.OutboxMessage
	for _, m := range f.msgs {
		if m.Status == storage.OutboxPending && !m.NextAttemptAt.After(now) && len(out) < limit {
			m.NextAttemptAt = now.Add(claimFor)
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeOutbox) MarkSent(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	m := f.msgs[id]
	m.Status = storage.OutboxSent
	m.SentAt = &now
	return nil
}

func (f *fakeOutbox) MarkFailed(_ context.Context, id uuid.UUID, sendErr string, backoff time.Duration, maxAttempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.msgs[id]
	m.Attempts++
	m.LastError = sendErr
	m.NextAttemptAt = time.Now().Add(backoff)
	if m.Attempts >= maxAttempts {
		m.Status = storage.OutboxFailed
	} else {
		m.Status = storage.OutboxPending
	}
	return nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	fail error
}

func (r *recordingSender) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, m)
	return nil
}

func TestRenderTemplates(t *testing.T) {
	subject, body, err := Render("verification_code", map[string]string{"code": "123456"})
	require.NoError(t, err)
	assert.Equal(t, "Your verification code", subject)
	assert.Contains(t, body, "123456")

	_, body, err = Render("password_reset", map[string]string{
		"username": "bob", "token": "tok123", "base_url": "https://id.example.com",
	})
	require.NoError(t, err)
	assert.Contains(t, body, "https://id.example.com/reset-password?token=tok123")
	assert.Contains(t, body, "bob")

	_, _, err = Render("no_such_template", nil)
	assert.Error(t, err)
}

func TestQueueRejectsUnknownTemplate(t *testing.T) {
	q := NewQueue(newFakeOutbox(), slog.New(slog.DiscardHandler))
	err := q.Enqueue(context.Background(), "email", "a@x.com", "no_such_template", nil)
	assert.Error(t, err)
}

func TestWorkerDeliversAndSettles(t *testing.T) {
	outbox := newFakeOutbox()
	q := NewQueue(outbox, slog.New(slog.DiscardHandler))
	email := &recordingSender{}
	w := NewWorker(outbox, map[string]Sender{"email": email}, "https://id.example.com", slog.New(slog.DiscardHandler))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "email", "a@x.com", "verification_code", map[string]string{"code": "111222"}))

	sent := w.ProcessOnce(ctx)
	assert.Equal(t, 1, sent)
	require.Len(t, email.sent, 1)
	assert.Equal(t, "a@x.com", email.sent[0].Recipient)
	assert.Contains(t, email.sent[0].Body, "111222")

	// Settled: a second pass claims nothing.
	assert.Equal(t, 0, w.ProcessOnce(ctx))
}

func TestWorkerInjectsBaseURL(t *testing.T) {
	outbox := newFakeOutbox()
	q := NewQueue(outbox, slog.New(slog.DiscardHandler))
	email := &recordingSender{}
	w := NewWorker(outbox, map[string]Sender{"email": email}, "https://id.example.com", slog.New(slog.DiscardHandler))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "email", "b@x.com", "password_reset", map[string]string{
		"username": "bob", "token": "tok",
	}))
	w.ProcessOnce(ctx)

	require.Len(t, email.sent, 1)
	assert.Contains(t, email.sent[0].Body, "https://id.example.com/reset-password?token=tok")
}

func TestWorkerRetriesWithBackoff(t *testing.T) {
	outbox := newFakeOutbox()
	q := NewQueue(outbox, slog.New(slog.DiscardHandler))
	email := &recordingSender{fail: errors.New("smtp down")}
	w := NewWorker(outbox, map[string]Sender{"email": email}, "", slog.New(slog.DiscardHandler))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "email", "c@x.com", "verification_code", map[string]string{"code": "1"}))
	assert.Equal(t, 0, w.ProcessOnce(ctx))

	outbox.mu.Lock()
	var msg *storage.OutboxMessage
	for _, m := range outbox.msgs {
		msg = m
	}
	attempts := msg.Attempts
	status := msg.Status
	next := msg.NextAttemptAt
	outbox.mu.Unlock()

	assert.Equal(t, 1, attempts)
	assert.Equal(t, storage.OutboxPending, status, "stays pending for retry")
	assert.True(t, next.After(time.Now()), "retry is backed off")
}

func TestWorkerParksAfterMaxAttempts(t *testing.T) {
	outbox := newFakeOutbox()
	q := NewQueue(outbox, slog.New(slog.DiscardHandler))
	email := &recordingSender{fail: errors.New("smtp down")}
	w := NewWorker(outbox, map[string]Sender{"email": email}, "", slog.New(slog.DiscardHandler))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "email", "d@x.com", "verification_code", map[string]string{"code": "1"}))

	for i := 0; i < maxAttempts; i++ {
		w.ProcessOnce(ctx)
		// Re-arm the claim so the next pass sees the message.
		outbox.mu.Lock()
		for _, m := range outbox.msgs {
			if m.Status == storage.OutboxPending {
				m.NextAttemptAt = time.Now()
			}
		}
		outbox.mu.Unlock()
	}

	outbox.mu.Lock()
	defer outbox.mu.Unlock()
	for _, m := range outbox.msgs {
		assert.Equal(t, storage.OutboxFailed, m.Status)
		assert.Equal(t, maxAttempts, m.Attempts)
	}
}

func TestWorkerParksUnknownKindImmediately(t *testing.T) {
	outbox := newFakeOutbox()
	q := NewQueue(outbox, slog.New(slog.DiscardHandler))
	w := NewWorker(outbox, map[string]Sender{}, "", slog.New(slog.DiscardHandler))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "sms", "+15550001111", "verification_code", map[string]string{"code": "1"}))
	w.ProcessOnce(ctx)

	outbox.mu.Lock()
	defer outbox.mu.Unlock()
	for _, m := range outbox.msgs {
		assert.Equal(t, storage.OutboxFailed, m.Status, "no retry can ever succeed")
	}
}
