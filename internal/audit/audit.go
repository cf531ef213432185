// Package audit buffers audit entries in memory and writes them to the
// database in batches off the request path. Entries are best-effort:
// when the buffer is full the entry is dropped with a warning rather
// than blocking a request.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/storage"
)

const (
	queueSize     = 1024
	batchSize     = 64
	flushInterval = 2 * time.Second
)

// BatchWriter persists entry batches. *storage.AuditStore satisfies it.
type BatchWriter interface {
	InsertBatch(ctx context.Context, entries []storage.AuditEntry) error
}

// Writer is the async audit sink.
type Writer struct {
	store  BatchWriter
	logger *slog.Logger
	queue  chan storage.AuditEntry
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewWriter(store BatchWriter, logger *slog.Logger) *Writer {
	w := &Writer{
		store:  store,
		logger: logger,
		queue:  make(chan storage.AuditEntry, queueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Record queues an entry without blocking. The context is accepted for
// interface symmetry; the write happens later on the background loop.
// After Close the entry is dropped, not panicked on.
func (w *Writer) Record(_ context.Context, e storage.AuditEntry) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("audit_entry_dropped", "action", e.Action, "reason", "writer_closed")
		return
	}
	select {
	case w.queue <- e:
	default:
		w.logger.Warn("audit_entry_dropped", "action", e.Action, "reason", "queue_full")
	}
}

// Close drains the queue and stops the background loop. Call during
// graceful shutdown; subsequent Close calls are no-ops.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]storage.AuditEntry, 0, batchSize)
	for {
		select {
		case e, ok := <-w.queue:
			if !ok {
				w.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= batchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (w *Writer) flush(batch []storage.AuditEntry) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.store.InsertBatch(ctx, batch); err != nil {
		w.logger.Error("audit_flush_failed", "error", err, "entries", len(batch))
		return
	}
	w.logger.Debug("audit_flushed", "entries", len(batch))
}
