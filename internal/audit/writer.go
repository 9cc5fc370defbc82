// Package audit writes audit entries off the request path. Writes are
// best-effort: a full queue or a failing store is logged and counted, never
// returned to the caller.
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
	"github.com/R3E-Network/evidence_layer/internal/app/metrics"
	"github.com/R3E-Network/evidence_layer/pkg/logger"
)

const (
	DefaultAuditBuffer  = 1024
	DefaultAuditTimeout = 5 * time.Second
)

// Sink persists entries.
type Sink interface {
	AppendAudit(ctx context.Context, entry evidence.AuditEntry) (evidence.AuditEntry, error)
}

type item struct {
	entry   evidence.AuditEntry
	flushed chan struct{}
}

// Writer queues entries and appends them on a single goroutine, in order.
type Writer struct {
	sink    Sink
	timeout time.Duration
	log     *logger.Logger

	mu      sync.RWMutex
	stopped bool
	queue   chan item
	once    sync.Once
	wg      sync.WaitGroup

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewWriter creates a writer. Call Start before logging.
func NewWriter(sink Sink, buffer int, timeout time.Duration, log *logger.Logger) *Writer {
	if buffer <= 0 {
		buffer = DefaultAuditBuffer
	}
	if timeout <= 0 {
		timeout = DefaultAuditTimeout
	}
	if log == nil {
		log = logger.NewDefault("audit")
	}
	return &Writer{
		sink:    sink,
		timeout: timeout,
		log:     log,
		queue:   make(chan item, buffer),
	}
}

func (w *Writer) Start() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.wg.Add(1)
		go w.run()
	})
}

// Stop drains the queue and waits for the writer goroutine, up to ctx.
func (w *Writer) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.queue)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit stop: %w", ctx.Err())
	}
}

func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) Failed() uint64 {
	if w == nil {
		return 0
	}
	return w.failed.Load()
}

// Log enqueues entry. It never blocks; entries are dropped when the queue is
// full or the writer is stopped.
func (w *Writer) Log(entry evidence.AuditEntry) bool {
	if w == nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		w.drop(entry, "stopped")
		return false
	}

	select {
	case w.queue <- item{entry: entry}:
		return true
	default:
		w.drop(entry, "queue full")
		return false
	}
}

// Record builds and enqueues an entry.
func (w *Writer) Record(userID, evidenceID, action string, details map[string]any) bool {
	return w.Log(evidence.NewAuditEntry(userID, evidenceID, action, details))
}

// Flush waits until everything enqueued before the call has been written.
func (w *Writer) Flush(ctx context.Context) error {
	if w == nil {
		return nil
	}
	done := make(chan struct{})
	w.mu.RLock()
	if w.stopped {
		w.mu.RUnlock()
		return nil
	}
	select {
	case w.queue <- item{flushed: done}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) drop(entry evidence.AuditEntry, reason string) {
	w.dropped.Add(1)
	metrics.RecordAuditDropped()
	w.log.WithFields(map[string]interface{}{
		"action":      entry.Action,
		"evidence_id": entry.EvidenceID,
		"reason":      reason,
	}).Warn("audit entry dropped")
}

func (w *Writer) run() {
	defer w.wg.Done()

	for it := range w.queue {
		if it.flushed != nil {
			close(it.flushed)
			continue
		}
		if w.sink == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		_, err := w.sink.AppendAudit(ctx, it.entry)
		cancel()
		if err != nil {
			w.failed.Add(1)
			metrics.RecordAuditDropped()
			w.log.WithError(err).WithFields(map[string]interface{}{
				"action":      it.entry.Action,
				"evidence_id": it.entry.EvidenceID,
			}).Warn("audit append failed")
		}
	}
}
