package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/evidence_layer/internal/app/domain/evidence"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []evidence.AuditEntry
	err     error
	block   chan struct{}
}

func (s *recordingSink) AppendAudit(_ context.Context, e evidence.AuditEntry) (evidence.AuditEntry, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return evidence.AuditEntry{}, s.err
	}
	s.entries = append(s.entries, e)
	return e, nil
}

func (s *recordingSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}

func TestWriterAppendsInOrder(t *testing.T) {
	sink := &recordingSink{}
	w := NewWriter(sink, 10, time.Second, nil)
	w.Start()

	require.True(t, w.Record("u1", "e1", evidence.ActionUpload, map[string]any{"file_name": "a.pdf"}))
	require.True(t, w.Record("u1", "e1", evidence.ActionVerified, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Flush(ctx))
	assert.Equal(t, []string{evidence.ActionUpload, evidence.ActionVerified}, sink.actions())

	require.NoError(t, w.Stop(ctx))
	assert.False(t, w.Record("u1", "e1", evidence.ActionDownload, nil))
	assert.Equal(t, uint64(1), w.Dropped())
}

func TestWriterSwallowsSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("db down")}
	w := NewWriter(sink, 10, time.Second, nil)
	w.Start()

	assert.True(t, w.Record("u1", "e1", evidence.ActionUpload, nil))
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, uint64(1), w.Failed())
	require.NoError(t, w.Stop(context.Background()))
}

func TestWriterDropsWhenQueueFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	w := NewWriter(sink, 1, time.Second, nil)
	w.Start()

	// the first entry is taken by the goroutine and blocks in the sink
	require.True(t, w.Record("u", "", evidence.ActionUpload, nil))
	require.Eventually(t, func() bool { return len(w.queue) == 0 }, time.Second, time.Millisecond)
	require.True(t, w.Record("u", "", evidence.ActionUpload, nil))
	assert.False(t, w.Record("u", "", evidence.ActionUpload, nil))
	assert.Equal(t, uint64(1), w.Dropped())

	close(sink.block)
	require.NoError(t, w.Stop(context.Background()))
	assert.Len(t, sink.actions(), 2)
}

func TestNilWriterIsSafe(t *testing.T) {
	var w *Writer
	w.Start()
	assert.False(t, w.Log(evidence.AuditEntry{}))
	assert.Zero(t, w.Dropped())
	assert.NoError(t, w.Flush(context.Background()))
	assert.NoError(t, w.Stop(context.Background()))
}

func TestDefaults(t *testing.T) {
	w := NewWriter(nil, -1, -1, nil)
	assert.Equal(t, DefaultAuditBuffer, cap(w.queue))
	assert.Equal(t, DefaultAuditTimeout, w.timeout)
}
