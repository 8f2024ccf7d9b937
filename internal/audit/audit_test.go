package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wudi/karateway/internal/model"
)

type recordingWriter struct {
	mu      sync.Mutex
	written []model.AuditRecord
	block   chan struct{}
	failOn  func(model.AuditRecord) error
}

func (w *recordingWriter) WriteAuditRecord(ctx context.Context, rec model.AuditRecord) error {
	if w.block != nil {
		<-w.block
	}
	if w.failOn != nil {
		if err := w.failOn(rec); err != nil {
			return err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, rec)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.written)
}

func rec(eventType string) model.AuditRecord {
	return model.AuditRecord{ID: uuid.New(), EventType: eventType, CreatedAt: time.Now()}
}

func TestLogNeverBlocksWhileWriterIsStalled(t *testing.T) {
	w := &recordingWriter{block: make(chan struct{})}
	s := New(w)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go s.Run(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Log(rec("whitelist_denied"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log calls blocked while the writer was stalled")
	}

	close(w.block)
}

func TestRecordsAreWrittenInFIFOOrder(t *testing.T) {
	w := &recordingWriter{}
	s := New(w)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go s.Run(ctx)

	const n = 200
	ids := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		ids[i] = uuid.New()
		s.Log(model.AuditRecord{ID: ids[i], EventType: "rate_limit_exceeded", Message: string(rune('a' + i%26))})
	}

	deadline := time.Now().Add(2 * time.Second)
	for w.count() < n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if w.count() != n {
		t.Fatalf("wrote %d records, want %d", w.count(), n)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, r := range w.written {
		if r.ID != ids[i] {
			t.Fatalf("record %d written out of order", i)
		}
	}
}

func TestWriterErrorDropsRecordAndContinues(t *testing.T) {
	boom := errors.New("connection refused")
	w := &recordingWriter{
		failOn: func(r model.AuditRecord) error {
			if r.EventType == "will_fail" {
				return boom
			}
			return nil
		},
	}
	s := New(w)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go s.Run(ctx)

	s.Log(rec("will_fail"))
	s.Log(rec("will_succeed"))

	deadline := time.Now().Add(2 * time.Second)
	for w.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if w.count() != 1 {
		t.Fatalf("wrote %d records, want 1 (the failing record must be dropped, not retried)", w.count())
	}
	if w.written[0].EventType != "will_succeed" {
		t.Errorf("surviving record = %q, want %q", w.written[0].EventType, "will_succeed")
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	w := &recordingWriter{}
	s := New(w)

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
