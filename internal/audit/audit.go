// Package audit is the Audit Sink (§4.6): log(record) is non-blocking and
// never fails from the caller's perspective. An unbounded channel buffers
// records to a single background writer that persists them one-by-one.
// Persistence errors are logged and the record dropped — the sink never
// blocks request processing. The channel is deliberately unbounded (§5
// Backpressure: "the audit channel is unbounded by design so denial paths
// never block"), unlike a bounded-with-drop queue.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/wudi/karateway/internal/logging"
	"github.com/wudi/karateway/internal/model"
)

// Writer persists one AuditRecord to durable storage.
type Writer interface {
	WriteAuditRecord(ctx context.Context, rec model.AuditRecord) error
}

// Sink owns the unbounded queue and the single background writer task.
// in is where producers enqueue; a relay goroutine drains it into an
// unbounded in-memory FIFO and feeds out, which the writer consumes.
type Sink struct {
	writer Writer
	in     chan model.AuditRecord
	out    chan model.AuditRecord
}

// New creates a Sink and starts its relay goroutine. Callers must also run
// Run in a goroutine before requests begin logging.
func New(writer Writer) *Sink {
	s := &Sink{
		writer: writer,
		in:     make(chan model.AuditRecord, 256),
		out:    make(chan model.AuditRecord),
	}
	go s.relay()
	return s
}

// Log enqueues rec. Never blocks: the relay goroutine's only job is to move
// records from in to an unbounded in-memory slice, which it can always keep
// up with regardless of how slowly the writer drains out.
func (s *Sink) Log(rec model.AuditRecord) {
	s.in <- rec
}

// relay implements the unbounded-channel pattern: records accumulate in buf
// (memory-bounded only, not channel-capacity-bounded) and are delivered to
// out in FIFO order as soon as a consumer is ready.
func (s *Sink) relay() {
	var buf []model.AuditRecord

	for {
		if len(buf) == 0 {
			rec, ok := <-s.in
			if !ok {
				close(s.out)
				return
			}
			buf = append(buf, rec)
			continue
		}

		select {
		case rec, ok := <-s.in:
			if !ok {
				for _, r := range buf {
					s.out <- r
				}
				close(s.out)
				return
			}
			buf = append(buf, rec)
		case s.out <- buf[0]:
			buf = buf[1:]
		}
	}
}

// Run drives the single background writer task until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-s.out:
			if !ok {
				return nil
			}
			if err := s.writer.WriteAuditRecord(ctx, rec); err != nil {
				logging.Error("audit record persistence failed, dropping", zap.Error(err))
			}
		}
	}
}
