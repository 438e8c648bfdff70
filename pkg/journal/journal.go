package journal

import (
	"context"
	"sync"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
	"go.uber.org/zap"
)

// Journal stores node events
type Journal interface {
	Record(ctx context.Context, ev models.Event) error
	// Recent returns up to limit events, newest first
	Recent(ctx context.Context, limit int) ([]models.Event, error)
	Close(ctx context.Context) error
}

// Memory is a fixed-size in-process ring of events
type Memory struct {
	mu     sync.Mutex
	events []models.Event
	next   int
	full   bool
}

// NewMemory creates a ring holding size events
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 512
	}
	return &Memory{events: make([]models.Event, size)}
}

// Record appends ev, overwriting the oldest entry when full
func (m *Memory) Record(_ context.Context, ev models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[m.next] = ev
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Recent returns up to limit events, newest first
func (m *Memory) Recent(_ context.Context, limit int) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.events)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]models.Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.events)) % len(m.events)
		out = append(out, m.events[idx])
	}
	return out, nil
}

// Close is a no-op
func (m *Memory) Close(context.Context) error { return nil }

// Writer records registry events asynchronously so the registry never
// blocks on storage. Events are dropped when the buffer is full.
type Writer struct {
	journal Journal
	ch      chan models.Event
	done    chan struct{}
	logger  *logger.Logger

	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewWriter starts a writer with a buffer of size events
func NewWriter(j Journal, size int, log *logger.Logger) *Writer {
	if size <= 0 {
		size = 256
	}
	w := &Writer{
		journal: j,
		ch:      make(chan models.Event, size),
		done:    make(chan struct{}),
		logger:  log,
	}
	go w.run()
	return w
}

// OnEvent queues ev; per-request slot events are not journaled
func (w *Writer) OnEvent(ev models.Event, _ models.Node) {
	if ev.Kind == models.EventSlots {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- ev:
	default:
		w.dropped++
		w.logger.Warn("Journal buffer full, dropping event",
			zap.String("node", ev.NodeName),
			zap.String("kind", string(ev.Kind)),
			zap.Int64("dropped", w.dropped),
		)
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for ev := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.journal.Record(ctx, ev); err != nil {
			w.logger.Warn("Failed to record event",
				zap.String("node", ev.NodeName),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close drains queued events and stops the writer
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()

	<-w.done
}
