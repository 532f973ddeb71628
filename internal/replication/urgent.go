package replication

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rforgeon/substrate/internal/logging"
	"github.com/rforgeon/substrate/internal/metrics"
	"github.com/rforgeon/substrate/internal/observation"
)

// DefaultUrgentInterval bounds how long an urgent observation waits for a batch.
const DefaultUrgentInterval = 5 * time.Second

// IsUrgent reports whether o should bypass the regular sync interval:
// critical urgency, high-urgency errors, and auth observations whose data
// carries a truthy "error" or "failed" field.
func IsUrgent(o *observation.Observation) bool {
	switch {
	case o.Urgency == observation.UrgencyCritical:
		return true
	case o.Urgency == observation.UrgencyHigh && o.Category == observation.CategoryError:
		return true
	case o.Category == observation.CategoryAuth:
		return truthy(o.StructuredData["error"]) || truthy(o.StructuredData["failed"])
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case float32:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	}
	return true
}

// UrgentHandler batches urgent observations on a one-shot timer. The timer
// is armed by the first queued observation and disarmed by Flush.
type UrgentHandler struct {
	transport *FileTransport
	sched     *Scheduler
	interval  time.Duration
	onFlush   func(ctx context.Context, batchID string)
	logger    *logging.Logger

	mu      sync.Mutex
	pending []*observation.Observation
	stopped bool
}

// UrgentOption configures an UrgentHandler.
type UrgentOption func(*UrgentHandler)

// WithUrgentInterval sets the flush delay. Defaults to DefaultUrgentInterval.
func WithUrgentInterval(d time.Duration) UrgentOption {
	return func(h *UrgentHandler) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithUrgentClock sets the clock the flush timer runs on.
func WithUrgentClock(clock Clock) UrgentOption {
	return func(h *UrgentHandler) {
		h.sched = NewScheduler(clock)
	}
}

// WithFlushHook is called with every batch id the handler writes.
func WithFlushHook(fn func(ctx context.Context, batchID string)) UrgentOption {
	return func(h *UrgentHandler) {
		h.onFlush = fn
	}
}

// WithUrgentLogger sets the logger.
func WithUrgentLogger(logger *logging.Logger) UrgentOption {
	return func(h *UrgentHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewUrgentHandler creates a handler writing through transport.
func NewUrgentHandler(transport *FileTransport, opts ...UrgentOption) *UrgentHandler {
	h := &UrgentHandler{
		transport: transport,
		interval:  DefaultUrgentInterval,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.sched == nil {
		h.sched = NewScheduler(RealClock())
	}
	h.logger = h.logger.Named("urgent")
	return h
}

// IsUrgent reports whether o qualifies for the fast path.
func (h *UrgentHandler) IsUrgent(o *observation.Observation) bool {
	return IsUrgent(o)
}

// Queue adds o to the pending batch and arms the flush timer if it is idle.
// After Stop it does nothing.
func (h *UrgentHandler) Queue(o *observation.Observation) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.pending = append(h.pending, o)
	n := len(h.pending)
	h.mu.Unlock()

	metrics.UrgentQueueSize.Set(float64(n))
	h.sched.Schedule(h.interval, h.flushOnTimer)
}

func (h *UrgentHandler) flushOnTimer() {
	ctx := context.Background()
	if _, err := h.Flush(ctx); err != nil {
		h.logger.Warn(ctx, "urgent flush failed", zap.Error(err))
	}
}

// Flush disarms the timer and writes every pending observation as one
// batch. It returns "" when nothing was pending. On a write failure the
// observations stay queued for the next flush.
func (h *UrgentHandler) Flush(ctx context.Context) (string, error) {
	h.sched.Cancel()

	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()

	if len(batch) == 0 {
		return "", nil
	}

	id, err := h.transport.WriteToOutbox(ctx, batch)
	if err != nil {
		h.mu.Lock()
		h.pending = append(batch, h.pending...)
		n := len(h.pending)
		h.mu.Unlock()
		metrics.UrgentQueueSize.Set(float64(n))
		return "", err
	}

	metrics.UrgentQueueSize.Set(float64(h.Pending()))
	metrics.BatchesExportedTotal.WithLabelValues("urgent").Inc()
	h.logger.Info(logging.WithBatchID(ctx, id), "urgent batch flushed", zap.Int("observations", len(batch)))
	if h.onFlush != nil {
		h.onFlush(ctx, id)
	}
	return id, nil
}

// Pending returns the number of queued observations.
func (h *UrgentHandler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Armed reports whether the flush timer is running.
func (h *UrgentHandler) Armed() bool {
	return h.sched.Armed()
}

// Stop disarms the timer for good and drops queued observations. They are
// already in the durable log and ship with the next regular export.
func (h *UrgentHandler) Stop() {
	h.sched.Stop()
	h.mu.Lock()
	h.stopped = true
	dropped := len(h.pending)
	h.pending = nil
	h.mu.Unlock()
	metrics.UrgentQueueSize.Set(0)
	if dropped > 0 {
		h.logger.Debug(context.Background(), "dropped queued urgent observations", zap.Int("count", dropped))
	}
}
