package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rforgeon/substrate/internal/confirmation"
	"github.com/rforgeon/substrate/internal/logging"
	"github.com/rforgeon/substrate/internal/metrics"
	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/storage"
	"github.com/rforgeon/substrate/internal/vectorindex"
)

// Defaults for Options.
const (
	DefaultInterval    = 60 * time.Second
	DefaultBatchMaxAge = 7 * 24 * time.Hour
)

// ErrStopped is returned when starting a coordinator that was stopped.
var ErrStopped = errors.New("sync coordinator stopped")

// Peer is another node whose outbox is read.
type Peer struct {
	Name    string
	Path    string
	Enabled bool
}

// Store is the subset of the storage facade the coordinator uses.
type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	Insert(ctx context.Context, o *observation.Observation, origin string) error
	SetVectorID(ctx context.Context, observationID, vectorID string) error
	SyncState(ctx context.Context, peer string) (*observation.SyncState, error)
	AdvanceSyncState(ctx context.Context, peer, batchID string, at time.Time) error
	PendingExport(ctx context.Context) ([]*observation.Observation, error)
	MarkExported(ctx context.Context, batchID string, count int) error
}

// Indexer adds imported observations to the similarity index.
type Indexer interface {
	Upsert(ctx context.Context, o *observation.Observation) vectorindex.Result[string]
}

// Processor runs imported observations through confirmation.
type Processor interface {
	Process(ctx context.Context, o *observation.Observation) (*confirmation.ProcessResult, error)
}

// Notifier announces freshly written batches to peers.
type Notifier interface {
	NotifyBatch(ctx context.Context, batchID string) error
}

// ExpireFunc marks old pending observations stale and returns how many changed.
type ExpireFunc func(ctx context.Context, now time.Time) (int, error)

// Options configures NewCoordinator.
type Options struct {
	Store     Store
	Transport *FileTransport
	Peers     []Peer

	// Enabled gates the periodic cycle. SyncNow works either way.
	Enabled bool

	Interval       time.Duration
	UrgentInterval time.Duration
	BatchMaxAge    time.Duration

	// Optional collaborators.
	Indexer   Indexer
	Processor Processor
	Notifier  Notifier
	Expire    ExpireFunc

	Clock  Clock
	Logger *logging.Logger
}

// PeerResult is the outcome of syncing with one peer.
type PeerResult struct {
	Peer                 string `json:"peer"`
	BatchesProcessed     int    `json:"batches_processed"`
	ObservationsImported int    `json:"observations_imported"`
	LastBatchID          string `json:"last_batch_id,omitempty"`
	Error                string `json:"error,omitempty"`
}

// CycleReport summarises one sync cycle.
type CycleReport struct {
	ExportedBatchID string        `json:"exported_batch_id,omitempty"`
	Exported        int           `json:"exported"`
	Results         []PeerResult  `json:"results"`
	Cleaned         int           `json:"cleaned"`
	Expired         int           `json:"expired"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
}

// PeerErrors joins the import failures of every peer in the cycle, or
// returns nil when all peers synced.
func (r *CycleReport) PeerErrors() error {
	var errs []error
	for _, res := range r.Results {
		if res.Error != "" {
			errs = append(errs, fmt.Errorf("peer %s: %s", res.Peer, res.Error))
		}
	}
	return errors.Join(errs...)
}

// Coordinator runs the export, import and cleanup cycle. Cycles never
// overlap. The timer is re-armed when a cycle ends, so a slow cycle delays
// the next one instead of running alongside it.
type Coordinator struct {
	opts   Options
	clock  Clock
	sched  *Scheduler
	urgent *UrgentHandler
	logger *logging.Logger

	cycleMu sync.Mutex
	last    *CycleReport

	mu      sync.Mutex
	running bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCoordinator validates opts and builds the coordinator and its urgent handler.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("sync coordinator requires a store")
	}
	if opts.Transport == nil {
		return nil, errors.New("sync coordinator requires a transport")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.UrgentInterval <= 0 {
		opts.UrgentInterval = DefaultUrgentInterval
	}
	if opts.BatchMaxAge <= 0 {
		opts.BatchMaxAge = DefaultBatchMaxAge
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	c := &Coordinator{
		opts:   opts,
		clock:  opts.Clock,
		sched:  NewScheduler(opts.Clock),
		logger: logger.Named("sync"),
	}
	c.urgent = NewUrgentHandler(opts.Transport,
		WithUrgentInterval(opts.UrgentInterval),
		WithUrgentClock(opts.Clock),
		WithUrgentLogger(logger),
		WithFlushHook(c.notify),
	)
	return c, nil
}

// Start arms the periodic cycle. It is a no-op when sync is disabled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.running {
		return fmt.Errorf("sync coordinator is already running")
	}
	if !c.opts.Enabled {
		c.logger.Info(ctx, "sync disabled, coordinator not started")
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.running = true
	c.sched.Schedule(c.opts.Interval, c.tick)

	c.logger.Info(ctx, "sync coordinator started",
		zap.Duration("interval", c.opts.Interval),
		zap.Int("peers", len(c.opts.Peers)),
		zap.String("outbox", c.opts.Transport.Dir()))
	return nil
}

// Stop cancels both timers, drops queued urgent observations and waits for
// an in-flight cycle to return. A stopped coordinator cannot be restarted.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.running = false
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.sched.Stop()
	c.urgent.Stop()

	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	c.logger.Info(context.Background(), "sync coordinator stopped")
}

// Running reports whether the periodic cycle is armed.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Trigger requests an early cycle. Concurrent triggers coalesce into one.
func (c *Coordinator) Trigger() {
	if !c.Running() {
		return
	}
	c.sched.Reset(0, c.tick)
}

// ExportObservation queues o on the urgent fast path when it qualifies.
// Everything else ships with the next regular export.
func (c *Coordinator) ExportObservation(o *observation.Observation) bool {
	if !c.opts.Enabled || !IsUrgent(o) {
		return false
	}
	c.urgent.Queue(o)
	return true
}

// FlushUrgent writes queued urgent observations now.
func (c *Coordinator) FlushUrgent(ctx context.Context) (string, error) {
	return c.urgent.Flush(ctx)
}

// Urgent exposes the urgent handler.
func (c *Coordinator) Urgent() *UrgentHandler {
	return c.urgent
}

// Peers returns the configured peers.
func (c *Coordinator) Peers() []Peer {
	return c.opts.Peers
}

// OutboxPath is the local outbox directory.
func (c *Coordinator) OutboxPath() string {
	return c.opts.Transport.Dir()
}

// LastReport returns the most recent cycle report, or nil.
func (c *Coordinator) LastReport() *CycleReport {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	return c.last
}

// Status describes the coordinator and its local outbox.
type Status struct {
	Running       bool         `json:"running"`
	OutboxPath    string       `json:"outbox_path"`
	OutboxBatches int          `json:"outbox_batches"`
	LatestBatchID string       `json:"latest_batch_id,omitempty"`
	UrgentPending int          `json:"urgent_pending"`
	LastCycle     *CycleReport `json:"last_cycle,omitempty"`
}

// Status reports the timer state, the outbox contents and the last cycle.
func (c *Coordinator) Status() (*Status, error) {
	ids, err := c.opts.Transport.ListBatches()
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	st := &Status{
		Running:       c.Running(),
		OutboxPath:    c.OutboxPath(),
		OutboxBatches: len(ids),
		UrgentPending: c.urgent.Pending(),
		LastCycle:     c.LastReport(),
	}
	if len(ids) > 0 {
		st.LatestBatchID = ids[len(ids)-1]
	}
	return st, nil
}

func (c *Coordinator) tick() {
	c.mu.Lock()
	ctx, running := c.ctx, c.running
	c.mu.Unlock()
	if !running {
		return
	}

	c.safeCycle(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.sched.Schedule(c.opts.Interval, c.tick)
	}
}

func (c *Coordinator) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(ctx, "sync cycle panicked, continuing",
				zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	if _, err := c.SyncNow(ctx); err != nil {
		c.logger.Warn(ctx, "sync cycle finished with errors", zap.Error(err))
	}
}

// SyncNow runs one full cycle: export, import from every enabled peer,
// outbox cleanup and stale expiry. Peer failures are reported per peer and
// never abort the cycle; export, cleanup and expiry errors are returned.
func (c *Coordinator) SyncNow(ctx context.Context) (*CycleReport, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	report := &CycleReport{StartedAt: c.clock.Now(), Results: []PeerResult{}}
	var errs []error

	id, n, err := c.exportPending(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("export: %w", err))
	}
	report.ExportedBatchID, report.Exported = id, n

	for _, peer := range c.opts.Peers {
		if !peer.Enabled {
			continue
		}
		report.Results = append(report.Results, c.SyncWithPeer(ctx, peer))
	}

	cleaned, err := c.opts.Transport.CleanupOldBatches(ctx, c.opts.BatchMaxAge)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup: %w", err))
	}
	report.Cleaned = cleaned

	if c.opts.Expire != nil {
		expired, err := c.opts.Expire(ctx, c.clock.Now())
		if err != nil {
			errs = append(errs, fmt.Errorf("expire: %w", err))
		}
		report.Expired = expired
	}

	report.Duration = c.clock.Now().Sub(report.StartedAt)
	metrics.SyncCycleDuration.Observe(report.Duration.Seconds())
	c.last = report

	c.logger.Debug(ctx, "sync cycle complete",
		zap.String("exported_batch", report.ExportedBatchID),
		zap.Int("peers", len(report.Results)),
		zap.Int("cleaned", report.Cleaned),
		zap.Int("expired", report.Expired),
		zap.Duration("duration", report.Duration))
	return report, errors.Join(errs...)
}

// exportPending writes local observations logged since the last export
// marker as one batch and records a new marker.
func (c *Coordinator) exportPending(ctx context.Context) (string, int, error) {
	pending, err := c.opts.Store.PendingExport(ctx)
	if err != nil {
		return "", 0, err
	}
	if len(pending) == 0 {
		return "", 0, nil
	}
	id, err := c.opts.Transport.WriteToOutbox(ctx, pending)
	if err != nil {
		return "", 0, err
	}
	if err := c.opts.Store.MarkExported(ctx, id, len(pending)); err != nil {
		return id, len(pending), fmt.Errorf("recording export of %s: %w", id, err)
	}
	metrics.BatchesExportedTotal.WithLabelValues("regular").Inc()
	c.notify(ctx, id)
	c.logger.Info(logging.WithBatchID(ctx, id), "exported observations", zap.Int("count", len(pending)))
	return id, len(pending), nil
}

func (c *Coordinator) notify(ctx context.Context, batchID string) {
	if c.opts.Notifier == nil {
		return
	}
	if err := c.opts.Notifier.NotifyBatch(ctx, batchID); err != nil {
		c.logger.Warn(logging.WithBatchID(ctx, batchID), "batch notification failed", zap.Error(err))
	}
}

// SyncWithPeer imports every batch after the peer's cursor. The cursor moves
// to the last batch imported in full; a failure leaves later batches for the
// next cycle.
func (c *Coordinator) SyncWithPeer(ctx context.Context, peer Peer) PeerResult {
	ctx = logging.WithPeer(ctx, peer.Name)
	res := PeerResult{Peer: peer.Name}

	fail := func(err error) PeerResult {
		res.Error = err.Error()
		metrics.PeerSyncErrorsTotal.WithLabelValues(peer.Name).Inc()
		c.logger.Warn(ctx, "peer sync failed", zap.Error(err))
		return res
	}

	state, err := c.opts.Store.SyncState(ctx, peer.Name)
	if err != nil {
		return fail(err)
	}
	after := ""
	if state != nil {
		after = state.LastBatchID
	}

	batches, err := c.opts.Transport.ReadFromPeerOutbox(ctx, peer.Path, after)
	if err != nil {
		return fail(err)
	}

	var importErr error
	for _, batch := range batches {
		n, err := c.importBatch(logging.WithBatchID(ctx, batch.ID), peer.Name, batch)
		res.ObservationsImported += n
		if err != nil {
			importErr = fmt.Errorf("importing batch %s: %w", batch.ID, err)
			break
		}
		res.BatchesProcessed++
		res.LastBatchID = batch.ID
	}
	metrics.ObservationsImportedTotal.WithLabelValues(peer.Name).Add(float64(res.ObservationsImported))

	if res.LastBatchID != "" {
		if err := c.opts.Store.AdvanceSyncState(ctx, peer.Name, res.LastBatchID, c.clock.Now()); err != nil {
			return fail(err)
		}
	}
	if importErr != nil {
		return fail(importErr)
	}
	if res.BatchesProcessed > 0 {
		c.logger.Info(ctx, "imported from peer",
			zap.Int("batches", res.BatchesProcessed),
			zap.Int("observations", res.ObservationsImported))
	}
	return res
}

// importBatch stores, indexes and confirms each observation not yet known
// locally. Known ids are skipped entirely, which makes redelivery harmless.
func (c *Coordinator) importBatch(ctx context.Context, origin string, batch *observation.Batch) (int, error) {
	imported := 0
	for _, o := range batch.Observations {
		if o == nil || o.ID == "" {
			continue
		}
		exists, err := c.opts.Store.Exists(ctx, o.ID)
		if err != nil {
			return imported, err
		}
		if exists {
			continue
		}
		if err := o.Validate(); err != nil {
			c.logger.Warn(ctx, "skipping invalid peer observation",
				zap.String("observation_id", o.ID), zap.Error(err))
			continue
		}

		// Vector ids are local to the node that indexed the observation.
		o.VectorID = ""
		if o.ContentHash == "" {
			o.ContentHash = observation.ContentHash(o.Domain, o.Path, o.Category, o.StructuredData)
		}

		if err := c.opts.Store.Insert(ctx, o, origin); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				continue
			}
			return imported, err
		}
		if err := c.index(ctx, o); err != nil {
			return imported, err
		}
		if c.opts.Processor != nil {
			if _, err := c.opts.Processor.Process(ctx, o); err != nil {
				return imported, err
			}
		}
		metrics.ObservationsTotal.WithLabelValues(string(o.Category), "peer").Inc()
		imported++
	}
	return imported, nil
}

func (c *Coordinator) index(ctx context.Context, o *observation.Observation) error {
	if c.opts.Indexer == nil {
		return nil
	}
	res := c.opts.Indexer.Upsert(ctx, o)
	if !res.OK() {
		metrics.RecordDegraded(res.Degraded.Op)
		c.logger.Warn(ctx, "indexing imported observation failed",
			zap.String("observation_id", o.ID), zap.Error(res.Degraded))
		return nil
	}
	if err := c.opts.Store.SetVectorID(ctx, o.ID, res.Value); err != nil {
		return err
	}
	o.VectorID = res.Value
	return nil
}
