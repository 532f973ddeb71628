package knowledge

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rforgeon/substrate/internal/confirmation"
	"github.com/rforgeon/substrate/internal/logging"
	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/storage"
	"github.com/rforgeon/substrate/internal/vectorindex"
)

const instrumentationName = "github.com/rforgeon/substrate/internal/knowledge"

// Store is the subset of the storage facade the service uses.
type Store interface {
	Insert(ctx context.Context, o *observation.Observation, origin string) error
	Get(ctx context.Context, id string) (*observation.Observation, error)
	SetVectorID(ctx context.Context, observationID, vectorID string) error
	AddImpactReport(ctx context.Context, observationID string, report observation.ImpactReport) (*observation.Observation, error)
	Query(ctx context.Context, f storage.QueryFilter) (*storage.QueryResult, error)
	ObservationsSince(ctx context.Context, afterID string) ([]*observation.Observation, error)
	KeywordSearch(ctx context.Context, text string, f storage.QueryFilter) ([]*observation.Observation, error)
	Failures(ctx context.Context, domain string, limit int) ([]*observation.Observation, error)
	Domains(ctx context.Context) ([]storage.DomainCount, error)
	Stats(ctx context.Context) (*storage.Stats, error)
	SyncStates(ctx context.Context) ([]*observation.SyncState, error)
	PendingOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	Rebuild(ctx context.Context) (*storage.RebuildReport, error)
}

// Engine is the confirmation pipeline.
type Engine interface {
	Process(ctx context.Context, o *observation.Observation) (*confirmation.ProcessResult, error)
	ManualConfirm(ctx context.Context, id, reason string) (*confirmation.PromotionResult, error)
	Reject(ctx context.Context, id, reason string) (*confirmation.PromotionResult, error)
	MarkStale(ctx context.Context, id, reason string) (*confirmation.PromotionResult, error)
}

// Exporter receives every new local observation; it queues urgent ones.
type Exporter interface {
	ExportObservation(o *observation.Observation) bool
}

// Config tunes the service.
type Config struct {
	// AgentID is used when a request carries no agent id.
	AgentID string

	// StaleAfter is how long an observation may stay pending before
	// ExpireStale marks it stale. Zero disables expiry.
	StaleAfter time.Duration

	// ObserveRate is the per-agent observation rate in requests per second.
	// Zero disables rate limiting.
	ObserveRate  float64
	ObserveBurst int
}

// Options configures New.
type Options struct {
	Store  Store
	Engine Engine

	// Index defaults to a disabled index.
	Index vectorindex.Service

	// Sync is optional.
	Sync Exporter

	Config Config
	Logger *logging.Logger

	// Tracer defaults to the global tracer provider.
	Tracer trace.Tracer

	Now func() time.Time
}

// Service implements substrate's operations.
type Service struct {
	store   Store
	engine  Engine
	index   vectorindex.Service
	sync    Exporter
	config  Config
	limiter *agentLimiter
	logger  *logging.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New validates opts and creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("knowledge service requires a store")
	}
	if opts.Engine == nil {
		return nil, errors.New("knowledge service requires a confirmation engine")
	}
	if opts.Index == nil {
		opts.Index = vectorindex.Disabled()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(instrumentationName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:   opts.Store,
		engine:  opts.Engine,
		index:   opts.Index,
		sync:    opts.Sync,
		config:  opts.Config,
		limiter: newAgentLimiter(opts.Config.ObserveRate, opts.Config.ObserveBurst),
		logger:  opts.Logger.Named("knowledge"),
		tracer:  opts.Tracer,
		now:     opts.Now,
	}, nil
}

func (s *Service) agentID(id string) string {
	if id != "" {
		return id
	}
	return s.config.AgentID
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
