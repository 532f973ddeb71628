package confirmation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rforgeon/substrate/internal/logging"
	"github.com/rforgeon/substrate/internal/metrics"
	"github.com/rforgeon/substrate/internal/observation"
)

// ProcessResult holds the unmodified output of each pipeline step.
type ProcessResult struct {
	Contradiction *ContradictionResult `json:"contradiction"`
	Aggregation   *AggregationResult   `json:"aggregation"`
	Promotion     *PromotionResult     `json:"promotion"`

	// Fuzzy is only set for observations that opened a new group.
	Fuzzy *FuzzyMatchResult `json:"fuzzy_match,omitempty"`
}

// Options configures NewEngine.
type Options struct {
	Store  Store
	Config Config

	// Index mirrors payloads and answers fuzzy lookups. Optional.
	Index interface {
		PayloadMirror
		Searcher
	}

	Logger *logging.Logger

	// Now is the clock for the contradiction window. Defaults to time.Now.
	Now func() time.Time
}

// Engine runs contradiction detection, aggregation and promotion in order.
// Pipeline runs and manual transitions are serialized, so one engine must
// own all confirmation writes to its store.
type Engine struct {
	mu sync.Mutex

	config        Config
	aggregator    *Aggregator
	promoter      *Promoter
	contradiction *ContradictionDetector
	fuzzy         *FuzzyMatcher
	logger        *logging.Logger
}

// NewEngine wires the pipeline over opts.Store.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("confirmation engine requires a store")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid confirmation config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("confirmation")

	var (
		mirror   PayloadMirror
		searcher Searcher
	)
	if opts.Index != nil {
		mirror, searcher = opts.Index, opts.Index
	}

	return &Engine{
		config:        opts.Config,
		aggregator:    NewAggregator(opts.Store),
		promoter:      NewPromoter(opts.Store, mirror, opts.Config, logger),
		contradiction: NewContradictionDetector(opts.Store, opts.Config.ContradictionWindow, opts.Now),
		fuzzy:         NewFuzzyMatcher(searcher, opts.Config.FuzzyThreshold),
		logger:        logger,
	}, nil
}

// Process runs a stored observation through the pipeline. Contradictions are
// resolved against the full history before o joins a group, and promotion
// sees the post-aggregation agent count.
func (e *Engine) Process(ctx context.Context, o *observation.Observation) (*ProcessResult, error) {
	res, err := e.process(ctx, o)
	if err != nil {
		return nil, err
	}
	// Fuzzy lookups hit the index over the network and only read.
	if res.Aggregation.IsNew {
		fuzzy := e.FindFuzzyMatch(ctx, o)
		res.Fuzzy = &fuzzy
	}
	return res, nil
}

func (e *Engine) process(ctx context.Context, o *observation.Observation) (*ProcessResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	contradiction, err := e.contradiction.Detect(ctx, o)
	if err != nil {
		return nil, err
	}
	if contradiction.HasContradiction {
		if err := e.contradiction.MarkContradicted(ctx, contradiction.ContradictingObservations); err != nil {
			return nil, err
		}
		metrics.ContradictionsTotal.Add(float64(len(contradiction.ContradictingObservations)))
		e.logger.Info(ctx, "contradicting observations demoted",
			zap.String("observation_id", o.ID),
			zap.Strings("contradicted", contradiction.ContradictingObservations))
	}

	aggregation, err := e.aggregator.Aggregate(ctx, o)
	if err != nil {
		return nil, err
	}

	promotion, err := e.promoter.CheckAndPromote(ctx, aggregation.GroupID, aggregation.UniqueAgentCount, aggregation.CanonicalObservationID)
	if err != nil {
		return nil, err
	}

	res := &ProcessResult{
		Contradiction: contradiction,
		Aggregation:   aggregation,
		Promotion:     promotion,
	}

	e.logger.Debug(ctx, "observation processed",
		zap.String("observation_id", o.ID),
		zap.String("group_id", aggregation.GroupID),
		zap.Bool("new_group", aggregation.IsNew),
		zap.Int("unique_agents", aggregation.UniqueAgentCount),
		zap.String("status", string(promotion.NewStatus)))
	return res, nil
}

// FindFuzzyMatch reports a semantically similar observation without merging.
func (e *Engine) FindFuzzyMatch(ctx context.Context, o *observation.Observation) FuzzyMatchResult {
	res := e.fuzzy.FindMatch(ctx, o)
	switch {
	case res.Matched:
		metrics.FuzzyMatchesTotal.Inc()
	case res.Degraded != nil:
		metrics.RecordDegraded(res.Degraded.Op)
		e.logger.Debug(ctx, "fuzzy matching unavailable", zap.Error(res.Degraded))
	}
	return res
}

// ManualConfirm confirms an observation regardless of its agent count.
func (e *Engine) ManualConfirm(ctx context.Context, id, reason string) (*PromotionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.promoter.ManualConfirm(ctx, id, reason)
}

// Reject marks an observation contradicted.
func (e *Engine) Reject(ctx context.Context, id, reason string) (*PromotionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.promoter.Reject(ctx, id, reason)
}

// MarkStale marks an observation stale.
func (e *Engine) MarkStale(ctx context.Context, id, reason string) (*PromotionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.promoter.MarkStale(ctx, id, reason)
}

// CalculateConfidence exposes the promoter's confidence ramp.
func (e *Engine) CalculateConfidence(n int) float64 {
	return e.promoter.CalculateConfidence(n)
}

// Threshold is the number of distinct agents needed for confirmation.
func (e *Engine) Threshold() int {
	return e.config.Threshold
}

// SetFuzzyThreshold changes the fuzzy similarity threshold, clamped to [0,1].
func (e *Engine) SetFuzzyThreshold(threshold float64) {
	e.fuzzy.SetThreshold(threshold)
}
