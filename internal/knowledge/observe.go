package knowledge

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rforgeon/substrate/internal/confirmation"
	"github.com/rforgeon/substrate/internal/logging"
	"github.com/rforgeon/substrate/internal/metrics"
	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/storage"
	"github.com/rforgeon/substrate/internal/vectorindex"
)

// ObserveInput is one agent's submission.
type ObserveInput struct {
	AgentID        string                      `json:"agent_id,omitempty"`
	Domain         string                      `json:"domain"`
	Path           string                      `json:"path,omitempty"`
	Category       observation.Category        `json:"category"`
	Summary        string                      `json:"summary"`
	StructuredData map[string]any              `json:"structured_data,omitempty"`
	ImpactEstimate *observation.ImpactEstimate `json:"impact_estimate,omitempty"`
	Urgency        observation.Urgency         `json:"urgency,omitempty"`
	Tags           []string                    `json:"tags,omitempty"`
	ExpiresAt      *time.Time                  `json:"expires_at,omitempty"`
}

// ObserveResult reports what happened to a submission.
type ObserveResult struct {
	ObservationID  string                         `json:"observation_id"`
	Status         observation.Status             `json:"status"`
	Confidence     float64                        `json:"confidence"`
	Confirmations  int                            `json:"confirmations"`
	IsNewGroup     bool                           `json:"is_new_group"`
	GroupID        string                         `json:"group_id"`
	Contradictions []string                       `json:"contradictions"`
	FuzzyMatch     *confirmation.FuzzyMatchResult `json:"fuzzy_match,omitempty"`
	UrgentQueued   bool                           `json:"urgent_queued"`
	Message        string                         `json:"message"`
	Degraded       []*vectorindex.DegradedReason  `json:"degraded,omitempty"`
}

// Observe validates, stores, indexes and processes a new observation.
func (s *Service) Observe(ctx context.Context, in ObserveInput) (*ObserveResult, error) {
	ctx, span := s.tracer.Start(ctx, "knowledge.Observe", trace.WithAttributes(
		attribute.String("domain", in.Domain),
		attribute.String("category", string(in.Category)),
	))
	defer span.End()

	res, err := s.observe(ctx, in)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("observation_id", res.ObservationID),
		attribute.String("status", string(res.Status)),
		attribute.Int("confirmations", res.Confirmations),
		attribute.Bool("urgent", res.UrgentQueued),
	)
	return res, nil
}

func (s *Service) observe(ctx context.Context, in ObserveInput) (*ObserveResult, error) {
	o, err := observation.New(observation.NewParams{
		AgentID:        s.agentID(in.AgentID),
		Domain:         in.Domain,
		Path:           in.Path,
		Category:       in.Category,
		Summary:        in.Summary,
		StructuredData: in.StructuredData,
		ImpactEstimate: in.ImpactEstimate,
		Urgency:        in.Urgency,
		Tags:           in.Tags,
		ExpiresAt:      in.ExpiresAt,
	}, s.now())
	if err != nil {
		return nil, err
	}
	ctx = logging.WithAgentHash(ctx, o.AgentHash)

	if !s.limiter.Allow(o.AgentHash) {
		s.logger.Warn(ctx, "observation rejected by rate limit")
		return nil, ErrRateLimited
	}

	if err := s.store.Insert(ctx, o, storage.OriginLocal); err != nil {
		return nil, fmt.Errorf("storing observation: %w", err)
	}
	metrics.ObservationsTotal.WithLabelValues(string(o.Category), storage.OriginLocal).Inc()

	var degraded []*vectorindex.DegradedReason
	if reason, err := s.indexObservation(ctx, o); err != nil {
		return nil, err
	} else if reason != nil {
		degraded = append(degraded, reason)
	}

	processed, err := s.engine.Process(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("processing observation %s: %w", o.ID, err)
	}

	urgent := false
	if s.sync != nil {
		urgent = s.sync.ExportObservation(o)
	}

	res := &ObserveResult{
		ObservationID:  o.ID,
		Status:         o.Status,
		Confidence:     o.Confidence,
		Confirmations:  o.Confirmations,
		Contradictions: []string{},
		UrgentQueued:   urgent,
		Degraded:       degraded,
	}
	if c := processed.Contradiction; c != nil && c.HasContradiction {
		res.Contradictions = c.ContradictingObservations
	}
	if a := processed.Aggregation; a != nil {
		res.IsNewGroup = a.IsNew
		res.GroupID = a.GroupID
		res.Confirmations = a.UniqueAgentCount
	}
	if p := processed.Promotion; p != nil {
		res.Status = p.NewStatus
		res.Confidence = p.NewConfidence
		res.Message = "Observation recorded. " + p.Message
		if p.MirrorDegraded != nil {
			res.Degraded = append(res.Degraded, p.MirrorDegraded)
		}
	}
	if f := processed.Fuzzy; f != nil {
		if f.Degraded != nil {
			res.Degraded = append(res.Degraded, f.Degraded)
		}
		if f.Matched {
			res.FuzzyMatch = f
		}
	}

	s.logger.Info(ctx, "observation recorded",
		zap.String("observation_id", o.ID),
		zap.String("domain", o.Domain),
		zap.String("category", string(o.Category)),
		zap.String("status", string(res.Status)),
		zap.Int("confirmations", res.Confirmations),
		zap.Bool("urgent", urgent))
	return res, nil
}

// indexObservation embeds o and records its vector id. Index failures degrade;
// only a failure to persist the vector id is returned as an error.
func (s *Service) indexObservation(ctx context.Context, o *observation.Observation) (*vectorindex.DegradedReason, error) {
	res := s.index.Upsert(ctx, o)
	if !res.OK() {
		metrics.RecordDegraded(res.Degraded.Op)
		s.logger.Warn(ctx, "indexing observation failed",
			zap.String("observation_id", o.ID), zap.Error(res.Degraded))
		return res.Degraded, nil
	}
	if err := s.store.SetVectorID(ctx, o.ID, res.Value); err != nil {
		return nil, fmt.Errorf("recording vector id: %w", err)
	}
	o.VectorID = res.Value
	return nil, nil
}
