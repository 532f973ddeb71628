package confirmation

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/rforgeon/substrate/internal/logging"
	"github.com/rforgeon/substrate/internal/metrics"
	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/storage"
	"github.com/rforgeon/substrate/internal/vectorindex"
)

// MsgNotFound is the message of a transition on an unknown observation.
const MsgNotFound = "Observation not found"

// PromotionResult is the outcome of a promotion check or a manual transition.
type PromotionResult struct {
	Promoted      bool               `json:"promoted"`
	NewStatus     observation.Status `json:"new_status"`
	NewConfidence float64            `json:"new_confidence"`
	Message       string             `json:"message"`

	// MirrorDegraded is set when the vector payload could not be updated.
	MirrorDegraded *vectorindex.DegradedReason `json:"mirror_degraded,omitempty"`
}

func notFoundResult() *PromotionResult {
	return &PromotionResult{NewStatus: observation.StatusPending, Message: MsgNotFound}
}

// Promoter owns the confirmation state machine.
type Promoter struct {
	store  Store
	mirror PayloadMirror
	config Config
	logger *logging.Logger
}

// NewPromoter creates a promoter. mirror may be nil.
func NewPromoter(store Store, mirror PayloadMirror, config Config, logger *logging.Logger) *Promoter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Promoter{store: store, mirror: mirror, config: config, logger: logger}
}

// CalculateConfidence is min(1, n / confidence factor).
func (p *Promoter) CalculateConfidence(n int) float64 {
	return math.Min(1, float64(n)/p.config.ConfidenceFactor)
}

// CheckAndPromote recomputes confidence from uniqueAgentCount and confirms a
// pending canonical observation once the threshold is reached. Status and
// confidence are written to the observation and its group either way.
func (p *Promoter) CheckAndPromote(ctx context.Context, groupID string, uniqueAgentCount int, canonicalID string) (*PromotionResult, error) {
	o, err := p.store.Get(ctx, canonicalID)
	if errors.Is(err, storage.ErrNotFound) {
		return notFoundResult(), nil
	}
	if err != nil {
		return nil, err
	}
	g, err := p.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	confidence := p.CalculateConfidence(uniqueAgentCount)
	status := o.Status
	if uniqueAgentCount >= p.config.Threshold && o.Status == observation.StatusPending {
		status = observation.StatusConfirmed
	}

	count := uniqueAgentCount
	if err := p.store.UpdateStatus(ctx, storage.StatusChange{
		ObservationID: canonicalID,
		Status:        status,
		Confidence:    &confidence,
		Confirmations: &count,
		Agents:        g.UniqueAgents,
	}); err != nil {
		return nil, err
	}

	g.Status = status
	g.Confidence = confidence
	if err := p.store.UpdateGroup(ctx, g); err != nil {
		return nil, err
	}

	res := &PromotionResult{
		Promoted:      status == observation.StatusConfirmed && o.Status == observation.StatusPending,
		NewStatus:     status,
		NewConfidence: confidence,
	}
	if res.Promoted {
		res.Message = fmt.Sprintf("Observation promoted to confirmed (%d unique agents)", uniqueAgentCount)
		metrics.PromotionsTotal.WithLabelValues(string(status), "auto").Inc()
		p.logger.Info(ctx, "observation promoted",
			zap.String("observation_id", canonicalID),
			zap.Int("unique_agents", uniqueAgentCount),
			zap.Float64("confidence", confidence))
	} else {
		res.Message = fmt.Sprintf("Observation updated (%d/%d confirmations)", uniqueAgentCount, p.config.Threshold)
	}

	res.MirrorDegraded = p.mirrorPayload(ctx, o, map[string]any{
		vectorindex.PayloadStatus:     string(status),
		vectorindex.PayloadConfidence: confidence,
	})
	return res, nil
}

// ManualConfirm confirms an observation regardless of its agent count.
func (p *Promoter) ManualConfirm(ctx context.Context, id, reason string) (*PromotionResult, error) {
	msg := "Manually confirmed by admin"
	if reason != "" {
		msg = "Manually confirmed: " + reason
	}
	return p.transition(ctx, id, observation.StatusConfirmed, ptr(1.0), true, msg)
}

// Reject marks an observation contradicted with confidence 0.
func (p *Promoter) Reject(ctx context.Context, id, reason string) (*PromotionResult, error) {
	msg := "Rejected"
	if reason != "" {
		msg = "Rejected: " + reason
	}
	return p.transition(ctx, id, observation.StatusContradicted, ptr(0.0), false, msg)
}

// MarkStale marks an observation stale and leaves its confidence unchanged.
func (p *Promoter) MarkStale(ctx context.Context, id, reason string) (*PromotionResult, error) {
	msg := "Marked as stale"
	if reason != "" {
		msg = "Marked stale: " + reason
	}
	return p.transition(ctx, id, observation.StatusStale, nil, false, msg)
}

func (p *Promoter) transition(ctx context.Context, id string, status observation.Status, confidence *float64, promoted bool, msg string) (*PromotionResult, error) {
	o, err := p.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return notFoundResult(), nil
	}
	if err != nil {
		return nil, err
	}

	if err := p.store.UpdateStatus(ctx, storage.StatusChange{
		ObservationID: id,
		Status:        status,
		Confidence:    confidence,
	}); err != nil {
		return nil, err
	}

	newConfidence := o.Confidence
	fields := map[string]any{vectorindex.PayloadStatus: string(status)}
	if confidence != nil {
		newConfidence = *confidence
		fields[vectorindex.PayloadConfidence] = newConfidence
	}

	if err := p.syncCanonicalGroup(ctx, o, status, newConfidence); err != nil {
		return nil, err
	}

	metrics.PromotionsTotal.WithLabelValues(string(status), "manual").Inc()
	p.logger.Info(ctx, "observation status set manually",
		zap.String("observation_id", id),
		zap.String("status", string(status)),
		zap.String("message", msg))

	return &PromotionResult{
		Promoted:       promoted,
		NewStatus:      status,
		NewConfidence:  newConfidence,
		Message:        msg,
		MirrorDegraded: p.mirrorPayload(ctx, o, fields),
	}, nil
}

// syncCanonicalGroup keeps a group's mirrored status in step when its
// canonical observation changes by hand.
func (p *Promoter) syncCanonicalGroup(ctx context.Context, o *observation.Observation, status observation.Status, confidence float64) error {
	domain, path := groupKey(o)
	g, err := p.store.FindGroup(ctx, domain, path, o.Category, observation.ContentHash(o.Domain, o.Path, o.Category, o.StructuredData))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if g.CanonicalObservationID != o.ID {
		return nil
	}
	g.Status = status
	g.Confidence = confidence
	return p.store.UpdateGroup(ctx, g)
}

// mirrorPayload is best effort: the index is a derived view of storage.
func (p *Promoter) mirrorPayload(ctx context.Context, o *observation.Observation, fields map[string]any) *vectorindex.DegradedReason {
	if p.mirror == nil || o.VectorID == "" {
		return nil
	}
	res := p.mirror.UpdatePayload(ctx, o.VectorID, fields)
	if res.OK() {
		return nil
	}
	metrics.RecordDegraded(res.Degraded.Op)
	p.logger.Warn(ctx, "vector payload mirror failed",
		zap.String("observation_id", o.ID),
		zap.String("vector_id", o.VectorID),
		zap.Error(res.Degraded))
	return res.Degraded
}

func ptr[T any](v T) *T {
	return &v
}
