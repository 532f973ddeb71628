package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rforgeon/substrate/internal/confirmation"
	"github.com/rforgeon/substrate/internal/logging"
	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/storage"
)

// MaxFeedbackLength bounds free-text impact feedback.
const MaxFeedbackLength = 500

// ImpactInput is an agent's report after acting on an observation.
type ImpactInput struct {
	AgentID                string   `json:"agent_id,omitempty"`
	Helpful                bool     `json:"helpful"`
	TaskSucceeded          *bool    `json:"task_succeeded,omitempty"`
	ActualTimeSavedSeconds *float64 `json:"actual_time_saved_seconds,omitempty"`
	Feedback               string   `json:"feedback,omitempty"`
}

// ImpactResult echoes the recomputed impact statistics.
type ImpactResult struct {
	ObservationID string                  `json:"observation_id"`
	Stats         observation.ImpactStats `json:"impact_stats"`
	HelpfulRate   float64                 `json:"helpful_rate"`
	Message       string                  `json:"message"`
}

// ReportImpact records feedback on an observation. Unknown ids yield
// storage.ErrNotFound.
func (s *Service) ReportImpact(ctx context.Context, id string, in ImpactInput) (*ImpactResult, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: observation id is required", observation.ErrInvalid)
	}
	agent := s.agentID(in.AgentID)
	if strings.TrimSpace(agent) == "" {
		return nil, fmt.Errorf("%w: agent id is required", observation.ErrInvalid)
	}
	if t := in.ActualTimeSavedSeconds; t != nil && *t < 0 {
		return nil, fmt.Errorf("%w: actual_time_saved_seconds must be >= 0", observation.ErrInvalid)
	}
	if len(in.Feedback) > MaxFeedbackLength {
		return nil, fmt.Errorf("%w: feedback exceeds %d characters", observation.ErrInvalid, MaxFeedbackLength)
	}

	agentHash := observation.HashAgentID(agent)
	ctx = logging.WithAgentHash(ctx, agentHash)
	o, err := s.store.AddImpactReport(ctx, id, observation.ImpactReport{
		AgentHash:              agentHash,
		ActualTimeSavedSeconds: in.ActualTimeSavedSeconds,
		TaskSucceeded:          in.TaskSucceeded,
		Helpful:                in.Helpful,
		Feedback:               in.Feedback,
		ReportedAt:             s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	stats := observation.ComputeImpactStats(o.ImpactReports)
	if o.ImpactStats != nil {
		stats = *o.ImpactStats
	}
	res := &ImpactResult{
		ObservationID: o.ID,
		Stats:         stats,
		Message:       "Impact report recorded",
	}
	if stats.TotalUses > 0 {
		res.HelpfulRate = float64(stats.HelpfulCount) / float64(stats.TotalUses) * 100
	}

	s.logger.Info(ctx, "impact reported",
		zap.String("observation_id", o.ID),
		zap.Bool("helpful", in.Helpful),
		zap.Int("total_uses", stats.TotalUses))
	return res, nil
}

// Confirm promotes an observation regardless of its agent count.
func (s *Service) Confirm(ctx context.Context, id, reason string) (*confirmation.PromotionResult, error) {
	return s.transition(ctx, "confirm", id, reason, s.engine.ManualConfirm)
}

// Reject marks an observation contradicted.
func (s *Service) Reject(ctx context.Context, id, reason string) (*confirmation.PromotionResult, error) {
	return s.transition(ctx, "reject", id, reason, s.engine.Reject)
}

// MarkStale marks an observation stale.
func (s *Service) MarkStale(ctx context.Context, id, reason string) (*confirmation.PromotionResult, error) {
	return s.transition(ctx, "stale", id, reason, s.engine.MarkStale)
}

type transitionFunc func(ctx context.Context, id, reason string) (*confirmation.PromotionResult, error)

func (s *Service) transition(ctx context.Context, action, id, reason string, fn transitionFunc) (*confirmation.PromotionResult, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: observation id is required", observation.ErrInvalid)
	}
	res, err := fn(ctx, id, reason)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", action, id, err)
	}
	s.logger.Info(ctx, "manual transition",
		zap.String("action", action),
		zap.String("observation_id", id),
		zap.String("status", string(res.NewStatus)),
		zap.String("message", res.Message))
	return res, nil
}

// ExpireStale marks observations still pending after StaleAfter as stale and
// returns how many it changed. It runs once per sync cycle.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	if s.config.StaleAfter <= 0 {
		return 0, nil
	}
	ids, err := s.store.PendingOlderThan(ctx, now.Add(-s.config.StaleAfter))
	if err != nil {
		return 0, err
	}

	reason := fmt.Sprintf("no confirmation within %s", s.config.StaleAfter)
	expired := 0
	for _, id := range ids {
		res, err := s.engine.MarkStale(ctx, id, reason)
		if err != nil {
			return expired, fmt.Errorf("expiring %s: %w", id, err)
		}
		if res.NewStatus == observation.StatusStale {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info(ctx, "expired pending observations", zap.Int("count", expired))
	}
	return expired, nil
}

// Rebuild replays the observation log into a fresh database.
func (s *Service) Rebuild(ctx context.Context) (*storage.RebuildReport, error) {
	report, err := s.store.Rebuild(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuilding store: %w", err)
	}
	s.logger.Info(ctx, "store rebuilt",
		zap.Int("records", report.Records),
		zap.Int("observations", report.Observations),
		zap.Int("groups", report.Groups))
	return report, nil
}
