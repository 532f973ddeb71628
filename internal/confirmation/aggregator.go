package confirmation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/storage"
)

// AggregationResult describes the group an observation was folded into.
type AggregationResult struct {
	IsNew                  bool   `json:"is_new"`
	GroupID                string `json:"group_id"`
	CanonicalObservationID string `json:"canonical_observation_id"`
	TotalConfirmations     int    `json:"total_confirmations"`
	UniqueAgentCount       int    `json:"unique_agent_count"`
}

// Aggregator groups observations sharing location, category and content digest.
type Aggregator struct {
	store Store
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// groupKey is the lower-cased location used for group lookups, so case
// variants of the same location confirm each other like the digest does.
func groupKey(o *observation.Observation) (domain, path string) {
	return strings.ToLower(o.Domain), strings.ToLower(o.Path)
}

// Aggregate adds o's agent to its confirmation group, creating the group on
// first sighting. An agent already in the group leaves it unchanged.
func (a *Aggregator) Aggregate(ctx context.Context, o *observation.Observation) (*AggregationResult, error) {
	hash := observation.ContentHash(o.Domain, o.Path, o.Category, o.StructuredData)
	domain, path := groupKey(o)

	g, err := a.store.FindGroup(ctx, domain, path, o.Category, hash)
	if errors.Is(err, storage.ErrNotFound) {
		g = &observation.Group{
			Domain:                 domain,
			Path:                   path,
			Category:               o.Category,
			ContentHash:            hash,
			CanonicalObservationID: o.ID,
			TotalConfirmations:     1,
			UniqueAgents:           []string{o.AgentHash},
			Status:                 observation.StatusPending,
		}
		err = a.store.CreateGroup(ctx, g)
		if err == nil {
			return &AggregationResult{
				IsNew:                  true,
				GroupID:                g.ID,
				CanonicalObservationID: o.ID,
				TotalConfirmations:     1,
				UniqueAgentCount:       1,
			}, nil
		}
		if !errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("creating confirmation group: %w", err)
		}
		// Lost a race with another writer; fold into the winner.
		g, err = a.store.FindGroup(ctx, domain, path, o.Category, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("finding confirmation group: %w", err)
	}

	if !g.HasAgent(o.AgentHash) {
		g.UniqueAgents = append(g.UniqueAgents, o.AgentHash)
		g.TotalConfirmations++
		if err := a.store.UpdateGroup(ctx, g); err != nil {
			return nil, fmt.Errorf("updating confirmation group: %w", err)
		}
	}

	return &AggregationResult{
		GroupID:                g.ID,
		CanonicalObservationID: g.CanonicalObservationID,
		TotalConfirmations:     g.TotalConfirmations,
		UniqueAgentCount:       len(g.UniqueAgents),
	}, nil
}
