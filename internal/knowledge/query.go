package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rforgeon/substrate/internal/metrics"
	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/storage"
	"github.com/rforgeon/substrate/internal/vectorindex"
)

// Search limits.
const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 50
)

// Search modes.
const (
	ModeSemantic = "semantic"
	ModeKeyword  = "keyword"
)

// Get returns one observation. Missing ids yield storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*observation.Observation, error) {
	return s.store.Get(ctx, id)
}

// Lookup lists observations matching f, ordered by confidence then recency.
func (s *Service) Lookup(ctx context.Context, f storage.QueryFilter) (*storage.QueryResult, error) {
	if f.Category != "" && !f.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", observation.ErrInvalid, f.Category)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", observation.ErrInvalid, f.Status)
	}
	if f.MinConfidence < 0 || f.MinConfidence > 1 {
		return nil, fmt.Errorf("%w: min_confidence must be within [0,1]", observation.ErrInvalid)
	}
	return s.store.Query(ctx, f)
}

// ObservationsSince lists observations recorded after afterID in log order,
// as first recorded and including those imported from peers. An empty or
// unknown id lists all.
func (s *Service) ObservationsSince(ctx context.Context, afterID string) ([]*observation.Observation, error) {
	list, err := s.store.ObservationsSince(ctx, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to read observation log: %w", err)
	}
	if list == nil {
		list = []*observation.Observation{}
	}
	return list, nil
}

// SearchInput is a natural-language search with optional payload filters.
type SearchInput struct {
	Query         string               `json:"query"`
	Domain        string               `json:"domain,omitempty"`
	Category      observation.Category `json:"category,omitempty"`
	Status        observation.Status   `json:"status,omitempty"`
	MinConfidence float64              `json:"min_confidence,omitempty"`
	Limit         int                  `json:"limit,omitempty"`
}

// SearchHit is an observation with its similarity score. Keyword hits score 0.
type SearchHit struct {
	*observation.Observation
	Score float32 `json:"score"`
}

// SearchResult lists hits and how they were found.
type SearchResult struct {
	Results  []SearchHit                 `json:"results"`
	Mode     string                      `json:"mode"`
	Degraded *vectorindex.DegradedReason `json:"degraded,omitempty"`
}

// Search finds observations similar to in.Query. When the similarity index is
// unavailable it falls back to a keyword match over summary and domain.
func (s *Service) Search(ctx context.Context, in SearchInput) (*SearchResult, error) {
	ctx, span := s.tracer.Start(ctx, "knowledge.Search", trace.WithAttributes(
		attribute.String("domain", in.Domain),
		attribute.Int("limit", in.Limit),
	))
	defer span.End()

	res, err := s.search(ctx, in)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("mode", res.Mode),
		attribute.Int("results", len(res.Results)),
	)
	return res, nil
}

func (s *Service) search(ctx context.Context, in SearchInput) (*SearchResult, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", observation.ErrInvalid)
	}
	if in.Category != "" && !in.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", observation.ErrInvalid, in.Category)
	}
	if in.Status != "" && !in.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", observation.ErrInvalid, in.Status)
	}
	limit := in.Limit
	switch {
	case limit <= 0:
		limit = DefaultSearchLimit
	case limit > MaxSearchLimit:
		limit = MaxSearchLimit
	}

	res := s.index.Search(ctx, query, limit, vectorindex.Filters{
		Domain:        in.Domain,
		Category:      string(in.Category),
		Status:        string(in.Status),
		MinConfidence: in.MinConfidence,
	})
	if !res.OK() {
		metrics.RecordDegraded(res.Degraded.Op)
		s.logger.Warn(ctx, "semantic search degraded, using keyword match", zap.Error(res.Degraded))
		return s.keywordSearch(ctx, query, in, limit, res.Degraded)
	}

	hits := make([]SearchHit, 0, len(res.Value))
	for _, h := range res.Value {
		o, err := s.store.Get(ctx, h.ObservationID)
		if errors.Is(err, storage.ErrNotFound) {
			// Points can outlive a rebuilt database.
			continue
		}
		if err != nil {
			return nil, err
		}
		hits = append(hits, SearchHit{Observation: o, Score: h.Score})
	}
	return &SearchResult{Results: hits, Mode: ModeSemantic}, nil
}

func (s *Service) keywordSearch(ctx context.Context, query string, in SearchInput, limit int, reason *vectorindex.DegradedReason) (*SearchResult, error) {
	list, err := s.store.KeywordSearch(ctx, query, storage.QueryFilter{
		Domain:        in.Domain,
		Category:      in.Category,
		Status:        in.Status,
		MinConfidence: in.MinConfidence,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(list))
	for _, o := range list {
		hits = append(hits, SearchHit{Observation: o})
	}
	return &SearchResult{Results: hits, Mode: ModeKeyword, Degraded: reason}, nil
}

// Stats combines store counters, peer sync state and the index size.
type Stats struct {
	*storage.Stats
	Peers           []*observation.SyncState    `json:"peers"`
	VectorIndexSize *uint64                     `json:"vector_index_size,omitempty"`
	Degraded        *vectorindex.DegradedReason `json:"degraded,omitempty"`
}

// Stats reports knowledge base statistics.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	peers, err := s.store.SyncStates(ctx)
	if err != nil {
		return nil, err
	}
	if peers == nil {
		peers = []*observation.SyncState{}
	}

	out := &Stats{Stats: st, Peers: peers}
	if res := s.index.CollectionStats(ctx); res.OK() {
		n := res.Value.PointCount
		out.VectorIndexSize = &n
	} else {
		out.Degraded = res.Degraded
	}
	return out, nil
}

// Failures lists high and critical error observations, newest first.
func (s *Service) Failures(ctx context.Context, domain string, limit int) ([]*observation.Observation, error) {
	list, err := s.store.Failures(ctx, domain, limit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*observation.Observation{}
	}
	return list, nil
}

// Domains lists every observed domain with its observation count.
func (s *Service) Domains(ctx context.Context) ([]storage.DomainCount, error) {
	return s.store.Domains(ctx)
}
