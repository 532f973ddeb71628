package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rforgeon/substrate/internal/embeddings"
	"github.com/rforgeon/substrate/internal/logging"
	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/qdrant"
)

// Service is the similarity-index contract the rest of substrate consumes.
type Service interface {
	Available(ctx context.Context) bool
	Upsert(ctx context.Context, o *observation.Observation) Result[string]
	Search(ctx context.Context, query string, limit int, filters Filters) Result[[]Hit]
	UpdatePayload(ctx context.Context, vectorID string, fields map[string]any) Result[struct{}]
	Delete(ctx context.Context, vectorID string) Result[struct{}]
	CollectionStats(ctx context.Context) Result[Stats]
}

// Payload keys written for every point.
const (
	PayloadObservationID = "observation_id"
	PayloadDomain        = "domain"
	PayloadPath          = "path"
	PayloadCategory      = "category"
	PayloadStatus        = "status"
	PayloadConfidence    = "confidence"
	PayloadUrgency       = "urgency"
	PayloadAgentHash     = "agent_hash"
	PayloadContentHash   = "content_hash"
	PayloadCreatedAt     = "created_at"
)

var payloadIndexes = []struct {
	field string
	typ   qdrant.FieldType
}{
	{PayloadDomain, qdrant.FieldKeyword},
	{PayloadCategory, qdrant.FieldKeyword},
	{PayloadStatus, qdrant.FieldKeyword},
	{PayloadConfidence, qdrant.FieldFloat},
	{PayloadCreatedAt, qdrant.FieldDatetime},
}

// Config names the collection and its vector size.
type Config struct {
	Collection string
	VectorSize uint64
}

// Index embeds observations and stores them in Qdrant.
// A nil client makes every operation degrade with ErrUnavailable.
type Index struct {
	client   qdrant.Client
	embedder embeddings.Embedder
	config   Config
	logger   *logging.Logger

	mu    sync.Mutex
	ready bool
}

var _ Service = (*Index)(nil)

// New creates an index. The collection is created lazily on first use.
func New(client qdrant.Client, embedder embeddings.Embedder, config Config, logger *logging.Logger) *Index {
	if logger == nil {
		logger = logging.NewNop()
	}
	if config.Collection == "" {
		config.Collection = "substrate_observations"
	}
	if config.VectorSize == 0 {
		config.VectorSize = 384
	}
	return &Index{
		client:   client,
		embedder: embedder,
		config:   config,
		logger:   logger.Named("vectorindex"),
	}
}

// Disabled returns an index that always reports ErrUnavailable.
func Disabled() *Index {
	return New(nil, nil, Config{}, nil)
}

func (ix *Index) enabled() bool {
	return ix.client != nil && ix.embedder != nil
}

// ensureCollection creates the collection and its payload indexes once.
func (ix *Index) ensureCollection(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.ready {
		return nil
	}

	exists, err := ix.client.CollectionExists(ctx, ix.config.Collection)
	if err != nil {
		return fmt.Errorf("checking collection: %w", err)
	}
	if !exists {
		if err := ix.client.CreateCollection(ctx, ix.config.Collection, ix.config.VectorSize); err != nil {
			return fmt.Errorf("creating collection: %w", err)
		}
		for _, idx := range payloadIndexes {
			if err := ix.client.CreateFieldIndex(ctx, ix.config.Collection, idx.field, idx.typ); err != nil {
				// Filters still work without an index, only slower.
				ix.logger.Warn(ctx, "failed to create payload index",
					zap.String("field", idx.field), zap.Error(err))
			}
		}
		ix.logger.Info(ctx, "created vector collection",
			zap.String("collection", ix.config.Collection),
			zap.Uint64("vector_size", ix.config.VectorSize))
	}
	ix.ready = true
	return nil
}

func (ix *Index) prepare(ctx context.Context) error {
	if !ix.enabled() {
		return ErrUnavailable
	}
	return ix.ensureCollection(ctx)
}

// Available probes Qdrant and makes sure the collection exists.
func (ix *Index) Available(ctx context.Context) bool {
	if !ix.enabled() {
		return false
	}
	if err := ix.client.Health(ctx); err != nil {
		ix.logger.Debug(ctx, "vector index health check failed", zap.Error(err))
		return false
	}
	return ix.ensureCollection(ctx) == nil
}

// Upsert embeds o and stores it. The point reuses o.VectorID when set.
func (ix *Index) Upsert(ctx context.Context, o *observation.Observation) Result[string] {
	const op = "upsert"
	if err := ix.prepare(ctx); err != nil {
		return Fail[string](op, err)
	}

	vectors, err := ix.embedder.EmbedDocuments(ctx, []string{observation.SearchableText(o)})
	if err != nil {
		return Fail[string](op, err)
	}
	if len(vectors) != 1 {
		return Fail[string](op, fmt.Errorf("expected 1 vector, got %d", len(vectors)))
	}

	id := o.VectorID
	if id == "" {
		id = uuid.NewString()
	}
	point := &qdrant.Point{ID: id, Vector: vectors[0], Payload: PayloadFor(o)}
	if err := ix.client.Upsert(ctx, ix.config.Collection, []*qdrant.Point{point}); err != nil {
		return Fail[string](op, err)
	}
	return Ok(id)
}

// Search embeds query and returns the closest points passing filters.
func (ix *Index) Search(ctx context.Context, query string, limit int, filters Filters) Result[[]Hit] {
	const op = "search"
	if err := ix.prepare(ctx); err != nil {
		return Fail[[]Hit](op, err)
	}
	if limit <= 0 {
		limit = 10
	}

	vector, err := ix.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return Fail[[]Hit](op, err)
	}

	points, err := ix.client.Search(ctx, ix.config.Collection, vector, uint64(limit), buildFilter(filters))
	if err != nil {
		return Fail[[]Hit](op, err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		obsID, _ := p.Payload[PayloadObservationID].(string)
		if obsID == "" {
			continue
		}
		hits = append(hits, Hit{PointID: p.ID, Score: p.Score, ObservationID: obsID})
	}
	return Ok(hits)
}

// UpdatePayload merges fields into a point's payload without re-embedding.
func (ix *Index) UpdatePayload(ctx context.Context, vectorID string, fields map[string]any) Result[struct{}] {
	const op = "update_payload"
	if vectorID == "" {
		return Fail[struct{}](op, errors.New("vector id is required"))
	}
	if err := ix.prepare(ctx); err != nil {
		return Fail[struct{}](op, err)
	}
	if err := ix.client.SetPayload(ctx, ix.config.Collection, []string{vectorID}, fields); err != nil {
		return Fail[struct{}](op, err)
	}
	return Ok(struct{}{})
}

// Delete removes a point.
func (ix *Index) Delete(ctx context.Context, vectorID string) Result[struct{}] {
	const op = "delete"
	if err := ix.prepare(ctx); err != nil {
		return Fail[struct{}](op, err)
	}
	if err := ix.client.Delete(ctx, ix.config.Collection, []string{vectorID}); err != nil {
		return Fail[struct{}](op, err)
	}
	return Ok(struct{}{})
}

// CollectionStats reports the number of indexed points.
func (ix *Index) CollectionStats(ctx context.Context) Result[Stats] {
	const op = "collection_stats"
	if err := ix.prepare(ctx); err != nil {
		return Fail[Stats](op, err)
	}
	n, err := ix.client.Count(ctx, ix.config.Collection)
	if err != nil {
		return Fail[Stats](op, err)
	}
	return Ok(Stats{PointCount: n})
}

// Close releases the Qdrant connection.
func (ix *Index) Close() error {
	if ix.client == nil {
		return nil
	}
	return ix.client.Close()
}

// PayloadFor is the filterable payload stored alongside an observation's vector.
func PayloadFor(o *observation.Observation) map[string]any {
	return map[string]any{
		PayloadObservationID: o.ID,
		PayloadDomain:        o.Domain,
		PayloadPath:          o.Path,
		PayloadCategory:      string(o.Category),
		PayloadStatus:        string(o.Status),
		PayloadConfidence:    o.Confidence,
		PayloadUrgency:       string(o.Urgency),
		PayloadAgentHash:     o.AgentHash,
		PayloadContentHash:   o.ContentHash,
		PayloadCreatedAt:     o.CreatedAt,
	}
}

func buildFilter(f Filters) *qdrant.Filter {
	var must []qdrant.Condition
	if f.Domain != "" {
		must = append(must, qdrant.Condition{Field: PayloadDomain, Match: f.Domain})
	}
	if f.Category != "" {
		must = append(must, qdrant.Condition{Field: PayloadCategory, Match: f.Category})
	}
	if f.Status != "" {
		must = append(must, qdrant.Condition{Field: PayloadStatus, Match: f.Status})
	}
	if f.MinConfidence > 0 {
		gte := f.MinConfidence
		must = append(must, qdrant.Condition{Field: PayloadConfidence, Range: &qdrant.RangeCondition{Gte: &gte}})
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}
