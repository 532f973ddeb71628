package vectorindex

import (
	"context"
	"errors"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rforgeon/substrate/internal/observation"
)

// ScoreFunc scores how similar a query is to an indexed text, in [0,1].
type ScoreFunc func(query, text string) float32

// Memory is an in-process Service for tests and offline runs.
// Similarity defaults to token overlap (Jaccard) between the query and the
// observation's match text.
type Memory struct {
	mu          sync.Mutex
	points      map[string]*memoryPoint
	score       ScoreFunc
	unavailable error
}

type memoryPoint struct {
	text    string
	payload map[string]any
}

var _ Service = (*Memory)(nil)

// NewMemory returns an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{points: make(map[string]*memoryPoint), score: jaccard}
}

// SetScore replaces the similarity function.
func (m *Memory) SetScore(fn ScoreFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.score = fn
}

// SetUnavailable makes every operation degrade with err. A nil err restores service.
func (m *Memory) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = err
}

// Payload returns a copy of a point's payload, or nil.
func (m *Memory) Payload(vectorID string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.points[vectorID]
	if !ok {
		return nil
	}
	return maps.Clone(p.payload)
}

func (m *Memory) Available(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unavailable == nil
}

func (m *Memory) Upsert(_ context.Context, o *observation.Observation) Result[string] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return Fail[string]("upsert", m.unavailable)
	}
	id := o.VectorID
	if id == "" {
		id = uuid.NewString()
	}
	m.points[id] = &memoryPoint{text: observation.MatchQuery(o), payload: PayloadFor(o)}
	return Ok(id)
}

func (m *Memory) Search(_ context.Context, query string, limit int, f Filters) Result[[]Hit] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return Fail[[]Hit]("search", m.unavailable)
	}
	if limit <= 0 {
		limit = 10
	}

	var hits []Hit
	for id, p := range m.points {
		if !matches(p.payload, f) {
			continue
		}
		obsID, _ := p.payload[PayloadObservationID].(string)
		hits = append(hits, Hit{PointID: id, Score: m.score(query, p.text), ObservationID: obsID})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].PointID < hits[j].PointID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return Ok(hits)
}

func (m *Memory) UpdatePayload(_ context.Context, vectorID string, fields map[string]any) Result[struct{}] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return Fail[struct{}]("update_payload", m.unavailable)
	}
	p, ok := m.points[vectorID]
	if !ok {
		return Fail[struct{}]("update_payload", errors.New("point not found: "+vectorID))
	}
	maps.Copy(p.payload, fields)
	return Ok(struct{}{})
}

func (m *Memory) Delete(_ context.Context, vectorID string) Result[struct{}] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return Fail[struct{}]("delete", m.unavailable)
	}
	delete(m.points, vectorID)
	return Ok(struct{}{})
}

func (m *Memory) CollectionStats(context.Context) Result[Stats] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable != nil {
		return Fail[Stats]("collection_stats", m.unavailable)
	}
	return Ok(Stats{PointCount: uint64(len(m.points))})
}

func matches(payload map[string]any, f Filters) bool {
	if f.Domain != "" && payload[PayloadDomain] != f.Domain {
		return false
	}
	if f.Category != "" && payload[PayloadCategory] != f.Category {
		return false
	}
	if f.Status != "" && payload[PayloadStatus] != f.Status {
		return false
	}
	if f.MinConfidence > 0 {
		c, _ := payload[PayloadConfidence].(float64)
		if c < f.MinConfidence {
			return false
		}
	}
	return true
}

func jaccard(a, b string) float32 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float32(inter) / float32(union)
}

func tokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.Fields(strings.ToLower(s)) {
		out[f] = true
	}
	return out
}
