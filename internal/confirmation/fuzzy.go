package confirmation

import (
	"context"
	"math"
	"sync"

	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/vectorindex"
)

// fuzzyCandidates is how many neighbours are inspected per lookup.
const fuzzyCandidates = 5

// FuzzyMatchResult is the best similar observation, if any cleared the threshold.
type FuzzyMatchResult struct {
	Matched              bool    `json:"matched"`
	MatchedObservationID string  `json:"matched_observation_id,omitempty"`
	Similarity           float32 `json:"similarity"`

	Degraded *vectorindex.DegradedReason `json:"degraded,omitempty"`
}

// FuzzyMatcher finds observations that say the same thing in different words.
type FuzzyMatcher struct {
	searcher Searcher

	mu        sync.RWMutex
	threshold float64
}

// NewFuzzyMatcher creates a matcher. A nil searcher never matches.
func NewFuzzyMatcher(searcher Searcher, threshold float64) *FuzzyMatcher {
	m := &FuzzyMatcher{searcher: searcher}
	m.SetThreshold(threshold)
	return m
}

// SetThreshold sets the minimum similarity, clamped to [0,1].
func (m *FuzzyMatcher) SetThreshold(threshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = math.Max(0, math.Min(1, threshold))
}

// Threshold returns the current minimum similarity.
func (m *FuzzyMatcher) Threshold() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threshold
}

// FindMatch searches the same domain and category for o's nearest neighbour,
// skipping o itself. An unavailable index yields no match.
func (m *FuzzyMatcher) FindMatch(ctx context.Context, o *observation.Observation) FuzzyMatchResult {
	if m.searcher == nil {
		return FuzzyMatchResult{Degraded: vectorindex.Degrade("search", vectorindex.ErrUnavailable)}
	}

	res := m.searcher.Search(ctx, observation.MatchQuery(o), fuzzyCandidates, vectorindex.Filters{
		Domain:   o.Domain,
		Category: string(o.Category),
	})
	if !res.OK() {
		return FuzzyMatchResult{Degraded: res.Degraded}
	}

	threshold := float32(m.Threshold())
	var best float32
	for _, hit := range res.Value {
		if hit.ObservationID == o.ID {
			continue
		}
		if hit.Score >= threshold {
			return FuzzyMatchResult{Matched: true, MatchedObservationID: hit.ObservationID, Similarity: hit.Score}
		}
		if hit.Score > best {
			best = hit.Score
		}
	}
	return FuzzyMatchResult{Similarity: best}
}
