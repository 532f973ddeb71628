package confirmation

import (
	"context"
	"fmt"
	"time"

	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/storage"
	"github.com/rforgeon/substrate/internal/vectorindex"
)

// Config tunes promotion and contradiction detection.
type Config struct {
	// Threshold is the number of distinct agents that confirms an observation.
	Threshold int

	// ConfidenceFactor is the agent count at which confidence reaches 1.
	ConfidenceFactor float64

	// ContradictionWindow is how far back conflicting observations are demoted.
	ContradictionWindow time.Duration

	// FuzzyThreshold is the minimum similarity for a fuzzy match, in [0,1].
	FuzzyThreshold float64
}

// DefaultConfig returns threshold 3, factor 6, a 24h window and 0.85 similarity.
func DefaultConfig() Config {
	return Config{
		Threshold:           3,
		ConfidenceFactor:    6,
		ContradictionWindow: 24 * time.Hour,
		FuzzyThreshold:      0.85,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Threshold < 1 {
		return fmt.Errorf("threshold must be >= 1, got %d", c.Threshold)
	}
	if c.ConfidenceFactor <= 0 {
		return fmt.Errorf("confidence factor must be > 0, got %v", c.ConfidenceFactor)
	}
	if c.ContradictionWindow <= 0 {
		return fmt.Errorf("contradiction window must be positive")
	}
	if c.FuzzyThreshold < 0 || c.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy threshold must be within [0,1], got %v", c.FuzzyThreshold)
	}
	return nil
}

// Store is the subset of the storage facade the engine uses.
type Store interface {
	Get(ctx context.Context, id string) (*observation.Observation, error)
	UpdateStatus(ctx context.Context, change storage.StatusChange) error
	FindGroup(ctx context.Context, domain, path string, category observation.Category, contentHash string) (*observation.Group, error)
	GetGroup(ctx context.Context, id string) (*observation.Group, error)
	CreateGroup(ctx context.Context, g *observation.Group) error
	UpdateGroup(ctx context.Context, g *observation.Group) error
	RecentAtLocation(ctx context.Context, domain, path string, category observation.Category, since time.Time, limit int) ([]*observation.Observation, error)
}

// PayloadMirror copies status changes into the vector index payload.
type PayloadMirror interface {
	UpdatePayload(ctx context.Context, vectorID string, fields map[string]any) vectorindex.Result[struct{}]
}

// Searcher finds similar observations in the vector index.
type Searcher interface {
	Search(ctx context.Context, query string, limit int, filters vectorindex.Filters) vectorindex.Result[[]vectorindex.Hit]
}
