package observation

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewID returns a random observation id.
func NewID() string {
	return uuid.NewString()
}

// BatchIDGenerator issues sync batch ids of the form sync_<base36 millis>_<8 hex>.
// Ids from one generator sort strictly after every id it issued before,
// even when the wall clock stalls or steps backwards.
type BatchIDGenerator struct {
	mu     sync.Mutex
	lastMs int64
	now    func() time.Time
}

// NewBatchIDGenerator creates a generator reading time from now (time.Now when nil).
func NewBatchIDGenerator(now func() time.Time) *BatchIDGenerator {
	if now == nil {
		now = time.Now
	}
	return &BatchIDGenerator{now: now}
}

// Next returns the next batch id.
func (g *BatchIDGenerator) Next() string {
	g.mu.Lock()
	ms := g.now().UnixMilli()
	if ms <= g.lastMs {
		ms = g.lastMs + 1
	}
	g.lastMs = ms
	g.mu.Unlock()

	return fmt.Sprintf("sync_%s_%s", strconv.FormatInt(ms, 36), uuid.NewString()[:8])
}
