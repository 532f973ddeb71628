package confirmation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/storage"
)

// recentLimit caps how many same-location observations are compared.
const recentLimit = 50

// ContradictionResult lists the prior observations a new one conflicts with.
type ContradictionResult struct {
	HasContradiction          bool     `json:"has_contradiction"`
	ContradictingObservations []string `json:"contradicting_observations"`
	Message                   string   `json:"message"`
}

// ContradictionDetector finds recent same-location observations whose
// structured data disagrees with a new one.
type ContradictionDetector struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

// NewContradictionDetector creates a detector looking back window from now().
func NewContradictionDetector(store Store, window time.Duration, now func() time.Time) *ContradictionDetector {
	if now == nil {
		now = time.Now
	}
	return &ContradictionDetector{store: store, window: window, now: now}
}

// Detect compares o against live observations at its location created within
// the window. o itself and contradicted or stale observations are skipped.
func (d *ContradictionDetector) Detect(ctx context.Context, o *observation.Observation) (*ContradictionResult, error) {
	since := d.now().Add(-d.window)
	recent, err := d.store.RecentAtLocation(ctx, o.Domain, o.Path, o.Category, since, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("loading recent observations: %w", err)
	}

	ids := []string{}
	for _, prior := range recent {
		if prior.ID == o.ID {
			continue
		}
		if prior.Status == observation.StatusContradicted || prior.Status == observation.StatusStale {
			continue
		}
		if DataConflicts(o.StructuredData, prior.StructuredData) {
			ids = append(ids, prior.ID)
		}
	}

	if len(ids) == 0 {
		return &ContradictionResult{ContradictingObservations: ids, Message: "No contradictions detected"}, nil
	}
	return &ContradictionResult{
		HasContradiction:          true,
		ContradictingObservations: ids,
		Message:                   fmt.Sprintf("Found %d potentially contradicting observation(s)", len(ids)),
	}, nil
}

// MarkContradicted moves every id to contradicted, leaving confidence as is.
func (d *ContradictionDetector) MarkContradicted(ctx context.Context, ids []string) error {
	for _, id := range ids {
		err := d.store.UpdateStatus(ctx, storage.StatusChange{
			ObservationID: id,
			Status:        observation.StatusContradicted,
		})
		if err != nil {
			return fmt.Errorf("marking %s contradicted: %w", id, err)
		}
	}
	return nil
}

// DataConflicts reports whether a and b define a shared key with different
// non-null values. Missing or null values never conflict.
func DataConflicts(a, b map[string]any) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for key, va := range a {
		vb, ok := b[key]
		if !ok || va == nil || vb == nil {
			continue
		}
		ja, errA := json.Marshal(va)
		jb, errB := json.Marshal(vb)
		if errA != nil || errB != nil {
			continue
		}
		if !bytes.Equal(ja, jb) {
			return true
		}
	}
	return false
}
