package observation

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// TestBatchIDGenerator_Monotonic tests that ids sort strictly even with a frozen clock.
func TestBatchIDGenerator_Monotonic(t *testing.T) {
	gen := NewBatchIDGenerator(func() time.Time { return fixedNow })

	pattern := regexp.MustCompile(`^sync_[0-9a-z]+_[0-9a-f]{8}$`)
	prev := ""
	for i := 0; i < 100; i++ {
		id := gen.Next()
		require.Regexp(t, pattern, id)
		assert.Greater(t, id, prev)
		prev = id
	}
}

// TestBatchIDGenerator_ClockStepsBack tests that a backwards clock never produces a smaller id.
func TestBatchIDGenerator_ClockStepsBack(t *testing.T) {
	current := fixedNow
	gen := NewBatchIDGenerator(func() time.Time { return current })

	first := gen.Next()
	current = current.Add(-time.Hour)
	second := gen.Next()

	assert.Greater(t, second, first)
}

func TestNewID(t *testing.T) {
	assert.NotEqual(t, NewID(), NewID())
	assert.Len(t, NewID(), 36)
}
