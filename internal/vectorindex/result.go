// Package vectorindex is the similarity-search facade over an embedder and a
// Qdrant collection.
//
// The index is a derived view of storage. Every operation reports failure as
// a degraded Result instead of an error, so callers fall back to digest-only
// deduplication and keyword search when the index is down.
package vectorindex

import (
	"errors"
	"fmt"
)

// ErrUnavailable is the cause recorded when the index is disabled or unreachable.
var ErrUnavailable = errors.New("vector index unavailable")

// DegradedReason explains why an index operation did not happen.
type DegradedReason struct {
	Op    string `json:"op"`
	Cause string `json:"cause"`
	err   error
}

func (d *DegradedReason) Error() string {
	return fmt.Sprintf("vectorindex %s: %s", d.Op, d.Cause)
}

// Unwrap returns the underlying failure.
func (d *DegradedReason) Unwrap() error {
	return d.err
}

// Degrade builds a reason from op and err.
func Degrade(op string, err error) *DegradedReason {
	if err == nil {
		err = ErrUnavailable
	}
	return &DegradedReason{Op: op, Cause: err.Error(), err: err}
}

// Result is a value that may be missing because the index degraded.
type Result[T any] struct {
	Value    T
	Degraded *DegradedReason
}

// OK reports whether the operation succeeded.
func (r Result[T]) OK() bool {
	return r.Degraded == nil
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail wraps a degradation.
func Fail[T any](op string, err error) Result[T] {
	return Result[T]{Degraded: Degrade(op, err)}
}

// Filters narrow a similarity search by payload.
type Filters struct {
	Domain        string
	Category      string
	Status        string
	MinConfidence float64
}

// Hit is one similarity match.
type Hit struct {
	PointID       string  `json:"point_id"`
	Score         float32 `json:"score"`
	ObservationID string  `json:"observation_id"`
}

// Stats summarises the collection.
type Stats struct {
	PointCount uint64 `json:"point_count"`
}
