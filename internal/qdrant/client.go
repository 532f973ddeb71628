// Package qdrant is the gRPC client for the Qdrant vector database that backs
// observation similarity search.
package qdrant

import (
	"context"
)

// Client is the subset of Qdrant operations substrate relies on.
type Client interface {
	// Collection operations
	CreateCollection(ctx context.Context, name string, vectorSize uint64) error
	DeleteCollection(ctx context.Context, name string) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateFieldIndex(ctx context.Context, collection, field string, fieldType FieldType) error
	Count(ctx context.Context, collection string) (uint64, error)

	// Point operations
	Upsert(ctx context.Context, collection string, points []*Point) error
	Search(ctx context.Context, collection string, vector []float32, limit uint64, filter *Filter) ([]*ScoredPoint, error)
	SetPayload(ctx context.Context, collection string, ids []string, payload map[string]interface{}) error
	Delete(ctx context.Context, collection string, ids []string) error

	Health(ctx context.Context) error
	Close() error
}

// FieldType is the schema of a payload index.
type FieldType int

const (
	FieldKeyword FieldType = iota
	FieldFloat
	FieldDatetime
)

// Point is a vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	Point
	Score float32
}

// Filter restricts search results by payload.
type Filter struct {
	Must    []Condition
	Should  []Condition
	MustNot []Condition
}

// Condition matches one payload field, either exactly or by range.
type Condition struct {
	Field string
	Match interface{}
	Range *RangeCondition
}

// RangeCondition bounds a numeric payload field.
type RangeCondition struct {
	Gte *float64
	Lte *float64
	Gt  *float64
	Lt  *float64
}
