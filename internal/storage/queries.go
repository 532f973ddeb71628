package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rforgeon/substrate/internal/observation"
)

// Query limits.
const (
	DefaultQueryLimit = 20
	MaxQueryLimit     = 100
)

// QueryFilter selects observations. Zero values do not filter.
type QueryFilter struct {
	Domain        string
	Path          string
	Category      observation.Category
	Status        observation.Status
	MinConfidence float64
	Tags          []string
	Since         time.Time
	Limit         int
	Offset        int
}

func (f QueryFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Domain != "" {
		clauses = append(clauses, "domain = ?")
		args = append(args, f.Domain)
	}
	if f.Path != "" {
		clauses = append(clauses, "path = ?")
		args = append(args, f.Path)
	}
	if f.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.MinConfidence > 0 {
		clauses = append(clauses, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}
	for _, tag := range f.Tags {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(observations.tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// QueryResult is one page of observations.
type QueryResult struct {
	Observations []*observation.Observation `json:"observations"`
	Total        int                        `json:"total"`
	HasMore      bool                       `json:"has_more"`
}

// Query returns matching observations ordered by confidence, then recency.
func (s *Store) Query(ctx context.Context, f QueryFilter) (*QueryResult, error) {
	where, args := f.where()
	limit := clampLimit(f.Limit)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	total, err := s.count(ctx, where, args)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+observationColumns+` FROM observations`+where+
		` ORDER BY confidence DESC, created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	list, err := scanObservations(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to read observations: %w", err)
	}
	if list == nil {
		list = []*observation.Observation{}
	}
	return &QueryResult{
		Observations: list,
		Total:        total,
		HasMore:      offset+len(list) < total,
	}, nil
}

// Count returns the number of observations matching f.
func (s *Store) Count(ctx context.Context, f QueryFilter) (int, error) {
	where, args := f.where()
	return s.count(ctx, where, args)
}

func (s *Store) count(ctx context.Context, where string, args []any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}
	return n, nil
}

// KeywordSearch matches text against summary and domain. It backs semantic
// search when the similarity index is unavailable.
func (s *Store) KeywordSearch(ctx context.Context, text string, f QueryFilter) ([]*observation.Observation, error) {
	where, args := f.where()
	pattern := "%" + escapeLike(strings.TrimSpace(text)) + "%"
	cond := "(summary LIKE ? ESCAPE '\\' OR domain LIKE ? ESCAPE '\\')"
	if where == "" {
		where = " WHERE " + cond
	} else {
		where += " AND " + cond
	}
	args = append(args, pattern, pattern, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, `SELECT `+observationColumns+` FROM observations`+where+
		` ORDER BY confidence DESC, created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search observations: %w", err)
	}
	return scanObservations(rows)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Failures returns error observations of high or critical urgency, newest first.
func (s *Store) Failures(ctx context.Context, domain string, limit int) ([]*observation.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations
		WHERE category = 'error' AND urgency IN ('high', 'critical')`
	var args []any
	if domain != "" {
		query += ` AND domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	return scanObservations(rows)
}

// DomainCount is the number of observations recorded for a domain.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}

// Domains lists every domain with its observation count, most observed first.
func (s *Store) Domains(ctx context.Context) ([]DomainCount, error) {
	return s.domains(ctx, -1)
}

func (s *Store) domains(ctx context.Context, limit int) ([]DomainCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain, COUNT(*) AS n FROM observations
		GROUP BY domain ORDER BY n DESC, domain ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	defer rows.Close()

	out := []DomainCount{}
	for rows.Next() {
		var dc DomainCount
		if err := rows.Scan(&dc.Domain, &dc.Count); err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

// Stats summarises the store contents.
type Stats struct {
	TotalObservations int                          `json:"total_observations"`
	ByStatus          map[observation.Status]int   `json:"by_status"`
	ByCategory        map[observation.Category]int `json:"by_category"`
	DomainsCount      int                          `json:"domains_count"`
	TopDomains        []DomainCount                `json:"top_domains"`
	GroupsCount       int                          `json:"confirmation_groups"`
	LastExportBatchID string                       `json:"last_export_batch_id,omitempty"`
}

// Stats computes store-wide counters.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		ByStatus:   make(map[observation.Status]int),
		ByCategory: make(map[observation.Category]int),
	}
	for _, status := range observation.Statuses {
		st.ByStatus[status] = 0
	}
	for _, category := range observation.Categories {
		st.ByCategory[category] = 0
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT domain) FROM observations`).
		Scan(&st.TotalObservations, &st.DomainsCount); err != nil {
		return nil, fmt.Errorf("failed to count observations: %w", err)
	}

	if err := s.groupCount(ctx, `SELECT status, COUNT(*) FROM observations GROUP BY status`, func(k string, n int) {
		st.ByStatus[observation.Status(k)] = n
	}); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, `SELECT category, COUNT(*) FROM observations GROUP BY category`, func(k string, n int) {
		st.ByCategory[observation.Category(k)] = n
	}); err != nil {
		return nil, err
	}

	top, err := s.domains(ctx, 10)
	if err != nil {
		return nil, err
	}
	st.TopDomains = top

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM confirmation_groups`).Scan(&st.GroupsCount); err != nil {
		return nil, fmt.Errorf("failed to count confirmation groups: %w", err)
	}
	if st.LastExportBatchID, err = s.LastExportBatchID(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) groupCount(ctx context.Context, query string, fn func(key string, n int)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to aggregate observations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		fn(key, n)
	}
	return rows.Err()
}

// PendingOlderThan returns ids of pending observations created before cutoff.
func (s *Store) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM observations WHERE status = 'pending' AND created_at < ? ORDER BY created_at`,
		formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending observations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
