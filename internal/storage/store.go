// Package storage is the durable record store for observations.
//
// Every mutation is applied to a SQLite database inside a transaction and
// appended to a JSONL write-ahead log before that transaction commits. The log is the source of truth for replication and
// recovery; the database is a queryable view that Rebuild can reconstruct by
// replaying the log.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rforgeon/substrate/internal/observation"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when an observation or group does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when inserting an id or group key that already exists.
	ErrDuplicate = errors.New("already exists")
)

// Options configures Open.
type Options struct {
	// DBPath is the SQLite database file.
	DBPath string

	// LogPath is the append-only JSONL log.
	LogPath string

	Logger *zap.Logger

	// Now overrides the clock used for update timestamps.
	Now func() time.Time
}

// Store is the storage facade. It is the only writer of observation and
// group state; writes are serialized internally.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	log    *Log
	logger *zap.Logger
	now    func() time.Time
}

// Open opens the database, applies pending migrations and opens the log.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if opts.LogPath == "" {
		return nil, fmt.Errorf("log path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+opts.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps writes serialized and avoids SQLITE_BUSY between pool members.
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log, err := OpenLog(opts.LogPath, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("storage opened",
		zap.String("db", opts.DBPath),
		zap.String("log", opts.LogPath),
		zap.Int("schema_version", SchemaVersion))

	return &Store{db: db, log: log, logger: logger, now: now}, nil
}

// Close closes the log and the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.log.Close(), s.db.Close())
}

// write materialises rec inside a transaction and appends it to the log
// before committing, so the log never holds a record the database rejected.
// Callers hold s.mu.
func (s *Store) write(ctx context.Context, rec *Record) error {
	if rec.At.IsZero() {
		rec.At = s.now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := apply(ctx, tx, rec); err != nil {
		return err
	}
	if err := s.log.Append(rec); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s record: %w", rec.Kind, err)
	}
	return nil
}

// Insert records a new observation. origin is OriginLocal or the peer it was imported from.
func (s *Store) Insert(ctx context.Context, o *observation.Observation, origin string) error {
	if origin == "" {
		origin = OriginLocal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.exists(ctx, o.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("observation %s: %w", o.ID, ErrDuplicate)
	}
	return s.write(ctx, &Record{Kind: KindObservation, Origin: origin, Observation: o})
}

// Get returns one observation.
func (s *Store) Get(ctx context.Context, id string) (*observation.Observation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE id = ?`, id)
	o, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("observation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get observation %s: %w", id, err)
	}
	return o, nil
}

// Exists reports whether an observation id is already stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, id)
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check observation %s: %w", id, err)
	}
	return n > 0, nil
}

// UpdateStatus applies a status transition. Missing observations yield ErrNotFound.
func (s *Store) UpdateStatus(ctx context.Context, change StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.exists(ctx, change.ObservationID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("observation %s: %w", change.ObservationID, ErrNotFound)
	}
	return s.write(ctx, &Record{Kind: KindStatus, Status: &change})
}

// SetVectorID stores the similarity-index point id of an observation.
func (s *Store) SetVectorID(ctx context.Context, observationID, vectorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, &Record{Kind: KindVector, Vector: &VectorRef{ObservationID: observationID, VectorID: vectorID}})
}

// AddImpactReport appends a usage report and recomputes the aggregate stats.
func (s *Store) AddImpactReport(ctx context.Context, observationID string, report observation.ImpactReport) (*observation.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.Get(ctx, observationID)
	if err != nil {
		return nil, err
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = s.now().UTC()
	}
	reports := append(o.ImpactReports, report)
	stats := observation.ComputeImpactStats(reports)

	if err := s.write(ctx, &Record{Kind: KindImpact, Impact: &ImpactChange{
		ObservationID: observationID,
		Reports:       reports,
		Stats:         stats,
	}}); err != nil {
		return nil, err
	}
	return s.Get(ctx, observationID)
}

// FindGroup looks up the confirmation group for an aggregation key.
func (s *Store) FindGroup(ctx context.Context, domain, path string, category observation.Category, contentHash string) (*observation.Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM confirmation_groups
		WHERE domain = ? AND path = ? AND category = ? AND content_hash = ?`,
		domain, path, string(category), contentHash)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("confirmation group: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find confirmation group: %w", err)
	}
	return g, nil
}

// GetGroup returns a confirmation group by id.
func (s *Store) GetGroup(ctx context.Context, id string) (*observation.Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM confirmation_groups WHERE id = ?`, id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("confirmation group %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get confirmation group %s: %w", id, err)
	}
	return g, nil
}

// CreateGroup stores a new confirmation group, assigning an id if empty.
// A group already existing for the same key yields ErrDuplicate.
func (s *Store) CreateGroup(ctx context.Context, g *observation.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.FindGroup(ctx, g.Domain, g.Path, g.Category, g.ContentHash); err == nil {
		return fmt.Errorf("confirmation group: %w", ErrDuplicate)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	if g.Status == "" {
		g.Status = observation.StatusPending
	}
	return s.write(ctx, &Record{Kind: KindGroup, Group: g})
}

// UpdateGroup replaces the mutable fields of an existing group.
func (s *Store) UpdateGroup(ctx context.Context, g *observation.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.GetGroup(ctx, g.ID); err != nil {
		return err
	}
	g.UpdatedAt = s.now().UTC()
	return s.write(ctx, &Record{Kind: KindGroup, Group: g})
}

// RecentAtLocation returns observations for the same location and category
// created at or after since, newest first. Domain and path match
// case-insensitively, as confirmation groups do.
func (s *Store) RecentAtLocation(ctx context.Context, domain, path string, category observation.Category, since time.Time, limit int) ([]*observation.Observation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+observationColumns+` FROM observations
		WHERE lower(domain) = ? AND lower(path) = ? AND category = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT ?`,
		strings.ToLower(domain), strings.ToLower(path), string(category), formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent observations: %w", err)
	}
	return scanObservations(rows)
}

// SyncState returns the cursor for a peer, or nil if the peer was never synced.
func (s *Store) SyncState(ctx context.Context, peer string) (*observation.SyncState, error) {
	var (
		st                  observation.SyncState
		lastSync, lastBatch sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT peer_name, last_sync_at, last_batch_id, sync_count FROM sync_state WHERE peer_name = ?`, peer).
		Scan(&st.PeerName, &lastSync, &lastBatch, &st.SyncCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state for %s: %w", peer, err)
	}
	st.LastBatchID = lastBatch.String
	if lastSync.Valid {
		if st.LastSyncAt, err = parseTime(lastSync.String); err != nil {
			return nil, fmt.Errorf("sync state %s: corrupt last_sync_at: %w", peer, err)
		}
	}
	return &st, nil
}

// SyncStates returns every known peer cursor ordered by name.
func (s *Store) SyncStates(ctx context.Context) ([]*observation.SyncState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT peer_name, last_sync_at, last_batch_id, sync_count FROM sync_state ORDER BY peer_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync state: %w", err)
	}
	defer rows.Close()

	var out []*observation.SyncState
	for rows.Next() {
		var (
			st                  observation.SyncState
			lastSync, lastBatch sql.NullString
		)
		if err := rows.Scan(&st.PeerName, &lastSync, &lastBatch, &st.SyncCount); err != nil {
			return nil, err
		}
		st.LastBatchID = lastBatch.String
		if lastSync.Valid {
			if st.LastSyncAt, err = parseTime(lastSync.String); err != nil {
				return nil, fmt.Errorf("sync state %s: corrupt last_sync_at: %w", st.PeerName, err)
			}
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// AdvanceSyncState moves a peer's cursor to batchID and bumps its counter.
func (s *Store) AdvanceSyncState(ctx context.Context, peer, batchID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.SyncState(ctx, peer)
	if err != nil {
		return err
	}
	next := &observation.SyncState{PeerName: peer, LastSyncAt: at.UTC(), LastBatchID: batchID, SyncCount: 1}
	if current != nil {
		next.SyncCount = current.SyncCount + 1
	}
	return s.write(ctx, &Record{Kind: KindCursor, Cursor: next})
}

// ObservationsSince returns observations logged after the one with afterID,
// in log order. An empty or unknown afterID returns every logged observation.
func (s *Store) ObservationsSince(ctx context.Context, afterID string) ([]*observation.Observation, error) {
	var (
		all   []*observation.Observation
		index = -1
	)
	err := s.log.Scan(func(rec *Record) error {
		if rec.Kind != KindObservation || rec.Observation == nil {
			return nil
		}
		all = append(all, rec.Observation)
		if afterID != "" && rec.Observation.ID == afterID {
			index = len(all) - 1
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	return all[index+1:], nil
}

// PendingExport returns locally produced observations logged after the most
// recent export marker.
func (s *Store) PendingExport(ctx context.Context) ([]*observation.Observation, error) {
	var pending []*observation.Observation
	err := s.log.Scan(func(rec *Record) error {
		switch rec.Kind {
		case KindExport:
			pending = pending[:0]
		case KindObservation:
			if rec.Origin == OriginLocal && rec.Observation != nil {
				pending = append(pending, rec.Observation)
			}
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// MarkExported appends an export marker after a batch has been written.
func (s *Store) MarkExported(ctx context.Context, batchID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, &Record{Kind: KindExport, Export: &ExportMarker{BatchID: batchID, Count: count}})
}

// LastExportBatchID returns the most recent exported batch id, if any.
func (s *Store) LastExportBatchID(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'last_export_batch_id'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read last export: %w", err)
	}
	return v, nil
}

// RebuildReport summarises a Rebuild.
type RebuildReport struct {
	Records      int `json:"records"`
	Observations int `json:"observations"`
	Groups       int `json:"groups"`
}

// Rebuild discards the database contents and replays the log into it.
func (s *Store) Rebuild(ctx context.Context) (*RebuildReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"observations", "confirmation_groups", "sync_state"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return nil, fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE key = 'last_export_batch_id'`); err != nil {
		return nil, fmt.Errorf("failed to clear export marker: %w", err)
	}

	report := &RebuildReport{}
	seenGroups := make(map[string]struct{})
	seenObservations := make(map[string]struct{})
	err = s.log.Scan(func(rec *Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.Kind == KindObservation && rec.Observation != nil {
			// A commit that failed after the append leaves a record that a
			// retried Insert logs again; the first one wins.
			if _, dup := seenObservations[rec.Observation.ID]; dup {
				s.logger.Warn("skipping duplicate observation record", zap.String("observation_id", rec.Observation.ID))
				return nil
			}
			seenObservations[rec.Observation.ID] = struct{}{}
		}
		if err := apply(ctx, tx, rec); err != nil {
			return err
		}
		report.Records++
		switch rec.Kind {
		case KindObservation:
			report.Observations++
		case KindGroup:
			seenGroups[rec.Group.ID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replay log: %w", err)
	}
	report.Groups = len(seenGroups)

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rebuild: %w", err)
	}

	s.logger.Info("storage rebuilt from log",
		zap.Int("records", report.Records),
		zap.Int("observations", report.Observations),
		zap.Int("groups", report.Groups))
	return report, nil
}
