package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rforgeon/substrate/internal/observation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	dir := t.TempDir()
	clock := &testClock{now: baseTime}
	s, err := Open(context.Background(), Options{
		DBPath:  filepath.Join(dir, "substrate.db"),
		LogPath: filepath.Join(dir, "observations.jsonl"),
		Now:     clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func newObs(t *testing.T, agent, domain, path string, category observation.Category, data map[string]any, at time.Time) *observation.Observation {
	t.Helper()
	o, err := observation.New(observation.NewParams{
		AgentID:        agent,
		Domain:         domain,
		Path:           path,
		Category:       category,
		Summary:        "summary from " + agent,
		StructuredData: data,
	}, at)
	require.NoError(t, err)
	return o
}

// TestStore_InsertGet tests round-tripping an observation through the store.
func TestStore_InsertGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	o := newObs(t, "a", "api.x.com", "/v1", observation.CategoryRateLimit, map[string]any{"limit": 100, "window": "1m"}, baseTime)
	o.Tags = []string{"quota"}
	exp := baseTime.Add(time.Hour)
	o.ExpiresAt = &exp
	require.NoError(t, s.Insert(ctx, o, OriginLocal))

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, o.AgentHash, got.AgentHash)
	assert.Equal(t, "/v1", got.Path)
	assert.Equal(t, observation.CategoryRateLimit, got.Category)
	assert.Equal(t, float64(100), got.StructuredData["limit"])
	assert.Equal(t, []string{"quota"}, got.Tags)
	assert.Equal(t, o.ConfirmingAgents, got.ConfirmingAgents)
	assert.True(t, got.CreatedAt.Equal(baseTime))
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(exp))
	assert.Equal(t, o.ContentHash, got.ContentHash)

	exists, err := s.Exists(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_InsertDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	o := newObs(t, "a", "d.com", "", observation.CategoryError, nil, baseTime)
	require.NoError(t, s.Insert(ctx, o, OriginLocal))
	assert.ErrorIs(t, s.Insert(ctx, o, "peer-1"), ErrDuplicate)
}

func TestStore_GetNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateStatus(context.Background(), StatusChange{ObservationID: "missing", Status: observation.StatusStale})
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestStore_Groups tests group creation, uniqueness and update.
func TestStore_Groups(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	g := &observation.Group{
		Domain:                 "api.x.com",
		Category:               observation.CategoryRateLimit,
		ContentHash:            "h1",
		CanonicalObservationID: "obs-1",
		TotalConfirmations:     1,
		UniqueAgents:           []string{"agent-a"},
	}
	require.NoError(t, s.CreateGroup(ctx, g))
	assert.NotEmpty(t, g.ID)

	dup := *g
	dup.ID = ""
	assert.ErrorIs(t, s.CreateGroup(ctx, &dup), ErrDuplicate)

	found, err := s.FindGroup(ctx, "api.x.com", "", observation.CategoryRateLimit, "h1")
	require.NoError(t, err)
	assert.Equal(t, g.ID, found.ID)
	assert.Equal(t, observation.StatusPending, found.Status)

	found.UniqueAgents = append(found.UniqueAgents, "agent-b")
	found.TotalConfirmations = 2
	found.Confidence = 0.5
	require.NoError(t, s.UpdateGroup(ctx, found))

	again, err := s.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.TotalConfirmations)
	assert.Equal(t, []string{"agent-a", "agent-b"}, again.UniqueAgents)
	assert.InDelta(t, 0.5, again.Confidence, 1e-9)

	_, err = s.FindGroup(ctx, "api.x.com", "/other", observation.CategoryRateLimit, "h1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestStore_UpdateStatus tests partial status transitions.
func TestStore_UpdateStatus(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	o := newObs(t, "a", "d.com", "", observation.CategoryFormat, nil, baseTime)
	require.NoError(t, s.Insert(ctx, o, OriginLocal))

	clock.now = baseTime.Add(time.Minute)
	conf := 0.5
	require.NoError(t, s.UpdateStatus(ctx, StatusChange{ObservationID: o.ID, Status: observation.StatusConfirmed, Confidence: &conf}))

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, observation.StatusConfirmed, got.Status)
	assert.InDelta(t, 0.5, got.Confidence, 1e-9)
	assert.True(t, got.UpdatedAt.Equal(clock.now))

	require.NoError(t, s.UpdateStatus(ctx, StatusChange{ObservationID: o.ID, Status: observation.StatusStale}))
	got, err = s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, observation.StatusStale, got.Status)
	assert.InDelta(t, 0.5, got.Confidence, 1e-9, "confidence untouched when not supplied")
}

// TestStore_AddImpactReport tests report accumulation and stats recomputation.
func TestStore_AddImpactReport(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	o := newObs(t, "a", "d.com", "", observation.CategoryAuth, nil, baseTime)
	require.NoError(t, s.Insert(ctx, o, OriginLocal))

	saved := 30.0
	succeeded := true
	_, err := s.AddImpactReport(ctx, o.ID, observation.ImpactReport{AgentHash: "x", Helpful: true, ActualTimeSavedSeconds: &saved, TaskSucceeded: &succeeded})
	require.NoError(t, err)
	got, err := s.AddImpactReport(ctx, o.ID, observation.ImpactReport{AgentHash: "y", Helpful: false})
	require.NoError(t, err)

	require.Len(t, got.ImpactReports, 2)
	assert.True(t, got.ImpactReports[1].ReportedAt.Equal(baseTime))
	require.NotNil(t, got.ImpactStats)
	assert.Equal(t, 2, got.ImpactStats.TotalUses)
	assert.Equal(t, 1, got.ImpactStats.HelpfulCount)
	require.NotNil(t, got.ImpactStats.SuccessRate)
	assert.InDelta(t, 100.0, *got.ImpactStats.SuccessRate, 1e-9)

	_, err = s.AddImpactReport(ctx, "missing", observation.ImpactReport{})
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestStore_Query tests filters, ordering and pagination.
func TestStore_Query(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i, conf := range []float64{0.2, 0.8, 0.5} {
		o := newObs(t, "a", "api.x.com", "", observation.CategoryError, map[string]any{"n": i}, baseTime.Add(time.Duration(i)*time.Minute))
		o.Confidence = conf
		o.Tags = []string{"t", "n" + string(rune('0'+i))}
		require.NoError(t, s.Insert(ctx, o, OriginLocal))
	}
	require.NoError(t, s.Insert(ctx, newObs(t, "b", "other.com", "", observation.CategoryAuth, nil, baseTime), OriginLocal))

	res, err := s.Query(ctx, QueryFilter{Domain: "api.x.com", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.True(t, res.HasMore)
	require.Len(t, res.Observations, 2)
	assert.InDelta(t, 0.8, res.Observations[0].Confidence, 1e-9)
	assert.InDelta(t, 0.5, res.Observations[1].Confidence, 1e-9)

	res, err = s.Query(ctx, QueryFilter{Domain: "api.x.com", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.False(t, res.HasMore)
	assert.Len(t, res.Observations, 1)

	res, err = s.Query(ctx, QueryFilter{MinConfidence: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)

	res, err = s.Query(ctx, QueryFilter{Tags: []string{"t", "n1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	n, err := s.Count(ctx, QueryFilter{Category: observation.CategoryAuth})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := s.KeywordSearch(ctx, "other", QueryFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "other.com", hits[0].Domain)
}

// TestStore_StatsAndFailures tests aggregate counters.
func TestStore_StatsAndFailures(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	crit := newObs(t, "a", "api.x.com", "", observation.CategoryError, map[string]any{"code": 500}, baseTime)
	crit.Urgency = observation.UrgencyCritical
	require.NoError(t, s.Insert(ctx, crit, OriginLocal))
	require.NoError(t, s.Insert(ctx, newObs(t, "a", "api.x.com", "", observation.CategoryError, map[string]any{"code": 404}, baseTime), OriginLocal))
	require.NoError(t, s.Insert(ctx, newObs(t, "a", "b.com", "", observation.CategoryFormat, nil, baseTime), OriginLocal))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalObservations)
	assert.Equal(t, 3, st.ByStatus[observation.StatusPending])
	assert.Equal(t, 0, st.ByStatus[observation.StatusConfirmed])
	assert.Equal(t, 2, st.ByCategory[observation.CategoryError])
	assert.Equal(t, 2, st.DomainsCount)
	require.NotEmpty(t, st.TopDomains)
	assert.Equal(t, DomainCount{Domain: "api.x.com", Count: 2}, st.TopDomains[0])

	failures, err := s.Failures(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, crit.ID, failures[0].ID)
}

// TestStore_SyncState tests cursor advancement.
func TestStore_SyncState(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	st, err := s.SyncState(ctx, "peer-1")
	require.NoError(t, err)
	assert.Nil(t, st)

	require.NoError(t, s.AdvanceSyncState(ctx, "peer-1", "sync_a", baseTime))
	require.NoError(t, s.AdvanceSyncState(ctx, "peer-1", "sync_b", baseTime.Add(time.Minute)))

	st, err = s.SyncState(ctx, "peer-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "sync_b", st.LastBatchID)
	assert.Equal(t, 2, st.SyncCount)
	assert.True(t, st.LastSyncAt.Equal(baseTime.Add(time.Minute)))

	all, err := s.SyncStates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// TestStore_PendingExport tests that export markers and origins delimit the export set.
func TestStore_PendingExport(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := newObs(t, "a", "d.com", "", observation.CategoryError, map[string]any{"n": 1}, baseTime)
	require.NoError(t, s.Insert(ctx, first, OriginLocal))
	require.NoError(t, s.Insert(ctx, newObs(t, "p", "d.com", "", observation.CategoryError, map[string]any{"n": 2}, baseTime), "peer-1"))

	pending, err := s.PendingExport(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	require.NoError(t, s.MarkExported(ctx, "sync_1", 1))
	pending, err = s.PendingExport(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	second := newObs(t, "a", "d.com", "", observation.CategoryError, map[string]any{"n": 3}, baseTime)
	require.NoError(t, s.Insert(ctx, second, OriginLocal))
	pending, err = s.PendingExport(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	last, err := s.LastExportBatchID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sync_1", last)
}

func TestStore_ObservationsSince(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		o := newObs(t, "a", "d.com", "", observation.CategoryError, map[string]any{"n": i}, baseTime)
		require.NoError(t, s.Insert(ctx, o, OriginLocal))
		ids = append(ids, o.ID)
	}

	all, err := s.ObservationsSince(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	after, err := s.ObservationsSince(ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, ids[1], after[0].ID)

	none, err := s.ObservationsSince(ctx, ids[2])
	require.NoError(t, err)
	assert.Empty(t, none)
}

// TestStore_Rebuild tests that replaying the log reproduces the database.
func TestStore_Rebuild(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	o := newObs(t, "a", "api.x.com", "", observation.CategoryRateLimit, map[string]any{"limit": 100}, baseTime)
	require.NoError(t, s.Insert(ctx, o, OriginLocal))
	g := &observation.Group{Domain: o.Domain, Category: o.Category, ContentHash: o.ContentHash, CanonicalObservationID: o.ID, TotalConfirmations: 1, UniqueAgents: []string{o.AgentHash}}
	require.NoError(t, s.CreateGroup(ctx, g))
	conf := 1.0
	require.NoError(t, s.UpdateStatus(ctx, StatusChange{ObservationID: o.ID, Status: observation.StatusConfirmed, Confidence: &conf}))
	require.NoError(t, s.SetVectorID(ctx, o.ID, "vec-1"))
	_, err := s.AddImpactReport(ctx, o.ID, observation.ImpactReport{AgentHash: "b", Helpful: true})
	require.NoError(t, err)
	require.NoError(t, s.AdvanceSyncState(ctx, "peer-1", "sync_x", baseTime))
	require.NoError(t, s.MarkExported(ctx, "sync_y", 1))

	before, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	statsBefore, err := s.Stats(ctx)
	require.NoError(t, err)

	// Corrupt the view directly, then rebuild it from the log.
	_, err = s.db.ExecContext(ctx, `DELETE FROM observations`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `DELETE FROM confirmation_groups`)
	require.NoError(t, err)

	report, err := s.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Observations)
	assert.Equal(t, 1, report.Groups)

	after, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	statsAfter, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, statsBefore, statsAfter)

	st, err := s.SyncState(ctx, "peer-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "sync_x", st.LastBatchID)
}

// TestStore_FailedWriteIsNotLogged tests that a write the database never
// applied leaves no record in the log.
func TestStore_FailedWriteIsNotLogged(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	o := newObs(t, "a", "api.x.com", "", observation.CategoryRateLimit, map[string]any{"limit": 100}, baseTime)
	require.NoError(t, s.Insert(ctx, o, OriginLocal))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, s.SetVectorID(cancelled, o.ID, "vec-1"))
	require.Error(t, s.MarkExported(cancelled, "sync_1", 1))

	kinds := map[RecordKind]int{}
	require.NoError(t, s.log.Scan(func(rec *Record) error {
		kinds[rec.Kind]++
		return nil
	}))
	assert.Equal(t, map[RecordKind]int{KindObservation: 1}, kinds)

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, got.VectorID)
}

// TestStore_RebuildSkipsDuplicateObservationRecords tests that a replayed
// log holding the same observation twice still rebuilds.
func TestStore_RebuildSkipsDuplicateObservationRecords(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	o := newObs(t, "a", "api.x.com", "", observation.CategoryRateLimit, map[string]any{"limit": 100}, baseTime)
	require.NoError(t, s.Insert(ctx, o, OriginLocal))
	require.NoError(t, s.log.Append(&Record{Kind: KindObservation, Origin: OriginLocal, Observation: o, At: baseTime}))

	report, err := s.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Observations)

	_, err = s.Get(ctx, o.ID)
	require.NoError(t, err)
}

// TestStore_ReopenRunsNoMigrations tests that migrations are forward-only and idempotent.
func TestStore_ReopenRunsNoMigrations(t *testing.T) {
	dir := t.TempDir()
	opts := Options{DBPath: filepath.Join(dir, "s.db"), LogPath: filepath.Join(dir, "o.jsonl")}
	ctx := context.Background()

	s, err := Open(ctx, opts)
	require.NoError(t, err)
	v, err := currentVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
	require.NoError(t, s.Close())

	s, err = Open(ctx, opts)
	require.NoError(t, err)
	defer s.Close()
	v, err = currentVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
}

// TestLog_SkipsTornAndReadsLegacyLines tests tolerant log decoding.
func TestLog_SkipsTornAndReadsLegacyLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observations.jsonl")
	legacy := `{"id":"legacy-1","agent_hash":"h","domain":"d.com","category":"error","summary":"s","status":"pending","confirmations":1,"confirming_agents":["h"],"confidence":0,"urgency":"normal","tags":[],"created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z","content_hash":"c"}`
	require.NoError(t, os.WriteFile(path, []byte(legacy+"\n{\"kind\":\"observ"), 0600))

	l, err := OpenLog(path, nil)
	require.NoError(t, err)
	defer l.Close()

	var recs []*Record
	require.NoError(t, l.Scan(func(rec *Record) error {
		recs = append(recs, rec)
		return nil
	}))
	require.Len(t, recs, 1)
	assert.Equal(t, KindObservation, recs[0].Kind)
	assert.Equal(t, OriginLocal, recs[0].Origin)
	assert.Equal(t, "legacy-1", recs[0].Observation.ID)
}
