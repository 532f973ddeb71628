package knowledge

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap/zapcore"

	"github.com/rforgeon/substrate/internal/confirmation"
	"github.com/rforgeon/substrate/internal/logging"
	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/storage"
	"github.com/rforgeon/substrate/internal/telemetry"
	"github.com/rforgeon/substrate/internal/vectorindex"
)

var baseTime = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

// recordingExporter queues critical observations, like the urgent handler.
type recordingExporter struct {
	mu       sync.Mutex
	exported []string
}

func (e *recordingExporter) ExportObservation(o *observation.Observation) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exported = append(e.exported, o.ID)
	return o.Urgency == observation.UrgencyCritical
}

type fixture struct {
	ctx      context.Context
	now      time.Time
	store    *storage.Store
	index    *vectorindex.Memory
	logger   *logging.TestLogger
	exporter *recordingExporter
	tel      *telemetry.TestTelemetry
	svc      *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		ctx:      context.Background(),
		now:      baseTime,
		index:    vectorindex.NewMemory(),
		logger:   logging.NewTestLogger(),
		exporter: &recordingExporter{},
		tel:      telemetry.NewTestTelemetry(),
	}
	clock := func() time.Time { return f.now }

	dir := t.TempDir()
	store, err := storage.Open(f.ctx, storage.Options{
		DBPath:  filepath.Join(dir, "substrate.db"),
		LogPath: filepath.Join(dir, "observations.jsonl"),
		Now:     clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	f.store = store

	engine, err := confirmation.NewEngine(confirmation.Options{
		Store:  store,
		Config: confirmation.DefaultConfig(),
		Index:  f.index,
		Logger: f.logger.Logger,
		Now:    clock,
	})
	require.NoError(t, err)

	f.svc, err = New(Options{
		Store:  store,
		Engine: engine,
		Index:  f.index,
		Sync:   f.exporter,
		Config: cfg,
		Logger: f.logger.Logger,
		Tracer: f.tel.Tracer("test"),
		Now:    clock,
	})
	require.NoError(t, err)
	return f
}

func rateLimitInput(agent string) ObserveInput {
	return ObserveInput{
		AgentID:        agent,
		Domain:         "api.example.com",
		Path:           "/v1/search",
		Category:       observation.CategoryRateLimit,
		Summary:        "Search API rate limit is 100 requests per minute",
		StructuredData: map[string]any{"limit": 100, "window": "1m"},
	}
}

func TestService_ObservePromotesAfterThreeAgents(t *testing.T) {
	f := newFixture(t, Config{})

	first, err := f.svc.Observe(f.ctx, rateLimitInput("agent-a"))
	require.NoError(t, err)
	assert.True(t, first.IsNewGroup)
	assert.Equal(t, observation.StatusPending, first.Status)
	assert.Equal(t, 1, first.Confirmations)
	assert.InDelta(t, 1.0/6, first.Confidence, 1e-9)
	assert.Equal(t, "Observation recorded. Observation updated (1/3 confirmations)", first.Message)
	assert.Empty(t, first.Contradictions)
	assert.Empty(t, first.Degraded)

	second, err := f.svc.Observe(f.ctx, rateLimitInput("agent-b"))
	require.NoError(t, err)
	assert.False(t, second.IsNewGroup)
	assert.Equal(t, first.GroupID, second.GroupID)
	assert.Equal(t, 2, second.Confirmations)

	third, err := f.svc.Observe(f.ctx, rateLimitInput("agent-c"))
	require.NoError(t, err)
	assert.Equal(t, observation.StatusConfirmed, third.Status)
	assert.Equal(t, 3, third.Confirmations)
	assert.InDelta(t, 0.5, third.Confidence, 1e-9)
	assert.Equal(t, "Observation recorded. Observation promoted to confirmed (3 unique agents)", third.Message)

	canonical, err := f.svc.Get(f.ctx, first.ObservationID)
	require.NoError(t, err)
	assert.Equal(t, observation.StatusConfirmed, canonical.Status)
	assert.NotEmpty(t, canonical.VectorID)

	f.logger.AssertLogged(t, zapcore.InfoLevel, "observation recorded")
}

func TestService_ObserveRepeatAgentDoesNotConfirm(t *testing.T) {
	f := newFixture(t, Config{})

	for range 3 {
		res, err := f.svc.Observe(f.ctx, rateLimitInput("agent-a"))
		require.NoError(t, err)
		assert.Equal(t, observation.StatusPending, res.Status)
		assert.Equal(t, 1, res.Confirmations)
	}
}

func TestService_ObserveUsesDefaultAgent(t *testing.T) {
	f := newFixture(t, Config{AgentID: "node-1"})

	in := rateLimitInput("")
	res, err := f.svc.Observe(f.ctx, in)
	require.NoError(t, err)

	o, err := f.svc.Get(f.ctx, res.ObservationID)
	require.NoError(t, err)
	assert.Equal(t, observation.HashAgentID("node-1"), o.AgentHash)
}

func TestService_ObserveValidation(t *testing.T) {
	f := newFixture(t, Config{})

	tests := []struct {
		name   string
		mutate func(*ObserveInput)
	}{
		{"missing domain", func(in *ObserveInput) { in.Domain = "" }},
		{"missing summary", func(in *ObserveInput) { in.Summary = " " }},
		{"unknown category", func(in *ObserveInput) { in.Category = "latency" }},
		{"unknown urgency", func(in *ObserveInput) { in.Urgency = "panic" }},
		{"nested data", func(in *ObserveInput) { in.StructuredData = map[string]any{"a": map[string]any{"b": 1}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := rateLimitInput("agent-a")
			tt.mutate(&in)
			_, err := f.svc.Observe(f.ctx, in)
			assert.ErrorIs(t, err, observation.ErrInvalid)
		})
	}

	stats, err := f.svc.Stats(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalObservations)
}

func TestService_ObserveRateLimited(t *testing.T) {
	f := newFixture(t, Config{ObserveRate: 0.001, ObserveBurst: 1})

	_, err := f.svc.Observe(f.ctx, rateLimitInput("agent-a"))
	require.NoError(t, err)
	_, err = f.svc.Observe(f.ctx, rateLimitInput("agent-a"))
	assert.ErrorIs(t, err, ErrRateLimited)

	// Limits are per agent.
	_, err = f.svc.Observe(f.ctx, rateLimitInput("agent-b"))
	assert.NoError(t, err)
}

func TestService_ObserveDegradesWithoutIndex(t *testing.T) {
	f := newFixture(t, Config{})
	f.index.SetUnavailable(errors.New("qdrant down"))

	res, err := f.svc.Observe(f.ctx, rateLimitInput("agent-a"))
	require.NoError(t, err)
	require.NotEmpty(t, res.Degraded)
	assert.Equal(t, "upsert", res.Degraded[0].Op)

	o, err := f.svc.Get(f.ctx, res.ObservationID)
	require.NoError(t, err)
	assert.Empty(t, o.VectorID)
	f.logger.AssertLogged(t, zapcore.WarnLevel, "indexing observation failed")
}

func TestService_ObserveHandsObservationsToSync(t *testing.T) {
	f := newFixture(t, Config{})

	normal, err := f.svc.Observe(f.ctx, rateLimitInput("agent-a"))
	require.NoError(t, err)
	assert.False(t, normal.UrgentQueued)

	in := ObserveInput{
		AgentID:  "agent-a",
		Domain:   "api.example.com",
		Category: observation.CategoryError,
		Summary:  "Checkout returns 500 for every request",
		Urgency:  observation.UrgencyCritical,
	}
	critical, err := f.svc.Observe(f.ctx, in)
	require.NoError(t, err)
	assert.True(t, critical.UrgentQueued)

	assert.Equal(t, []string{normal.ObservationID, critical.ObservationID}, f.exporter.exported)
}

func TestService_ObserveReportsContradictions(t *testing.T) {
	f := newFixture(t, Config{})

	old, err := f.svc.Observe(f.ctx, rateLimitInput("agent-a"))
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	in := rateLimitInput("agent-b")
	in.StructuredData = map[string]any{"limit": 50, "window": "1m"}
	res, err := f.svc.Observe(f.ctx, in)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ObservationID}, res.Contradictions)

	o, err := f.svc.Get(f.ctx, old.ObservationID)
	require.NoError(t, err)
	assert.Equal(t, observation.StatusContradicted, o.Status)
}

func TestService_Lookup(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.svc.Observe(f.ctx, rateLimitInput("agent-a"))
	require.NoError(t, err)
	_, err = f.svc.Observe(f.ctx, ObserveInput{
		AgentID:  "agent-a",
		Domain:   "other.example.com",
		Category: observation.CategoryAuth,
		Summary:  "Uses bearer tokens",
		Tags:     []string{"auth", "oauth"},
	})
	require.NoError(t, err)

	res, err := f.svc.Lookup(f.ctx, storage.QueryFilter{Domain: "api.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.False(t, res.HasMore)
	require.Len(t, res.Observations, 1)
	assert.Equal(t, observation.CategoryRateLimit, res.Observations[0].Category)

	res, err = f.svc.Lookup(f.ctx, storage.QueryFilter{Tags: []string{"oauth"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	res, err = f.svc.Lookup(f.ctx, storage.QueryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.True(t, res.HasMore)

	_, err = f.svc.Lookup(f.ctx, storage.QueryFilter{Category: "latency"})
	assert.ErrorIs(t, err, observation.ErrInvalid)
	_, err = f.svc.Lookup(f.ctx, storage.QueryFilter{MinConfidence: 2})
	assert.ErrorIs(t, err, observation.ErrInvalid)
}

func TestService_ObservationsSince(t *testing.T) {
	f := newFixture(t, Config{})

	all, err := f.svc.ObservationsSince(f.ctx, "")
	require.NoError(t, err)
	assert.NotNil(t, all)
	assert.Empty(t, all)

	var ids []string
	for _, agent := range []string{"agent-a", "agent-b", "agent-c"} {
		res, err := f.svc.Observe(f.ctx, rateLimitInput(agent))
		require.NoError(t, err)
		ids = append(ids, res.ObservationID)
	}

	after, err := f.svc.ObservationsSince(f.ctx, ids[0])
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, ids[1], after[0].ID)
	assert.Equal(t, ids[2], after[1].ID)

	all, err = f.svc.ObservationsSince(f.ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestService_SearchFallsBackToKeywords(t *testing.T) {
	f := newFixture(t, Config{})

	obs, err := f.svc.Observe(f.ctx, rateLimitInput("agent-a"))
	require.NoError(t, err)
	_, err = f.svc.Observe(f.ctx, ObserveInput{
		AgentID:  "agent-a",
		Domain:   "other.example.com",
		Category: observation.CategoryFormat,
		Summary:  "Dates are returned as unix seconds",
	})
	require.NoError(t, err)

	res, err := f.svc.Search(f.ctx, SearchInput{Query: "rate limit", Domain: "api.example.com"})
	require.NoError(t, err)
	assert.Equal(t, ModeSemantic, res.Mode)
	assert.Nil(t, res.Degraded)
	require.Len(t, res.Results, 1)
	assert.Equal(t, obs.ObservationID, res.Results[0].ID)

	f.index.SetUnavailable(errors.New("qdrant down"))
	res, err = f.svc.Search(f.ctx, SearchInput{Query: "rate limit"})
	require.NoError(t, err)
	assert.Equal(t, ModeKeyword, res.Mode)
	require.NotNil(t, res.Degraded)
	assert.Equal(t, "search", res.Degraded.Op)
	require.Len(t, res.Results, 1)
	assert.Equal(t, obs.ObservationID, res.Results[0].ID)
	assert.Zero(t, res.Results[0].Score)

	_, err = f.svc.Search(f.ctx, SearchInput{Query: "  "})
	assert.ErrorIs(t, err, observation.ErrInvalid)
}

func TestService_Stats(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.svc.Observe(f.ctx, rateLimitInput("agent-a"))
	require.NoError(t, err)
	_, err = f.svc.Observe(f.ctx, rateLimitInput("agent-b"))
	require.NoError(t, err)

	st, err := f.svc.Stats(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalObservations)
	assert.Equal(t, 2, st.ByCategory[observation.CategoryRateLimit])
	assert.Equal(t, 1, st.DomainsCount)
	assert.Equal(t, 1, st.GroupsCount)
	assert.Empty(t, st.Peers)
	require.NotNil(t, st.VectorIndexSize)
	assert.Equal(t, uint64(2), *st.VectorIndexSize)

	f.index.SetUnavailable(errors.New("qdrant down"))
	st, err = f.svc.Stats(f.ctx)
	require.NoError(t, err)
	assert.Nil(t, st.VectorIndexSize)
	assert.NotNil(t, st.Degraded)
}

func TestService_Failures(t *testing.T) {
	f := newFixture(t, Config{})

	failure := func(domain string, urgency observation.Urgency) ObserveInput {
		return ObserveInput{
			AgentID:  "agent-a",
			Domain:   domain,
			Category: observation.CategoryError,
			Summary:  "Upload endpoint times out",
			Urgency:  urgency,
		}
	}
	_, err := f.svc.Observe(f.ctx, failure("a.example.com", observation.UrgencyHigh))
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)
	latest, err := f.svc.Observe(f.ctx, failure("b.example.com", observation.UrgencyCritical))
	require.NoError(t, err)
	_, err = f.svc.Observe(f.ctx, failure("a.example.com", observation.UrgencyNormal))
	require.NoError(t, err)

	list, err := f.svc.Failures(f.ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, latest.ObservationID, list[0].ID)

	list, err = f.svc.Failures(f.ctx, "a.example.com", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	domains, err := f.svc.Domains(f.ctx)
	require.NoError(t, err)
	assert.Len(t, domains, 2)
}

func TestService_ReportImpact(t *testing.T) {
	f := newFixture(t, Config{})

	obs, err := f.svc.Observe(f.ctx, rateLimitInput("agent-a"))
	require.NoError(t, err)

	saved := 120.0
	succeeded := true
	res, err := f.svc.ReportImpact(f.ctx, obs.ObservationID, ImpactInput{
		AgentID:                "agent-b",
		Helpful:                true,
		TaskSucceeded:          &succeeded,
		ActualTimeSavedSeconds: &saved,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stats.TotalUses)
	assert.InDelta(t, 100.0, res.HelpfulRate, 1e-9)

	res, err = f.svc.ReportImpact(f.ctx, obs.ObservationID, ImpactInput{AgentID: "agent-c", Helpful: false})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.TotalUses)
	assert.Equal(t, 1, res.Stats.HelpfulCount)
	assert.InDelta(t, 50.0, res.HelpfulRate, 1e-9)
	require.NotNil(t, res.Stats.AvgTimeSavedSeconds)
	assert.InDelta(t, 120.0, *res.Stats.AvgTimeSavedSeconds, 1e-9)
	require.NotNil(t, res.Stats.SuccessRate)
	assert.InDelta(t, 100.0, *res.Stats.SuccessRate, 1e-9)

	_, err = f.svc.ReportImpact(f.ctx, "missing", ImpactInput{AgentID: "agent-b", Helpful: true})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	negative := -1.0
	_, err = f.svc.ReportImpact(f.ctx, obs.ObservationID, ImpactInput{AgentID: "agent-b", ActualTimeSavedSeconds: &negative})
	assert.ErrorIs(t, err, observation.ErrInvalid)
}

func TestService_ManualTransitions(t *testing.T) {
	f := newFixture(t, Config{})

	obs, err := f.svc.Observe(f.ctx, rateLimitInput("agent-a"))
	require.NoError(t, err)

	res, err := f.svc.Confirm(f.ctx, obs.ObservationID, "")
	require.NoError(t, err)
	assert.Equal(t, observation.StatusConfirmed, res.NewStatus)
	assert.Equal(t, 1.0, res.NewConfidence)
	assert.Equal(t, "Manually confirmed by admin", res.Message)

	res, err = f.svc.Reject(f.ctx, obs.ObservationID, "wrong limit")
	require.NoError(t, err)
	assert.Equal(t, observation.StatusContradicted, res.NewStatus)
	assert.Equal(t, "Rejected: wrong limit", res.Message)

	res, err = f.svc.MarkStale(f.ctx, "missing", "")
	require.NoError(t, err)
	assert.Equal(t, "Observation not found", res.Message)

	_, err = f.svc.Confirm(f.ctx, "", "")
	assert.ErrorIs(t, err, observation.ErrInvalid)
}

func TestService_ExpireStale(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: time.Hour})

	old, err := f.svc.Observe(f.ctx, rateLimitInput("agent-a"))
	require.NoError(t, err)
	f.now = f.now.Add(90 * time.Minute)
	fresh, err := f.svc.Observe(f.ctx, ObserveInput{
		AgentID:  "agent-a",
		Domain:   "api.example.com",
		Category: observation.CategoryBehavior,
		Summary:  "Pagination uses cursors",
	})
	require.NoError(t, err)

	n, err := f.svc.ExpireStale(f.ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o, err := f.svc.Get(f.ctx, old.ObservationID)
	require.NoError(t, err)
	assert.Equal(t, observation.StatusStale, o.Status)
	o, err = f.svc.Get(f.ctx, fresh.ObservationID)
	require.NoError(t, err)
	assert.Equal(t, observation.StatusPending, o.Status)

	n, err = f.svc.ExpireStale(f.ctx, f.now)
	require.NoError(t, err)
	assert.Zero(t, n)

	disabled := newFixture(t, Config{})
	n, err = disabled.svc.ExpireStale(disabled.ctx, disabled.now.Add(1000*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_Rebuild(t *testing.T) {
	f := newFixture(t, Config{})

	for _, agent := range []string{"agent-a", "agent-b"} {
		_, err := f.svc.Observe(f.ctx, rateLimitInput(agent))
		require.NoError(t, err)
	}

	report, err := f.svc.Rebuild(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Observations)
	assert.Equal(t, 1, report.Groups)

	st, err := f.svc.Stats(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalObservations)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	f := newFixture(t, Config{})
	_, err = New(Options{Store: f.store})
	assert.Error(t, err)
}

func TestService_Spans(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.svc.Observe(f.ctx, ObserveInput{
		AgentID:  "agent-1",
		Domain:   "api.example.com",
		Category: observation.CategoryRateLimit,
		Summary:  "429 after 100 requests per minute",
	})
	require.NoError(t, err)

	f.tel.AssertSpanExists(t, "knowledge.Observe")
	f.tel.AssertSpanAttribute(t, "knowledge.Observe", "domain", "api.example.com")
	f.tel.AssertSpanAttribute(t, "knowledge.Observe", "observation_id", res.ObservationID)
	f.tel.AssertSpanAttribute(t, "knowledge.Observe", "confirmations", int64(1))

	_, err = f.svc.Search(f.ctx, SearchInput{})
	require.Error(t, err)
	span := f.tel.SpanByName("knowledge.Search")
	require.NotNil(t, span)
	assert.Equal(t, codes.Error, span.Status().Code)
}
