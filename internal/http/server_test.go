package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rforgeon/substrate/internal/confirmation"
	"github.com/rforgeon/substrate/internal/knowledge"
	"github.com/rforgeon/substrate/internal/logging"
	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/replication"
	"github.com/rforgeon/substrate/internal/storage"
	"github.com/rforgeon/substrate/internal/vectorindex"
)

type fakeSyncer struct {
	report *replication.CycleReport
	status *replication.Status
	err    error
	calls  int
}

func (f *fakeSyncer) SyncNow(context.Context) (*replication.CycleReport, error) {
	f.calls++
	return f.report, f.err
}

func (f *fakeSyncer) Status() (*replication.Status, error) {
	return f.status, nil
}

func newTestService(t *testing.T, cfg knowledge.Config) *knowledge.Service {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := storage.Open(ctx, storage.Options{
		DBPath:  filepath.Join(dir, "substrate.db"),
		LogPath: filepath.Join(dir, "observations.jsonl"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	index := vectorindex.NewMemory()
	engine, err := confirmation.NewEngine(confirmation.Options{
		Store:  store,
		Config: confirmation.DefaultConfig(),
		Index:  index,
	})
	require.NoError(t, err)

	svc, err := knowledge.New(knowledge.Options{Store: store, Engine: engine, Index: index, Config: cfg})
	require.NoError(t, err)
	return svc
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	server, err := NewServer(newTestService(t, knowledge.Config{}), nil, logging.NewNop(), nil)
	require.NoError(t, err)
	return server
}

func do(t *testing.T, s *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, target, bytes.NewReader(b))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func observeBody(agent string) knowledge.ObserveInput {
	return knowledge.ObserveInput{
		AgentID:        agent,
		Domain:         "api.example.com",
		Path:           "/v1/search",
		Category:       observation.CategoryRateLimit,
		Summary:        "Search API rate limit is 100 requests per minute",
		StructuredData: map[string]any{"limit": 100, "window": "1m"},
	}
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server := setupTestServer(t)
		assert.NotNil(t, server.echo)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 3000, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(newTestService(t, knowledge.Config{}), nil, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when service is nil", func(t *testing.T) {
		_, err := NewServer(nil, nil, logging.NewNop(), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "service cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestHandleMetrics(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestObservationRoutes(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/observations", observeBody("agent-a"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[knowledge.ObserveResult](t, rec)
	assert.True(t, created.IsNewGroup)
	assert.Equal(t, observation.StatusPending, created.Status)
	assert.Equal(t, 1, created.Confirmations)

	rec = do(t, server, http.MethodGet, "/api/v1/observations/"+created.ObservationID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[observation.Observation](t, rec)
	assert.Equal(t, "api.example.com", got.Domain)
	assert.Equal(t, observation.HashAgentID("agent-a"), got.AgentHash)

	rec = do(t, server, http.MethodGet, "/api/v1/observations?domain=api.example.com&category=rate_limit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[storage.QueryResult](t, rec)
	assert.Equal(t, 1, page.Total)
	assert.Len(t, page.Observations, 1)

	rec = do(t, server, http.MethodGet, "/api/v1/observations?domain=nothing.example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[storage.QueryResult](t, rec).Total)

	t.Run("since id", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/observations", observeBody("agent-b"))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		second := decode[knowledge.ObserveResult](t, rec)

		rec = do(t, server, http.MethodGet, "/api/v1/observations?since_id="+created.ObservationID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		page := decode[storage.QueryResult](t, rec)
		assert.Equal(t, 1, page.Total)
		require.Len(t, page.Observations, 1)
		assert.Equal(t, second.ObservationID, page.Observations[0].ID)
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/observations/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid observation is 400", func(t *testing.T) {
		body := observeBody("agent-a")
		body.Domain = ""
		rec := do(t, server, http.MethodPost, "/api/v1/observations", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "domain is required")
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/observations", strings.NewReader("{not json"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad query parameter is 400", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/observations?min_confidence=high", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		rec = do(t, server, http.MethodGet, "/api/v1/observations?status=unknown", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestObserveRateLimited(t *testing.T) {
	svc := newTestService(t, knowledge.Config{ObserveRate: 0.001, ObserveBurst: 1})
	server, err := NewServer(svc, nil, logging.NewNop(), nil)
	require.NoError(t, err)

	rec := do(t, server, http.MethodPost, "/api/v1/observations", observeBody("agent-a"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, server, http.MethodPost, "/api/v1/observations", observeBody("agent-a"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestImpactAndTransitions(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/observations", observeBody("agent-a"))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[knowledge.ObserveResult](t, rec).ObservationID

	rec = do(t, server, http.MethodPost, "/api/v1/observations/"+id+"/impact",
		knowledge.ImpactInput{AgentID: "agent-b", Helpful: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	impact := decode[knowledge.ImpactResult](t, rec)
	assert.Equal(t, 1, impact.Stats.TotalUses)
	assert.InDelta(t, 100.0, impact.HelpfulRate, 1e-9)

	rec = do(t, server, http.MethodPost, "/api/v1/observations/missing/impact",
		knowledge.ImpactInput{AgentID: "agent-b", Helpful: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/v1/observations/"+id+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[confirmation.PromotionResult](t, rec)
	assert.Equal(t, observation.StatusConfirmed, res.NewStatus)
	assert.Equal(t, "Manually confirmed by admin", res.Message)

	rec = do(t, server, http.MethodPost, "/api/v1/observations/"+id+"/stale", TransitionRequest{Reason: "api v2 shipped"})
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[confirmation.PromotionResult](t, rec)
	assert.Equal(t, observation.StatusStale, res.NewStatus)
	assert.Equal(t, "Marked stale: api v2 shipped", res.Message)

	rec = do(t, server, http.MethodPost, "/api/v1/observations/missing/reject", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, confirmation.MsgNotFound, decode[confirmation.PromotionResult](t, rec).Message)
}

func TestReadRoutes(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/observations", observeBody("agent-a"))
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, server, http.MethodPost, "/api/v1/observations", knowledge.ObserveInput{
		AgentID:  "agent-a",
		Domain:   "pay.example.com",
		Category: observation.CategoryError,
		Summary:  "Refunds fail with 502",
		Urgency:  observation.UrgencyHigh,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	t.Run("search", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/search?q=rate+limit&domain=api.example.com", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		res := decode[knowledge.SearchResult](t, rec)
		assert.Equal(t, knowledge.ModeSemantic, res.Mode)
		require.Len(t, res.Results, 1)
		assert.Equal(t, "api.example.com", res.Results[0].Domain)

		rec = do(t, server, http.MethodGet, "/api/v1/search", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("stats", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.EqualValues(t, 2, body["total_observations"])
		assert.EqualValues(t, 2, body["domains_count"])
		assert.EqualValues(t, 2, body["vector_index_size"])
	})

	t.Run("failures", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/failures", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		res := decode[FailuresResponse](t, rec)
		assert.Equal(t, 1, res.Count)
		assert.Equal(t, "pay.example.com", res.Failures[0].Domain)

		rec = do(t, server, http.MethodGet, "/api/v1/failures?domain=api.example.com", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, decode[FailuresResponse](t, rec).Count)
	})

	t.Run("domains", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/domains", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decode[DomainsResponse](t, rec).Domains, 2)
	})
}

func TestHandleSync(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		server := setupTestServer(t)
		rec := do(t, server, http.MethodPost, "/api/v1/sync", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("runs a cycle", func(t *testing.T) {
		syncer := &fakeSyncer{report: &replication.CycleReport{ExportedBatchID: "sync_1_abc", Exported: 2}}
		server, err := NewServer(newTestService(t, knowledge.Config{}), syncer, logging.NewNop(), nil)
		require.NoError(t, err)

		rec := do(t, server, http.MethodPost, "/api/v1/sync", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		res := decode[SyncResponse](t, rec)
		assert.Equal(t, "sync_1_abc", res.Report.ExportedBatchID)
		assert.Empty(t, res.Error)
		assert.Equal(t, 1, syncer.calls)
	})

	t.Run("status", func(t *testing.T) {
		syncer := &fakeSyncer{status: &replication.Status{Running: true, OutboxBatches: 3, LatestBatchID: "sync_3_abc"}}
		server, err := NewServer(newTestService(t, knowledge.Config{}), syncer, logging.NewNop(), nil)
		require.NoError(t, err)

		rec := do(t, server, http.MethodGet, "/api/v1/sync", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		st := decode[replication.Status](t, rec)
		assert.True(t, st.Running)
		assert.Equal(t, 3, st.OutboxBatches)
		assert.Equal(t, "sync_3_abc", st.LatestBatchID)
	})

	t.Run("partial failure", func(t *testing.T) {
		syncer := &fakeSyncer{report: &replication.CycleReport{}, err: errors.New("cleanup: permission denied")}
		server, err := NewServer(newTestService(t, knowledge.Config{}), syncer, logging.NewNop(), nil)
		require.NoError(t, err)

		rec := do(t, server, http.MethodPost, "/api/v1/sync", nil)
		assert.Equal(t, http.StatusMultiStatus, rec.Code)
		assert.Contains(t, decode[SyncResponse](t, rec).Error, "permission denied")
	})

	t.Run("failed peer", func(t *testing.T) {
		dir := t.TempDir()
		store, err := storage.Open(context.Background(), storage.Options{
			DBPath:  filepath.Join(dir, "substrate.db"),
			LogPath: filepath.Join(dir, "observations.jsonl"),
		})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })

		transport, err := replication.NewFileTransport(filepath.Join(dir, "outbox"))
		require.NoError(t, err)

		notADir := filepath.Join(dir, "peer-file")
		require.NoError(t, os.WriteFile(notADir, []byte("x"), 0600))

		coord, err := replication.NewCoordinator(replication.Options{
			Store:     store,
			Transport: transport,
			Peers:     []replication.Peer{{Name: "laptop", Path: notADir, Enabled: true}},
			Logger:    logging.NewNop(),
		})
		require.NoError(t, err)
		t.Cleanup(coord.Stop)

		server, err := NewServer(newTestService(t, knowledge.Config{}), coord, logging.NewNop(), nil)
		require.NoError(t, err)

		rec := do(t, server, http.MethodPost, "/api/v1/sync", nil)
		assert.Equal(t, http.StatusMultiStatus, rec.Code)
		res := decode[SyncResponse](t, rec)
		require.Len(t, res.Report.Results, 1)
		assert.NotEmpty(t, res.Report.Results[0].Error)
		assert.Contains(t, res.Error, "peer laptop")
	})
}

func TestAPIKey(t *testing.T) {
	server, err := NewServer(newTestService(t, knowledge.Config{}), nil, logging.NewNop(), &Config{
		Host:   "localhost",
		Port:   3000,
		APIKey: "s3cret",
	})
	require.NoError(t, err)

	request := func(auth string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
		if auth != "" {
			req.Header.Set(echo.HeaderAuthorization, auth)
		}
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Contains(t, []int{http.StatusBadRequest, http.StatusUnauthorized}, request(""))
	assert.Equal(t, http.StatusUnauthorized, request("Bearer wrong"))
	assert.Equal(t, http.StatusOK, request("Bearer s3cret"))

	// Health stays open for probes.
	assert.Equal(t, http.StatusOK, do(t, server, http.MethodGet, "/health", nil).Code)
}

func TestServerLifecycle(t *testing.T) {
	t.Run("starts and shuts down gracefully", func(t *testing.T) {
		server, err := NewServer(newTestService(t, knowledge.Config{}), nil, logging.NewNop(), &Config{
			Host: "localhost",
			Port: 0, // Use random available port
		})
		require.NoError(t, err)

		errChan := make(chan error, 1)
		go func() {
			errChan <- server.Start()
		}()

		// Give server time to start
		time.Sleep(100 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err = server.Shutdown(ctx)
		assert.NoError(t, err)

		select {
		case err := <-errChan:
			assert.True(t, err == nil || errors.Is(err, http.ErrServerClosed))
		case <-time.After(6 * time.Second):
			t.Fatal("server did not shut down in time")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		server := setupTestServer(t)
		rec := do(t, server, http.MethodGet, "/health", nil)
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		server := setupTestServer(t)

		server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
