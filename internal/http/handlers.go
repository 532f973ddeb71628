package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rforgeon/substrate/internal/confirmation"
	"github.com/rforgeon/substrate/internal/knowledge"
	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/replication"
	"github.com/rforgeon/substrate/internal/storage"
)

// handleObserve records a new observation.
func (s *Server) handleObserve(c echo.Context) error {
	var req knowledge.ObserveInput
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid observe request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := s.service.Observe(c.Request().Context(), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// handleLookup lists observations matching the query parameters.
func (s *Server) handleLookup(c echo.Context) error {
	if sinceID := c.QueryParam("since_id"); sinceID != "" {
		return s.handleSince(c, sinceID)
	}

	var (
		f                storage.QueryFilter
		category, status string
	)
	err := echo.QueryParamsBinder(c).
		String("domain", &f.Domain).
		String("path", &f.Path).
		String("category", &category).
		String("status", &status).
		Float64("min_confidence", &f.MinConfidence).
		Strings("tags", &f.Tags).
		Time("since", &f.Since, time.RFC3339).
		Int("limit", &f.Limit).
		Int("offset", &f.Offset).
		BindError()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f.Category = observation.Category(category)
	f.Status = observation.Status(status)

	res, err := s.service.Lookup(c.Request().Context(), f)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// handleSince lists observations recorded after sinceID, in log order.
// Other lookup filters do not apply.
func (s *Server) handleSince(c echo.Context, sinceID string) error {
	list, err := s.service.ObservationsSince(c.Request().Context(), sinceID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, &storage.QueryResult{Observations: list, Total: len(list)})
}

// handleGet returns one observation.
func (s *Server) handleGet(c echo.Context) error {
	o, err := s.service.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, o)
}

// handleImpact records an impact report.
func (s *Server) handleImpact(c echo.Context) error {
	var req knowledge.ImpactInput
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := s.service.ReportImpact(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// TransitionRequest is the optional body of confirm, reject and stale.
type TransitionRequest struct {
	Reason string `json:"reason"`
}

type transitionFunc func(ctx context.Context, id, reason string) (*confirmation.PromotionResult, error)

// handleTransition applies a manual status change.
func (s *Server) handleTransition(fn transitionFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req TransitionRequest
		if c.Request().ContentLength > 0 {
			if err := c.Bind(&req); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
			}
		}

		res, err := fn(c.Request().Context(), c.Param("id"), req.Reason)
		if err != nil {
			return s.fail(c, err)
		}
		if res.Message == confirmation.MsgNotFound {
			return c.JSON(http.StatusNotFound, res)
		}
		return c.JSON(http.StatusOK, res)
	}
}

// handleSearch runs a semantic search, falling back to keywords.
func (s *Server) handleSearch(c echo.Context) error {
	var (
		in               knowledge.SearchInput
		category, status string
	)
	err := echo.QueryParamsBinder(c).
		String("q", &in.Query).
		String("domain", &in.Domain).
		String("category", &category).
		String("status", &status).
		Float64("min_confidence", &in.MinConfidence).
		Int("limit", &in.Limit).
		BindError()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.Category = observation.Category(category)
	in.Status = observation.Status(status)

	res, err := s.service.Search(c.Request().Context(), in)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// handleStats returns knowledge base statistics.
func (s *Server) handleStats(c echo.Context) error {
	st, err := s.service.Stats(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// FailuresResponse is the response body for GET /api/v1/failures.
type FailuresResponse struct {
	Failures []*observation.Observation `json:"failures"`
	Count    int                        `json:"count"`
}

// handleFailures lists recent high-urgency errors.
func (s *Server) handleFailures(c echo.Context) error {
	var (
		domain string
		limit  int
	)
	err := echo.QueryParamsBinder(c).
		String("domain", &domain).
		Int("limit", &limit).
		BindError()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	list, err := s.service.Failures(c.Request().Context(), domain, limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, FailuresResponse{Failures: list, Count: len(list)})
}

// DomainsResponse is the response body for GET /api/v1/domains.
type DomainsResponse struct {
	Domains []storage.DomainCount `json:"domains"`
}

// handleDomains lists observed domains.
func (s *Server) handleDomains(c echo.Context) error {
	domains, err := s.service.Domains(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, DomainsResponse{Domains: domains})
}

// SyncResponse is the response body for POST /api/v1/sync.
type SyncResponse struct {
	Report *replication.CycleReport `json:"report"`
	Error  string                   `json:"error,omitempty"`
}

// handleSyncStatus reports the sync loop and local outbox state.
func (s *Server) handleSyncStatus(c echo.Context) error {
	if s.syncer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sync is disabled")
	}
	st, err := s.syncer.Status()
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// handleSync runs one replication cycle.
func (s *Server) handleSync(c echo.Context) error {
	if s.syncer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sync is disabled")
	}

	report, err := s.syncer.SyncNow(c.Request().Context())
	if report == nil {
		if err == nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "sync produced no report")
		}
		return s.fail(c, err)
	}

	resp := SyncResponse{Report: report}
	status := http.StatusOK
	if err = errors.Join(err, report.PeerErrors()); err != nil {
		s.logger.Warn(c.Request().Context(), "sync cycle finished with errors", zap.Error(err))
		resp.Error = err.Error()
		status = http.StatusMultiStatus
	}
	return c.JSON(status, resp)
}
