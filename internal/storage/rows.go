package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rforgeon/substrate/internal/observation"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const observationColumns = `id, agent_hash, domain, path, category, summary, structured_data,
	status, confirmations, confirming_agents, confidence, urgency, tags, content_hash,
	vector_id, created_at, updated_at, expires_at, impact_estimate, impact_reports, impact_stats`

type rowScanner interface {
	Scan(dest ...any) error
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullJSON(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	s, err := marshalJSON(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func scanObservation(row rowScanner) (*observation.Observation, error) {
	var (
		o                               observation.Observation
		structured, vectorID, expiresAt sql.NullString
		impactEstimate, impactStats     sql.NullString
		agents, tags, impactReports     string
		createdAt, updatedAt            string
		category, status, urgency       string
	)
	err := row.Scan(&o.ID, &o.AgentHash, &o.Domain, &o.Path, &category, &o.Summary, &structured,
		&status, &o.Confirmations, &agents, &o.Confidence, &urgency, &tags, &o.ContentHash,
		&vectorID, &createdAt, &updatedAt, &expiresAt, &impactEstimate, &impactReports, &impactStats)
	if err != nil {
		return nil, err
	}

	o.Category = observation.Category(category)
	o.Status = observation.Status(status)
	o.Urgency = observation.Urgency(urgency)
	o.VectorID = vectorID.String

	if structured.Valid && structured.String != "" {
		if err := json.Unmarshal([]byte(structured.String), &o.StructuredData); err != nil {
			return nil, fmt.Errorf("observation %s: corrupt structured_data: %w", o.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(agents), &o.ConfirmingAgents); err != nil {
		return nil, fmt.Errorf("observation %s: corrupt confirming_agents: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &o.Tags); err != nil {
		return nil, fmt.Errorf("observation %s: corrupt tags: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(impactReports), &o.ImpactReports); err != nil {
		return nil, fmt.Errorf("observation %s: corrupt impact_reports: %w", o.ID, err)
	}
	if impactEstimate.Valid {
		o.ImpactEstimate = &observation.ImpactEstimate{}
		if err := json.Unmarshal([]byte(impactEstimate.String), o.ImpactEstimate); err != nil {
			return nil, fmt.Errorf("observation %s: corrupt impact_estimate: %w", o.ID, err)
		}
	}
	if impactStats.Valid {
		o.ImpactStats = &observation.ImpactStats{}
		if err := json.Unmarshal([]byte(impactStats.String), o.ImpactStats); err != nil {
			return nil, fmt.Errorf("observation %s: corrupt impact_stats: %w", o.ID, err)
		}
	}

	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("observation %s: corrupt created_at: %w", o.ID, err)
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("observation %s: corrupt updated_at: %w", o.ID, err)
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("observation %s: corrupt expires_at: %w", o.ID, err)
		}
		o.ExpiresAt = &t
	}
	return &o, nil
}

func scanObservations(rows *sql.Rows) ([]*observation.Observation, error) {
	defer rows.Close()
	var out []*observation.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const groupColumns = `id, domain, path, category, content_hash, canonical_observation_id,
	total_confirmations, unique_agents, status, confidence, created_at, updated_at`

func scanGroup(row rowScanner) (*observation.Group, error) {
	var (
		g                    observation.Group
		category, status     string
		agents               string
		createdAt, updatedAt string
	)
	err := row.Scan(&g.ID, &g.Domain, &g.Path, &category, &g.ContentHash, &g.CanonicalObservationID,
		&g.TotalConfirmations, &agents, &status, &g.Confidence, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	g.Category = observation.Category(category)
	g.Status = observation.Status(status)
	if err := json.Unmarshal([]byte(agents), &g.UniqueAgents); err != nil {
		return nil, fmt.Errorf("group %s: corrupt unique_agents: %w", g.ID, err)
	}
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("group %s: corrupt created_at: %w", g.ID, err)
	}
	if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("group %s: corrupt updated_at: %w", g.ID, err)
	}
	return &g, nil
}

// apply materialises one log record. It is shared by the live write path and Rebuild.
func apply(ctx context.Context, ex execer, rec *Record) error {
	switch rec.Kind {
	case KindObservation:
		return applyObservation(ctx, ex, rec.Origin, rec.Observation)
	case KindStatus:
		return applyStatus(ctx, ex, rec.Status, rec.At)
	case KindGroup:
		return applyGroup(ctx, ex, rec.Group)
	case KindVector:
		return applyVector(ctx, ex, rec.Vector)
	case KindImpact:
		return applyImpact(ctx, ex, rec.Impact, rec.At)
	case KindCursor:
		return applyCursor(ctx, ex, rec.Cursor)
	case KindExport:
		return applyExport(ctx, ex, rec.Export)
	default:
		return fmt.Errorf("unknown log record kind %q", rec.Kind)
	}
}

func applyObservation(ctx context.Context, ex execer, origin string, o *observation.Observation) error {
	if o == nil {
		return fmt.Errorf("observation record without observation")
	}
	if origin == "" {
		origin = OriginLocal
	}

	structured, err := nullJSON(o.StructuredData, o.StructuredData == nil)
	if err != nil {
		return fmt.Errorf("failed to encode structured_data: %w", err)
	}
	agents := o.ConfirmingAgents
	if agents == nil {
		agents = []string{}
	}
	agentsJSON, err := marshalJSON(agents)
	if err != nil {
		return fmt.Errorf("failed to encode confirming_agents: %w", err)
	}
	tags := o.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := marshalJSON(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	reports := o.ImpactReports
	if reports == nil {
		reports = []observation.ImpactReport{}
	}
	reportsJSON, err := marshalJSON(reports)
	if err != nil {
		return fmt.Errorf("failed to encode impact_reports: %w", err)
	}
	estimate, err := nullJSON(o.ImpactEstimate, o.ImpactEstimate == nil)
	if err != nil {
		return fmt.Errorf("failed to encode impact_estimate: %w", err)
	}
	stats, err := nullJSON(o.ImpactStats, o.ImpactStats == nil)
	if err != nil {
		return fmt.Errorf("failed to encode impact_stats: %w", err)
	}
	var expires sql.NullString
	if o.ExpiresAt != nil {
		expires = sql.NullString{String: formatTime(*o.ExpiresAt), Valid: true}
	}
	var vectorID sql.NullString
	if o.VectorID != "" {
		vectorID = sql.NullString{String: o.VectorID, Valid: true}
	}
	status := o.Status
	if status == "" {
		status = observation.StatusPending
	}
	urgency := o.Urgency
	if urgency == "" {
		urgency = observation.UrgencyNormal
	}

	_, err = ex.ExecContext(ctx, `INSERT INTO observations (`+observationColumns+`, origin)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.AgentHash, o.Domain, o.Path, string(o.Category), o.Summary, structured,
		string(status), o.Confirmations, agentsJSON, o.Confidence, string(urgency), tagsJSON, o.ContentHash,
		vectorID, formatTime(o.CreatedAt), formatTime(o.UpdatedAt), expires, estimate, reportsJSON, stats,
		origin)
	if err != nil {
		return fmt.Errorf("failed to insert observation %s: %w", o.ID, err)
	}
	return nil
}

func applyStatus(ctx context.Context, ex execer, sc *StatusChange, at time.Time) error {
	if sc == nil {
		return fmt.Errorf("status record without change")
	}
	sets := "status = ?, updated_at = ?"
	args := []any{string(sc.Status), formatTime(at)}
	if sc.Confidence != nil {
		sets += ", confidence = ?"
		args = append(args, *sc.Confidence)
	}
	if sc.Confirmations != nil {
		sets += ", confirmations = ?"
		args = append(args, *sc.Confirmations)
	}
	if sc.Agents != nil {
		agentsJSON, err := marshalJSON(sc.Agents)
		if err != nil {
			return fmt.Errorf("failed to encode confirming_agents: %w", err)
		}
		sets += ", confirming_agents = ?"
		args = append(args, agentsJSON)
	}
	args = append(args, sc.ObservationID)

	if _, err := ex.ExecContext(ctx, `UPDATE observations SET `+sets+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("failed to update status of %s: %w", sc.ObservationID, err)
	}
	return nil
}

func applyGroup(ctx context.Context, ex execer, g *observation.Group) error {
	if g == nil {
		return fmt.Errorf("group record without group")
	}
	agents := g.UniqueAgents
	if agents == nil {
		agents = []string{}
	}
	agentsJSON, err := marshalJSON(agents)
	if err != nil {
		return fmt.Errorf("failed to encode unique_agents: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO confirmation_groups (`+groupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			canonical_observation_id = excluded.canonical_observation_id,
			total_confirmations = excluded.total_confirmations,
			unique_agents = excluded.unique_agents,
			status = excluded.status,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		g.ID, g.Domain, g.Path, string(g.Category), g.ContentHash, g.CanonicalObservationID,
		g.TotalConfirmations, agentsJSON, string(g.Status), g.Confidence,
		formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save confirmation group %s: %w", g.ID, err)
	}
	return nil
}

func applyVector(ctx context.Context, ex execer, v *VectorRef) error {
	if v == nil {
		return fmt.Errorf("vector record without reference")
	}
	if _, err := ex.ExecContext(ctx, `UPDATE observations SET vector_id = ? WHERE id = ?`,
		v.VectorID, v.ObservationID); err != nil {
		return fmt.Errorf("failed to set vector id of %s: %w", v.ObservationID, err)
	}
	return nil
}

func applyImpact(ctx context.Context, ex execer, ic *ImpactChange, at time.Time) error {
	if ic == nil {
		return fmt.Errorf("impact record without change")
	}
	reportsJSON, err := marshalJSON(ic.Reports)
	if err != nil {
		return fmt.Errorf("failed to encode impact_reports: %w", err)
	}
	statsJSON, err := marshalJSON(ic.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode impact_stats: %w", err)
	}
	if _, err := ex.ExecContext(ctx,
		`UPDATE observations SET impact_reports = ?, impact_stats = ?, updated_at = ? WHERE id = ?`,
		reportsJSON, statsJSON, formatTime(at), ic.ObservationID); err != nil {
		return fmt.Errorf("failed to update impact of %s: %w", ic.ObservationID, err)
	}
	return nil
}

func applyCursor(ctx context.Context, ex execer, s *observation.SyncState) error {
	if s == nil {
		return fmt.Errorf("cursor record without state")
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO sync_state (peer_name, last_sync_at, last_batch_id, sync_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_name) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_batch_id = excluded.last_batch_id,
			sync_count = excluded.sync_count`,
		s.PeerName, formatTime(s.LastSyncAt), s.LastBatchID, s.SyncCount)
	if err != nil {
		return fmt.Errorf("failed to update sync state for %s: %w", s.PeerName, err)
	}
	return nil
}

func applyExport(ctx context.Context, ex execer, m *ExportMarker) error {
	if m == nil {
		return fmt.Errorf("export record without marker")
	}
	if _, err := ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO metadata (key, value) VALUES ('last_export_batch_id', ?)`, m.BatchID); err != nil {
		return fmt.Errorf("failed to record export %s: %w", m.BatchID, err)
	}
	return nil
}
