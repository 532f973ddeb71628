// Package observation defines the units of knowledge exchanged between agents:
// observations, confirmation groups, sync cursors and sync batches.
package observation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid is returned when an observation fails validation.
var ErrInvalid = errors.New("invalid observation")

// Category classifies what kind of interface fact an observation describes.
type Category string

const (
	CategoryBehavior  Category = "behavior"
	CategoryError     Category = "error"
	CategoryAuth      Category = "auth"
	CategoryRateLimit Category = "rate_limit"
	CategoryFormat    Category = "format"
)

// Categories lists every valid category in display order.
var Categories = []Category{CategoryBehavior, CategoryError, CategoryAuth, CategoryRateLimit, CategoryFormat}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Status is the position of an observation in the confirmation state machine.
type Status string

const (
	StatusPending      Status = "pending"
	StatusConfirmed    Status = "confirmed"
	StatusContradicted Status = "contradicted"
	StatusStale        Status = "stale"
)

// Statuses lists every valid status.
var Statuses = []Status{StatusPending, StatusConfirmed, StatusContradicted, StatusStale}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Urgency controls replication priority.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Valid reports whether u is a known urgency.
func (u Urgency) Valid() bool {
	return u == UrgencyNormal || u == UrgencyHigh || u == UrgencyCritical
}

// ImpactEstimate is the observing agent's guess at how useful the observation is.
type ImpactEstimate struct {
	TimeSavedSeconds       *float64 `json:"time_saved_seconds,omitempty"`
	SuccessRateImprovement *float64 `json:"success_rate_improvement,omitempty"`
	Reasoning              string   `json:"reasoning,omitempty"`
}

// ImpactReport is feedback from an agent that acted on an observation.
type ImpactReport struct {
	AgentHash              string    `json:"agent_hash"`
	ActualTimeSavedSeconds *float64  `json:"actual_time_saved_seconds,omitempty"`
	TaskSucceeded          *bool     `json:"task_succeeded,omitempty"`
	Helpful                bool      `json:"helpful"`
	Feedback               string    `json:"feedback,omitempty"`
	ReportedAt             time.Time `json:"reported_at"`
}

// ImpactStats aggregates all impact reports of an observation.
type ImpactStats struct {
	TotalUses           int      `json:"total_uses"`
	HelpfulCount        int      `json:"helpful_count"`
	AvgTimeSavedSeconds *float64 `json:"avg_time_saved_seconds,omitempty"`
	SuccessRate         *float64 `json:"success_rate,omitempty"`
}

// ComputeImpactStats derives aggregate statistics from reports.
// Averages only consider reports that carry the respective field.
func ComputeImpactStats(reports []ImpactReport) ImpactStats {
	stats := ImpactStats{TotalUses: len(reports)}

	var (
		timeTotal   float64
		timeCount   int
		successes   int
		outcomeSeen int
	)
	for _, r := range reports {
		if r.Helpful {
			stats.HelpfulCount++
		}
		if r.ActualTimeSavedSeconds != nil {
			timeTotal += *r.ActualTimeSavedSeconds
			timeCount++
		}
		if r.TaskSucceeded != nil {
			outcomeSeen++
			if *r.TaskSucceeded {
				successes++
			}
		}
	}

	if timeCount > 0 {
		avg := timeTotal / float64(timeCount)
		stats.AvgTimeSavedSeconds = &avg
	}
	if outcomeSeen > 0 {
		rate := float64(successes) / float64(outcomeSeen) * 100
		stats.SuccessRate = &rate
	}
	return stats
}

// Observation is a single agent's claim about a domain/path/category fact.
type Observation struct {
	ID        string `json:"id"`
	AgentHash string `json:"agent_hash"`

	Domain string `json:"domain"`
	Path   string `json:"path,omitempty"`

	Category       Category       `json:"category"`
	Summary        string         `json:"summary"`
	StructuredData map[string]any `json:"structured_data,omitempty"`

	ImpactEstimate *ImpactEstimate `json:"impact_estimate,omitempty"`
	ImpactReports  []ImpactReport  `json:"impact_reports,omitempty"`
	ImpactStats    *ImpactStats    `json:"impact_stats,omitempty"`

	Status           Status   `json:"status"`
	Confirmations    int      `json:"confirmations"`
	ConfirmingAgents []string `json:"confirming_agents"`
	Confidence       float64  `json:"confidence"`

	Urgency Urgency  `json:"urgency"`
	Tags    []string `json:"tags"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	ContentHash string `json:"content_hash"`
	VectorID    string `json:"vector_id,omitempty"`
}

// Input limits.
const (
	MaxDomainLength  = 255
	MaxPathLength    = 1024
	MaxSummaryLength = 2000
	MaxTags          = 20
)

// Validate checks the fields an agent supplies.
func (o *Observation) Validate() error {
	if strings.TrimSpace(o.Domain) == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalid)
	}
	if len(o.Domain) > MaxDomainLength {
		return fmt.Errorf("%w: domain exceeds %d characters", ErrInvalid, MaxDomainLength)
	}
	if len(o.Path) > MaxPathLength {
		return fmt.Errorf("%w: path exceeds %d characters", ErrInvalid, MaxPathLength)
	}
	if !o.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalid, o.Category)
	}
	if strings.TrimSpace(o.Summary) == "" {
		return fmt.Errorf("%w: summary is required", ErrInvalid)
	}
	if len(o.Summary) > MaxSummaryLength {
		return fmt.Errorf("%w: summary exceeds %d characters", ErrInvalid, MaxSummaryLength)
	}
	if o.Urgency != "" && !o.Urgency.Valid() {
		return fmt.Errorf("%w: unknown urgency %q", ErrInvalid, o.Urgency)
	}
	if o.Status != "" && !o.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, o.Status)
	}
	if len(o.Tags) > MaxTags {
		return fmt.Errorf("%w: at most %d tags allowed", ErrInvalid, MaxTags)
	}
	for k, v := range o.StructuredData {
		switch v.(type) {
		case map[string]any, []any:
			return fmt.Errorf("%w: structured_data.%s must be a scalar", ErrInvalid, k)
		}
	}
	if o.ImpactEstimate != nil {
		if t := o.ImpactEstimate.TimeSavedSeconds; t != nil && *t < 0 {
			return fmt.Errorf("%w: impact_estimate.time_saved_seconds must be >= 0", ErrInvalid)
		}
		if r := o.ImpactEstimate.SuccessRateImprovement; r != nil && (*r < 0 || *r > 100) {
			return fmt.Errorf("%w: impact_estimate.success_rate_improvement must be within [0,100]", ErrInvalid)
		}
	}
	return nil
}

// NewParams are the caller-supplied fields of a new observation.
type NewParams struct {
	AgentID        string
	Domain         string
	Path           string
	Category       Category
	Summary        string
	StructuredData map[string]any
	ImpactEstimate *ImpactEstimate
	Urgency        Urgency
	Tags           []string
	ExpiresAt      *time.Time
}

// New builds a pending observation owned by the agent in p, validated and hashed.
func New(p NewParams, now time.Time) (*Observation, error) {
	if strings.TrimSpace(p.AgentID) == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrInvalid)
	}
	agentHash := HashAgentID(p.AgentID)
	urgency := p.Urgency
	if urgency == "" {
		urgency = UrgencyNormal
	}
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}

	o := &Observation{
		ID:               NewID(),
		AgentHash:        agentHash,
		Domain:           p.Domain,
		Path:             p.Path,
		Category:         p.Category,
		Summary:          p.Summary,
		StructuredData:   p.StructuredData,
		ImpactEstimate:   p.ImpactEstimate,
		Status:           StatusPending,
		Confirmations:    1,
		ConfirmingAgents: []string{agentHash},
		Confidence:       0,
		Urgency:          urgency,
		Tags:             tags,
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
		ExpiresAt:        p.ExpiresAt,
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	o.ContentHash = ContentHash(o.Domain, o.Path, o.Category, o.StructuredData)
	return o, nil
}

// Group is the dedup bucket for observations with identical content digests.
type Group struct {
	ID                     string    `json:"id"`
	Domain                 string    `json:"domain"`
	Path                   string    `json:"path,omitempty"`
	Category               Category  `json:"category"`
	ContentHash            string    `json:"content_hash"`
	CanonicalObservationID string    `json:"canonical_observation_id"`
	TotalConfirmations     int       `json:"total_confirmations"`
	UniqueAgents           []string  `json:"unique_agents"`
	Status                 Status    `json:"status"`
	Confidence             float64   `json:"confidence"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// HasAgent reports whether agentHash already contributed to the group.
func (g *Group) HasAgent(agentHash string) bool {
	for _, a := range g.UniqueAgents {
		if a == agentHash {
			return true
		}
	}
	return false
}

// SyncState is the per-peer replication cursor.
type SyncState struct {
	PeerName    string    `json:"peer_name"`
	LastSyncAt  time.Time `json:"last_sync_at"`
	LastBatchID string    `json:"last_batch_id,omitempty"`
	SyncCount   int       `json:"sync_count"`
}

// Batch is the immutable replication unit written to an outbox.
type Batch struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	Observations []*Observation `json:"observations"`
}
