package observation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestContentHash_Golden pins the digest format so peers running other builds agree.
func TestContentHash_Golden(t *testing.T) {
	got := ContentHash("api.x.com", "", CategoryRateLimit, map[string]any{"limit": 100, "window": "1m"})
	assert.Equal(t, "dd14e1b0dc5bd21d6b65bf39d268a735e0afc4e6dac2fb70f2f31ea57b9a3403", got)

	got = ContentHash("a.com", "/login", CategoryAuth, nil)
	assert.Equal(t, "54e190a09675dd26a76df08ddbe7278d6baed19a4558a8f2d29b554f97cf3b99", got)
}

// TestContentHash_Stability tests invariance under reordering, case and float/int encoding.
func TestContentHash_Stability(t *testing.T) {
	base := ContentHash("api.x.com", "/v2/users", CategoryFormat, map[string]any{
		"field":  "birthdate",
		"format": "DD/MM/YYYY",
	})

	tests := []struct {
		name   string
		domain string
		path   string
		data   map[string]any
		same   bool
	}{
		{"identical", "api.x.com", "/v2/users", map[string]any{"field": "birthdate", "format": "DD/MM/YYYY"}, true},
		{"domain case", "API.X.COM", "/v2/users", map[string]any{"field": "birthdate", "format": "DD/MM/YYYY"}, true},
		{"path case", "api.x.com", "/V2/Users", map[string]any{"field": "birthdate", "format": "DD/MM/YYYY"}, true},
		{"value differs", "api.x.com", "/v2/users", map[string]any{"field": "birthdate", "format": "MM/DD/YYYY"}, false},
		{"extra key", "api.x.com", "/v2/users", map[string]any{"field": "birthdate", "format": "DD/MM/YYYY", "required": true}, false},
		{"other path", "api.x.com", "/v3/users", map[string]any{"field": "birthdate", "format": "DD/MM/YYYY"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ContentHash(tt.domain, tt.path, CategoryFormat, tt.data)
			if tt.same {
				assert.Equal(t, base, got)
			} else {
				assert.NotEqual(t, base, got)
			}
		})
	}

	assert.Equal(t,
		ContentHash("d", "", CategoryRateLimit, map[string]any{"limit": 100}),
		ContentHash("d", "", CategoryRateLimit, map[string]any{"limit": float64(100)}),
		"integers decoded from JSON as float64 must hash the same",
	)
}

// TestContentHash_IgnoresNonIdentityFields tests that wording, tags and timestamps do not matter.
func TestContentHash_IgnoresNonIdentityFields(t *testing.T) {
	data := map[string]any{"limit": 100, "window": "1m"}
	a, err := New(NewParams{AgentID: "a", Domain: "api.x.com", Category: CategoryRateLimit, Summary: "100 per minute", StructuredData: data, Tags: []string{"x"}}, fixedNow)
	assert.NoError(t, err)
	b, err := New(NewParams{AgentID: "b", Domain: "Api.X.com", Category: CategoryRateLimit, Summary: "Rate limit is 100/min", StructuredData: map[string]any{"window": "1m", "limit": 100}}, fixedNow.Add(48*time.Hour))
	assert.NoError(t, err)

	assert.Equal(t, a.ContentHash, b.ContentHash)
}

func TestHashAgentID(t *testing.T) {
	assert.Equal(t, "b5368c17d2affcda659238febe85af858a205de573b97be82fb42f39ea767645", HashAgentID("agent-a"))
	assert.NotEqual(t, HashAgentID("agent-a"), HashAgentID("agent-b"))
}
