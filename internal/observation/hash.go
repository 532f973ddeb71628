package observation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const agentHashPrefix = "substrate:agent:"

// HashAgentID pseudonymises a raw agent identifier.
func HashAgentID(agentID string) string {
	return sha256Hex([]byte(agentHashPrefix + agentID))
}

// ContentHash is the dedup digest of an observation's identity-relevant fields.
//
// It covers the lower-cased domain and path, the category, and the structured
// data with keys sorted recursively. Summary, tags and timestamps do not
// contribute, so two wordings of the same fact hash identically.
func ContentHash(domain, path string, category Category, data map[string]any) string {
	canonical := map[string]any{
		"category":        string(category),
		"domain":          strings.ToLower(domain),
		"path":            strings.ToLower(path),
		"structured_data": nil,
	}
	if data != nil {
		canonical["structured_data"] = canonicalize(data)
	}
	return sha256Hex(marshalCanonical(canonical))
}

// canonicalize normalises nested values to map[string]any and []any.
// encoding/json emits map keys in sorted order, which gives the recursive key sort.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = canonicalize(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return v
	}
}

// marshalCanonical encodes without HTML escaping so digests stay stable
// across implementations that emit raw '<', '>' and '&'.
func marshalCanonical(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		// NaN and Inf are not representable in JSON.
		return []byte(fmt.Sprintf("%v", v))
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
