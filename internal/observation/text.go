package observation

import (
	"fmt"
	"sort"
	"strings"
)

// SearchableText flattens an observation into the text that gets embedded.
func SearchableText(o *Observation) string {
	parts := []string{"domain: " + o.Domain}
	if o.Path != "" {
		parts = append(parts, "path: "+o.Path)
	}
	parts = append(parts, "category: "+string(o.Category), o.Summary)

	keys := make([]string, 0, len(o.StructuredData))
	for k := range o.StructuredData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := o.StructuredData[k]; v != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", k, v))
		}
	}
	return strings.Join(parts, " | ")
}

// MatchQuery is the short form used when looking for near-duplicates.
func MatchQuery(o *Observation) string {
	return strings.Join([]string{o.Domain, o.Path, string(o.Category), o.Summary}, " ")
}
