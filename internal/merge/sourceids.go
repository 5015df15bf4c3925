// Package merge implements the three-phase knowledge-graph merge:
// EntityMerger (Phase 1), RelationMerger (Phase 2), and IndexUpdater
// (Phase 3), plus the shared source-id windowing and map-reduce
// description summarisation they both depend on. Grounded on
// engine/graph.SaveBatch's transactional batch-upsert shape and
// engine/graph.sanitizeRelType's defensive string-handling style.
package merge

import (
	"fmt"

	"github.com/WessleyAI/wessley-mvp/internal/model"
)

// markerFIFO and markerKEEP are the marker entries appended to a
// node/edge's file_path list when that list was windowed.
const (
	markerFIFO = "...truncated...(FIFO)"
	markerKEEP = "...truncated...(KEEP Old)"
)

// UnionIDs appends incoming ids onto existing, preserving first-seen order
// and dropping duplicates.
func UnionIDs(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, id := range existing {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range incoming {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// LimitIDs applies the FIFO/KEEP windowing policy to ids, returning the
// windowed list and whether truncation occurred. FIFO keeps the newest n
// (the tail of the order-preserved list); KEEP keeps the oldest n (the
// head).
func LimitIDs(ids []string, n int, method model.SourceIDsMethod) (limited []string, truncated bool) {
	if n <= 0 || len(ids) <= n {
		return ids, false
	}
	if method == model.MethodKEEP {
		return ids[:n], true
	}
	return ids[len(ids)-n:], true
}

// truncateMarker returns the marker string to store on a node/edge's
// file_path field, or "" if no truncation occurred.
func truncateMarker(truncated bool, method model.SourceIDsMethod) string {
	if !truncated {
		return ""
	}
	if method == model.MethodKEEP {
		return markerKEEP
	}
	return markerFIFO
}

// nodeTruncateValue returns the value to store on a node/edge's truncate
// field: "FIFO kept/total" when the FIFO window dropped ids, "KEEP Old"
// when the KEEP window dropped ids, or "" if source ids were not
// truncated.
func nodeTruncateValue(truncated bool, method model.SourceIDsMethod, kept, total int) string {
	if !truncated {
		return ""
	}
	if method == model.MethodKEEP {
		return "KEEP Old"
	}
	return fmt.Sprintf("FIFO %d/%d", kept, total)
}

// toSet builds a membership set from ids, once per call site, for O(1)
// membership checks during incoming-entity filtering.
func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
