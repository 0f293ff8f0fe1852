// Package diff decides which fetched chapters are genuinely new.
//
// It is pure: no I/O, no clock, no chat dependency. The poll service feeds it
// stored state and a fetch result and ships whatever comes back.
package diff

import (
	"sort"
	"strconv"

	"mangabot/internal/feed"
)

// NewChapters returns the fetched chapters whose identifier is not in
// lastSeen, sorted ascending so notifications preserve reading order.
//
// Comparison is by identifier equality, not position: a page reordering
// chapters it already listed produces no false positives. Duplicate
// identifiers within one fetch collapse to their first entry.
//
// The empty-lastSeen case (first poll of a new source) is the caller's:
// seeding the baseline without notifying is a poll policy, not a diff.
func NewChapters(lastSeen []string, fetched []feed.ChapterRef) []feed.ChapterRef {
	seen := make(map[string]struct{}, len(lastSeen))
	for _, id := range lastSeen {
		seen[id] = struct{}{}
	}

	var out []feed.ChapterRef
	for _, ref := range fetched {
		if _, ok := seen[ref.ID]; ok {
			continue
		}
		seen[ref.ID] = struct{}{}
		out = append(out, ref)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return lessID(out[i].ID, out[j].ID)
	})
	return out
}

// lessID orders chapter identifiers numerically when both parse as decimal
// numbers ("13.5" sorts between "13" and "14", matching VIZ numbering) and
// lexicographically otherwise.
func lessID(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		if fa != fb {
			return fa < fb
		}
		return a < b
	}
	return a < b
}
