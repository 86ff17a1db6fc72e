// Package resume computes where a returning reviewer should pick up.
package resume

import (
	"strings"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

// Index returns the row index a reviewer should resume at:
//   - one past the highest row they own, unless that row is the last one;
//   - otherwise the first row nobody owns;
//   - otherwise 0.
//
// It is a pure function of its inputs and must be recomputed after every save
// or identity change.
func Index(reviewer string, rows []annotator.Row, records map[string]annotator.Record) int {
	if len(rows) == 0 {
		return 0
	}
	name := strings.TrimSpace(reviewer)
	if name != "" {
		last := -1
		for i, row := range rows {
			if rec, ok := records[row.ID]; ok && rec.OwnedBy(name) {
				last = i
			}
		}
		if last >= 0 && last < len(rows)-1 {
			return last + 1
		}
	}
	for i, row := range rows {
		rec, ok := records[row.ID]
		if !ok || !rec.Claimed() {
			return i
		}
	}
	return 0
}
