package main

import (
	"fmt"
	"strings"
)

// isGeneratedColumn detects generated columns from the Extra field.
// DEFAULT_GENERATED only marks an expression default and is copied normally.
func isGeneratedColumn(col Column) bool {
	extra := strings.ToUpper(col.Extra)
	return strings.Contains(extra, "VIRTUAL GENERATED") || strings.Contains(extra, "STORED GENERATED")
}

// collectGeneratedColumnWarnings reports generated columns on either side of a
// migration. Their values are computed by the server, so they are left out of
// the copied column list.
func collectGeneratedColumnWarnings(tables ...*Table) []string {
	var warnings []string
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, col := range t.Columns {
			if !isGeneratedColumn(col) {
				continue
			}
			warnings = append(warnings, fmt.Sprintf(
				"generated column %s.%s (%s) is not copied; the server recomputes it",
				t.Name, col.Name, strings.ToLower(col.Extra),
			))
		}
	}
	return warnings
}
