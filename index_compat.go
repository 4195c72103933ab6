package main

import (
	"fmt"
	"strings"
)

// collectKeyCompatibilityWarnings compares origin and destination keys. The
// bulk copy uses INSERT IGNORE and the triggers use REPLACE INTO, so a new
// unique key silently drops or overwrites rows that collide on it.
func collectKeyCompatibilityWarnings(origin, dest *Table) []string {
	var warnings []string

	originPK, destPK := primaryKeyColumns(origin), primaryKeyColumns(dest)
	if !strings.EqualFold(strings.Join(originPK, ","), strings.Join(destPK, ",")) {
		warnings = append(warnings, fmt.Sprintf(
			"primary key changes from (%s) to (%s); rows are still copied by %s.%s",
			strings.Join(originPK, ", "), strings.Join(destPK, ", "), origin.Name, firstOrEmpty(originPK),
		))
	}

	for _, idx := range dest.Indexes {
		if !idx.Unique {
			continue
		}
		if existing, ok := origin.Index(idx.Name); ok && existing.Unique && sameColumns(existing.Columns, idx.Columns) {
			continue
		}
		warnings = append(warnings, fmt.Sprintf(
			"new unique index %s (%s): duplicate rows are dropped during the copy",
			idx.Name, strings.Join(idx.Columns, ", "),
		))
	}

	for _, idx := range dest.Indexes {
		if idx.Type != "" && idx.Type != "BTREE" {
			warnings = append(warnings, fmt.Sprintf(
				"%s index %s is rebuilt row by row during the copy",
				strings.ToLower(idx.Type), idx.Name,
			))
		}
	}
	return warnings
}

func primaryKeyColumns(t *Table) []string {
	if t == nil || t.PrimaryKey == nil {
		return nil
	}
	return t.PrimaryKey.Columns
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

func firstOrEmpty(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
