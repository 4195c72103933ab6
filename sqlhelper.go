package main

import (
	"fmt"
	"strconv"
	"strings"
)

// sqlTag marks every statement the tool issues so it can be spotted in the
// processlist and the binlog.
const sqlTag = "/* shadowswap */"

func tagged(stmt string) string {
	return stmt + " " + sqlTag
}

// quoteIdent quotes a MySQL identifier.
func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// joinColumns renders `a`, `b`.
func joinColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// typedColumns renders `table`.`a`, `table`.`b`.
func typedColumns(table string, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%s.%s", quoteIdent(table), quoteIdent(c))
	}
	return strings.Join(quoted, ", ")
}

// rowColumns renders NEW.`a`, NEW.`b` for trigger bodies.
func rowColumns(alias string, cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = alias + "." + quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// supportsAtomicSwitch reports whether a server version handles a
// multi-table RENAME TABLE without the binlog ordering bug.
func supportsAtomicSwitch(version string) bool {
	parts := strings.SplitN(version, ".", 3)
	nums := make([]int, 0, 3)
	for _, p := range parts {
		end := 0
		for end < len(p) && p[end] >= '0' && p[end] <= '9' {
			end++
		}
		n, err := strconv.Atoi(p[:end])
		if err != nil {
			break
		}
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return false
	}
	at := func(i int) (int, bool) {
		if i < len(nums) {
			return nums[i], true
		}
		return 0, false
	}
	major, _ := at(0)
	minor, hasMinor := at(1)
	tiny, hasTiny := at(2)
	switch major {
	case 4:
		if hasMinor && minor < 2 {
			return false
		}
	case 5:
		switch minor {
		case 5:
			if hasTiny && tiny < 62 {
				return false
			}
		case 6:
			if hasTiny && tiny < 12 {
				return false
			}
		}
	}
	return true
}
