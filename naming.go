package main

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// maxIdentifierLength is the MySQL limit for table and trigger names.
const maxIdentifierLength = 64

const (
	archivePrefix = "lhma_"
	shadowPrefix  = "lhmn_"
	triggerPrefix = "lhmt_"
	failedSuffix  = "_failed"
)

// TriggerOp is the DML event a synchronization trigger fires on.
type TriggerOp string

const (
	TriggerInsert TriggerOp = "ins"
	TriggerUpdate TriggerOp = "upd"
	TriggerDelete TriggerOp = "del"
)

var triggerOps = []TriggerOp{TriggerInsert, TriggerUpdate, TriggerDelete}

const timestampLayout = "2006_01_02_15_04_05"

// formatTimestamp renders t as YYYY_MM_DD_HH_MM_SS_mmm.
func formatTimestamp(t time.Time) string {
	return fmt.Sprintf("%s_%03d", t.Format(timestampLayout), t.Nanosecond()/int(time.Millisecond))
}

// TableName derives the transient artifact names for one origin table.
type TableName struct {
	Original  string
	timestamp string
}

func NewTableName(original string, at time.Time) TableName {
	return TableName{Original: original, timestamp: formatTimestamp(at)}
}

// Archived is the name origin is renamed to after a successful switch.
func (n TableName) Archived() string {
	return truncateIdentifier(archivePrefix+n.timestamp+"_"+n.Original, maxIdentifierLength)
}

// Failed is the archive name variant used when a partial run is set aside.
func (n TableName) Failed() string {
	return truncateIdentifier(n.Archived(), maxIdentifierLength-len(failedSuffix)) + failedSuffix
}

// Shadow is the name of the altered copy built alongside origin.
func (n TableName) Shadow() string {
	return shadowName(n.Original)
}

func shadowName(origin string) string {
	return truncateIdentifier(shadowPrefix+origin, maxIdentifierLength)
}

func triggerName(op TriggerOp, origin string) string {
	return truncateIdentifier(triggerPrefix+string(op)+"_"+origin, maxIdentifierLength)
}

// truncateIdentifier keeps at most n characters of s, always from the front.
func truncateIdentifier(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	var b strings.Builder
	count := 0
	for _, r := range s {
		if count == n {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}

// archiveTime extracts the second-precision timestamp embedded in an archive
// table name. Truncated names that lost part of the timestamp are rejected.
func archiveTime(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, archivePrefix) {
		return time.Time{}, false
	}
	rest := name[len(archivePrefix):]
	if len(rest) < len(timestampLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(timestampLayout, rest[:len(timestampLayout)], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
