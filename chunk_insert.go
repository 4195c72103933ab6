package main

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var wherePredicatePattern = regexp.MustCompile(`(?is)^\s*where\s+(.*?)\s*$`)

// ChunkInsert copies one key range of origin into destination. Rows already
// written by the triggers win over the copy because of INSERT IGNORE.
type ChunkInsert struct {
	migration       *Migration
	lowest, highest int64
}

func NewChunkInsert(m *Migration, lowest, highest int64) ChunkInsert {
	return ChunkInsert{migration: m, lowest: lowest, highest: highest}
}

func (c ChunkInsert) SQL() string {
	m := c.migration
	origin := quoteIdent(m.OriginName())
	return fmt.Sprintf(
		"insert ignore into %s (%s) select %s from %s %s %s.%s between %d and %d",
		quoteIdent(m.DestinationName()),
		m.DestinationColumns(),
		m.OriginColumns(m.OriginName()),
		origin,
		c.conditions(),
		origin,
		quoteIdent(m.Key()),
		c.lowest,
		c.highest,
	)
}

// Insert runs the statement and returns the number of rows created.
func (c ChunkInsert) Insert(ctx context.Context, retry *SQLRetry) (int64, error) {
	return retry.Exec(ctx, c.SQL())
}

// conditions returns the clause the range predicate is appended to.
func (c ChunkInsert) conditions() string {
	filter := c.migration.Conditions()
	switch c.migration.FilterKind() {
	case FilterWhere:
		match := wherePredicatePattern.FindStringSubmatch(filter)
		return "where (" + trimUnbalancedParen(match[1]) + ") and"
	case FilterInnerJoin:
		return filter + " where"
	default:
		return "where"
	}
}

// trimUnbalancedParen drops one trailing ")" that has no opening partner.
func trimUnbalancedParen(s string) string {
	if !strings.HasSuffix(s, ")") {
		return s
	}
	depth := 0
	inQuote := byte(0)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case inQuote != 0:
			if ch == inQuote {
				inQuote = 0
			}
		case ch == '\'' || ch == '"' || ch == '`':
			inQuote = ch
		case ch == '(':
			depth++
		case ch == ')':
			depth--
		}
	}
	if depth < 0 {
		return strings.TrimSpace(s[:len(s)-1])
	}
	return s
}
