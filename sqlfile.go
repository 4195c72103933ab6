package main

import (
	"os"
	"strings"

	"github.com/go-faster/errors"
)

// loadChangesFile reads a file of ALTER statements for the shadow table.
// A %s in a statement stands for the shadow table name.
func loadChangesFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "changes file: read %s", path)
	}
	stmts := splitStatements(string(data))
	if len(stmts) == 0 {
		return nil, errors.Errorf("changes file %s has no statements", path)
	}
	return stmts, nil
}

// splitStatements splits MySQL text on semicolons that are outside quotes,
// backtick identifiers and comments. Empty statements are dropped.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var quote byte
	inLineComment := false
	inBlockComment := false

	for i := 0; i < len(sql); i++ {
		c := sql[i]

		if inLineComment {
			current.WriteByte(c)
			if c == '\n' {
				inLineComment = false
			}
			continue
		}

		if inBlockComment {
			current.WriteByte(c)
			if c == '*' && i+1 < len(sql) && sql[i+1] == '/' {
				current.WriteByte(sql[i+1])
				i++
				inBlockComment = false
			}
			continue
		}

		if quote != 0 {
			current.WriteByte(c)
			switch {
			case c == '\\' && quote != '`' && i+1 < len(sql):
				current.WriteByte(sql[i+1])
				i++
			case c == quote:
				// doubled quote is an escaped quote
				if i+1 < len(sql) && sql[i+1] == quote {
					current.WriteByte(sql[i+1])
					i++
				} else {
					quote = 0
				}
			}
			continue
		}

		switch {
		case c == '#':
			current.WriteByte(c)
			inLineComment = true
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			current.WriteByte(c)
			current.WriteByte(sql[i+1])
			i++
			inLineComment = true
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			current.WriteByte(c)
			current.WriteByte(sql[i+1])
			i++
			inBlockComment = true
		case c == '\'' || c == '"' || c == '`':
			current.WriteByte(c)
			quote = c
		case c == ';':
			if s := strings.TrimSpace(current.String()); s != "" {
				stmts = append(stmts, s)
			}
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}

	// Trailing statement without semicolon
	if s := strings.TrimSpace(current.String()); s != "" {
		stmts = append(stmts, s)
	}

	return stmts
}
