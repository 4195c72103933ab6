package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
)

const (
	selectArtifactTablesSQL = `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = DATABASE() AND (TABLE_NAME LIKE 'lhma\_%' OR TABLE_NAME LIKE 'lhmn\_%')
		ORDER BY TABLE_NAME`
	selectArtifactTriggersSQL = `SELECT TRIGGER_NAME FROM INFORMATION_SCHEMA.TRIGGERS
		WHERE TRIGGER_SCHEMA = DATABASE() AND TRIGGER_NAME LIKE 'lhmt\_%'
		ORDER BY TRIGGER_NAME`
)

// CleanupOptions narrow which artifacts are removed.
type CleanupOptions struct {
	// Table restricts cleanup to the shadow table and triggers of one origin.
	// The shadow table is set aside under the failed name instead of dropped.
	Table string
	// Until keeps only archives created at or before this time. Shadow
	// tables are never selected when it is set.
	Until *time.Time
	// Run executes the statements instead of printing them.
	Run bool
}

// Cleanup finds tables and triggers left behind by earlier runs.
type Cleanup struct {
	conn   Connection
	out    io.Writer
	logger zerolog.Logger
	now    func() time.Time
}

func NewCleanup(conn Connection, out io.Writer, logger zerolog.Logger) *Cleanup {
	return &Cleanup{
		conn:   conn,
		out:    out,
		logger: logger.With().Str("component", "cleanup").Logger(),
		now:    time.Now,
	}
}

// Statements lists the DDL for the selected artifacts.
func (c *Cleanup) Statements(ctx context.Context, opts CleanupOptions) ([]string, error) {
	tables, err := c.conn.SelectValues(ctx, selectArtifactTablesSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list tables")
	}
	triggers, err := c.conn.SelectValues(ctx, selectArtifactTriggersSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list triggers")
	}

	var stmts []string
	for _, t := range tables {
		switch {
		case opts.Table != "" && t == shadowName(opts.Table):
			failed := NewTableName(opts.Table, c.now()).Failed()
			stmts = append(stmts, fmt.Sprintf("rename table %s to %s", quoteIdent(t), quoteIdent(failed)))
		case selectTable(t, opts):
			stmts = append(stmts, fmt.Sprintf("drop table if exists %s", quoteIdent(t)))
		}
	}
	for _, t := range triggers {
		if selectTrigger(t, opts) {
			stmts = append(stmts, fmt.Sprintf("drop trigger if exists %s", quoteIdent(t)))
		}
	}
	return stmts, nil
}

func selectTable(name string, opts CleanupOptions) bool {
	if opts.Table != "" {
		return false
	}
	if opts.Until != nil {
		at, ok := archiveTime(name)
		return ok && !at.After(*opts.Until)
	}
	return true
}

func selectTrigger(name string, opts CleanupOptions) bool {
	if opts.Table == "" {
		return true
	}
	for _, op := range triggerOps {
		if name == triggerName(op, opts.Table) {
			return true
		}
	}
	return false
}

// Execute runs the statements for the selected artifacts when opts.Run is
// set and otherwise reports them.
func (c *Cleanup) Execute(ctx context.Context, opts CleanupOptions) error {
	stmts, err := c.Statements(ctx, opts)
	if err != nil {
		return err
	}
	if len(stmts) == 0 {
		fmt.Fprintln(c.out, "Everything is clean. Nothing to do.")
		return nil
	}
	if !opts.Run {
		fmt.Fprintln(c.out, "The following DDLs would be executed:")
		fmt.Fprintln(c.out, strings.Join(stmts, "\n"))
		return nil
	}
	for _, stmt := range stmts {
		if _, err := c.conn.Exec(ctx, tagged(stmt)); err != nil {
			return errors.Wrapf(err, "cleanup: %s", stmt)
		}
		c.logger.Info().Str("statement", stmt).Msg("executed")
	}
	return nil
}
