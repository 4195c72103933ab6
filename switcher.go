package main

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
)

// Switcher makes the destination table take over the origin's name.
type Switcher interface {
	Validate(ctx context.Context) error
	Switch(ctx context.Context) error
}

// AtomicSwitcher swaps both tables with one multi-table RENAME. Only use it
// on servers where supportsAtomicSwitch holds.
type AtomicSwitcher struct {
	migration *Migration
	retry     *SQLRetry
	logger    zerolog.Logger
}

func NewAtomicSwitcher(m *Migration, retry *SQLRetry, logger zerolog.Logger) *AtomicSwitcher {
	return &AtomicSwitcher{
		migration: m,
		retry:     retry.WithPrefix("AtomicSwitcher"),
		logger:    logger.With().Str("component", "switcher").Logger(),
	}
}

func (s *AtomicSwitcher) Statement() string {
	m := s.migration
	return fmt.Sprintf("rename table %s to %s, %s to %s",
		quoteIdent(m.OriginName()), quoteIdent(m.ArchiveName()),
		quoteIdent(m.DestinationName()), quoteIdent(m.OriginName()))
}

func (s *AtomicSwitcher) Validate(ctx context.Context) error {
	return validateTablePair(ctx, s.retry.Connection(), s.migration.OriginName(), s.migration.DestinationName())
}

func (s *AtomicSwitcher) Switch(ctx context.Context) error {
	if err := s.Validate(ctx); err != nil {
		return err
	}
	if _, err := s.retry.Exec(ctx, s.Statement()); err != nil {
		return errors.Wrap(err, "atomic rename")
	}
	s.logger.Info().
		Str("table", s.migration.OriginName()).
		Str("archive", s.migration.ArchiveName()).
		Msg("switched tables atomically")
	return nil
}

// LockedSwitcher swaps the tables under LOCK TABLES with two renames. Other
// sessions block on the write locks, so they never see the moment between
// the renames. It needs a single pinned session.
type LockedSwitcher struct {
	migration *Migration
	retry     *SQLRetry
	logger    zerolog.Logger
}

func NewLockedSwitcher(m *Migration, retry *SQLRetry, logger zerolog.Logger) *LockedSwitcher {
	return &LockedSwitcher{
		migration: m,
		retry:     retry.WithPrefix("LockedSwitcher"),
		logger:    logger.With().Str("component", "switcher").Logger(),
	}
}

func (s *LockedSwitcher) Statements() []string {
	m := s.migration
	origin, dest, archive := quoteIdent(m.OriginName()), quoteIdent(m.DestinationName()), quoteIdent(m.ArchiveName())
	return []string{
		"set @lhm_auto_commit = @@session.autocommit, session autocommit = 0",
		fmt.Sprintf("lock table %s write, %s write", origin, dest),
		fmt.Sprintf("alter table %s rename %s", origin, archive),
		fmt.Sprintf("alter table %s rename %s", dest, origin),
		"commit",
		"unlock tables",
		"set session autocommit = @lhm_auto_commit",
	}
}

// Positions in Statements that matter when a switch fails halfway.
const (
	lockedRenameOrigin = 2
	lockedRenameDest   = 3
	lockedCommit       = 4
)

// RevertStatements undo the renames that completed before the statement at
// index failed, release the locks and restore autocommit. Renames are kept
// once the commit went through.
func (s *LockedSwitcher) RevertStatements(failed int) []string {
	m := s.migration
	origin, dest, archive := quoteIdent(m.OriginName()), quoteIdent(m.DestinationName()), quoteIdent(m.ArchiveName())
	var stmts []string
	if failed <= lockedCommit {
		if failed > lockedRenameDest {
			stmts = append(stmts, fmt.Sprintf("alter table %s rename %s", origin, dest))
		}
		if failed > lockedRenameOrigin {
			stmts = append(stmts, fmt.Sprintf("alter table %s rename %s", archive, origin))
		}
	}
	return append(stmts,
		"unlock tables",
		"set session autocommit = @lhm_auto_commit",
	)
}

func (s *LockedSwitcher) Validate(ctx context.Context) error {
	return validateTablePair(ctx, s.retry.Connection(), s.migration.OriginName(), s.migration.DestinationName())
}

func (s *LockedSwitcher) Switch(ctx context.Context) error {
	if err := s.Validate(ctx); err != nil {
		return err
	}
	for i, stmt := range s.Statements() {
		if _, err := s.retry.Exec(ctx, stmt); err != nil {
			s.revert(context.WithoutCancel(ctx), i)
			return errors.Wrapf(err, "locked switch: %s", stmt)
		}
	}
	s.logger.Info().
		Str("table", s.migration.OriginName()).
		Str("archive", s.migration.ArchiveName()).
		Msg("switched tables under lock")
	return nil
}

func (s *LockedSwitcher) revert(ctx context.Context, failed int) {
	conn := s.retry.Connection()
	for _, stmt := range s.RevertStatements(failed) {
		if _, err := conn.Exec(ctx, tagged(stmt)); err != nil {
			s.logger.Error().Err(err).Str("statement", stmt).Msg("revert failed")
		}
	}
}
