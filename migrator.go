package main

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
)

var indexLengthPattern = regexp.MustCompile(`^\s*([^\s(]+)\s*(\(\s*\d+\s*\))?\s*$`)

// Migrator records the schema changes for one table and applies them to a
// fresh shadow copy.
type Migrator struct {
	origin     string
	shadow     string
	statements []string
	renames    map[string]string
	conditions string
	logger     zerolog.Logger
}

func NewMigrator(origin string, logger zerolog.Logger) *Migrator {
	return &Migrator{
		origin:  origin,
		shadow:  shadowName(origin),
		renames: make(map[string]string),
		logger:  logger.With().Str("component", "migrator").Logger(),
	}
}

func (m *Migrator) Name() string { return m.origin }

// Statements are the ALTER statements recorded so far, in order.
func (m *Migrator) Statements() []string { return append([]string{}, m.statements...) }

// DDL records a raw statement. A %s in it is replaced by the quoted shadow
// table name.
func (m *Migrator) DDL(statement string) {
	statement = strings.ReplaceAll(statement, "%s", quoteIdent(m.shadow))
	m.statements = append(m.statements, statement)
}

func (m *Migrator) AddColumn(name, definition string) {
	m.DDL(fmt.Sprintf("alter table %%s add column %s %s", quoteIdent(name), strings.TrimSpace(definition)))
}

func (m *Migrator) ChangeColumn(name, definition string) {
	m.DDL(fmt.Sprintf("alter table %%s modify column %s %s", quoteIdent(name), strings.TrimSpace(definition)))
}

// RenameColumn renames a column on the shadow table and keeps its data
// flowing from the old name.
func (m *Migrator) RenameColumn(old, name string) {
	m.DDL(fmt.Sprintf("alter table %%s rename column %s to %s", quoteIdent(old), quoteIdent(name)))
	m.renames[name] = old
}

func (m *Migrator) RemoveColumn(name string) {
	m.DDL(fmt.Sprintf("alter table %%s drop %s", quoteIdent(name)))
}

func (m *Migrator) AddIndex(columns []string, name string) error {
	return m.addIndex(columns, name, false)
}

func (m *Migrator) AddUniqueIndex(columns []string, name string) error {
	return m.addIndex(columns, name, true)
}

func (m *Migrator) addIndex(columns []string, name string, unique bool) error {
	cols, err := indexColumns(columns)
	if err != nil {
		return err
	}
	if name == "" {
		name = defaultIndexName(m.origin, columns)
	}
	kind := "index"
	if unique {
		kind = "unique index"
	}
	m.DDL(fmt.Sprintf("create %s %s on %%s (%s)", kind, quoteIdent(name), cols))
	return nil
}

// RemoveIndex drops an index given by name or, when name is empty, by the
// default name derived from columns.
func (m *Migrator) RemoveIndex(columns []string, name string) error {
	if name == "" {
		if len(columns) == 0 {
			return errors.New("remove index needs a name or columns")
		}
		name = defaultIndexName(m.origin, columns)
	}
	m.DDL(fmt.Sprintf("drop index %s on %%s", quoteIdent(name)))
	return nil
}

// Filter restricts the copied rows with a WHERE predicate or an INNER JOIN.
func (m *Migrator) Filter(sql string) error {
	if _, err := classifyFilter(sql); err != nil {
		return err
	}
	m.conditions = strings.TrimSpace(sql)
	return nil
}

// Run creates the shadow table, applies the recorded changes and returns the
// migration between origin and shadow.
func (m *Migrator) Run(ctx context.Context, q queryer, retry *SQLRetry, at time.Time) (*Migration, error) {
	conn := retry.Connection()
	ok, err := conn.TableExists(ctx, m.origin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errorf(ErrTableMissing, "%s", m.origin)
	}
	if ok, err = conn.TableExists(ctx, m.shadow); err != nil {
		return nil, err
	} else if ok {
		return nil, errorf(ErrShadowExists, "%s; remove it with `shadowswap cleanup --table %s --run`", m.shadow, m.origin)
	}

	stmts := append([]string{
		fmt.Sprintf("create table %s like %s", quoteIdent(m.shadow), quoteIdent(m.origin)),
	}, m.statements...)
	for _, stmt := range stmts {
		m.logger.Info().Str("statement", stmt).Msg("applying to shadow table")
		if _, err := retry.Exec(ctx, stmt); err != nil {
			return nil, errors.Wrapf(err, "apply %q", stmt)
		}
	}

	origin, err := introspectTable(ctx, q, m.origin)
	if err != nil {
		return nil, err
	}
	dest, err := introspectTable(ctx, q, m.shadow)
	if err != nil {
		return nil, err
	}
	triggers, err := introspectTriggers(ctx, q, m.origin)
	if err != nil {
		return nil, errors.Wrap(err, "list origin triggers")
	}

	var warnings []string
	warnings = append(warnings, collectKeyCompatibilityWarnings(origin, dest)...)
	warnings = append(warnings, collectGeneratedColumnWarnings(origin, dest)...)
	warnings = append(warnings, originTriggerWarnings(m.origin, triggers)...)
	for _, w := range warnings {
		m.logger.Warn().Msg(w)
	}

	return NewMigration(origin, dest, m.conditions, m.renames, at)
}

// defaultIndexName builds index_<table>_on_<a>_and_<b>, without length
// specifiers, truncated to the identifier limit.
func defaultIndexName(table string, columns []string) string {
	names := make([]string, len(columns))
	for i, c := range columns {
		if match := indexLengthPattern.FindStringSubmatch(c); match != nil {
			c = match[1]
		}
		names[i] = strings.Trim(c, "`")
	}
	return truncateIdentifier("index_"+table+"_on_"+strings.Join(names, "_and_"), maxIdentifierLength)
}

// indexColumns renders `a`, `b`(10) from a, b(10).
func indexColumns(columns []string) (string, error) {
	if len(columns) == 0 {
		return "", errors.New("index needs at least one column")
	}
	parts := make([]string, len(columns))
	for i, c := range columns {
		match := indexLengthPattern.FindStringSubmatch(c)
		if match == nil {
			return "", errors.Errorf("invalid index column %q", c)
		}
		parts[i] = quoteIdent(strings.Trim(match[1], "`")) + strings.ReplaceAll(match[2], " ", "")
	}
	return strings.Join(parts, ", "), nil
}
