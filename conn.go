package main

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/go-faster/errors"
)

// Connection is the database surface the migration engine needs. All calls
// made during one run must share a single server session so that session
// variables and table locks apply to every statement.
type Connection interface {
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, query string) (int64, error)
	// SelectValue returns the first column of the first row. A missing row
	// and a NULL value both come back as an invalid NullString.
	SelectValue(ctx context.Context, query string) (sql.NullString, error)
	// SelectValues returns the first column of every row, skipping NULLs.
	SelectValues(ctx context.Context, query string) ([]string, error)
	TableExists(ctx context.Context, name string) (bool, error)
	TriggerExists(ctx context.Context, name string) (bool, error)
}

// queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type mysqlConnection struct {
	q queryer
}

func newConnection(q queryer) *mysqlConnection {
	return &mysqlConnection{q: q}
}

func (c *mysqlConnection) Exec(ctx context.Context, query string) (int64, error) {
	res, err := c.q.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return n, nil
}

func (c *mysqlConnection) SelectValue(ctx context.Context, query string) (sql.NullString, error) {
	var v sql.NullString
	err := c.q.QueryRowContext(ctx, query).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.NullString{}, nil
	}
	return v, err
}

func (c *mysqlConnection) SelectValues(ctx context.Context, query string) ([]string, error) {
	rows, err := c.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v.Valid {
			out = append(out, v.String)
		}
	}
	return out, rows.Err()
}

// SelectRow returns the first row keyed by column name. No row yields an
// empty map.
func (c *mysqlConnection) SelectRow(ctx context.Context, query string) (map[string]sql.NullString, error) {
	rows, err := c.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]sql.NullString)
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		return result, rows.Err()
	}
	values := make([]sql.NullString, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}
	if err := rows.Scan(scanArgs...); err != nil {
		return nil, err
	}
	for i, col := range cols {
		result[col] = values[i]
	}
	return result, rows.Err()
}

func (c *mysqlConnection) TableExists(ctx context.Context, name string) (bool, error) {
	return c.exists(ctx,
		`SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`, name)
}

func (c *mysqlConnection) TriggerExists(ctx context.Context, name string) (bool, error) {
	return c.exists(ctx,
		`SELECT COUNT(*) FROM INFORMATION_SCHEMA.TRIGGERS
		 WHERE TRIGGER_SCHEMA = DATABASE() AND TRIGGER_NAME = ?`, name)
}

func (c *mysqlConnection) exists(ctx context.Context, query, name string) (bool, error) {
	var n int64
	if err := c.q.QueryRowContext(ctx, query, name).Scan(&n); err != nil {
		return false, errors.Wrapf(err, "check %s", name)
	}
	return n > 0, nil
}

// selectInt reads a nullable integer scalar. ok is false for NULL or no row.
func selectInt(ctx context.Context, conn Connection, query string) (v int64, ok bool, err error) {
	raw, err := conn.SelectValue(ctx, query)
	if err != nil {
		return 0, false, err
	}
	if !raw.Valid {
		return 0, false, nil
	}
	v, err = strconv.ParseInt(raw.String, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "parse %q", raw.String)
	}
	return v, true, nil
}
