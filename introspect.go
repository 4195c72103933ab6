package main

import (
	"context"
	"database/sql"
	"strings"

	"github.com/go-faster/errors"
)

// introspectTable reads the columns and indexes of a table in the current
// database.
func introspectTable(ctx context.Context, q queryer, name string) (*Table, error) {
	cols, err := introspectColumns(ctx, q, name)
	if err != nil {
		return nil, errors.Wrapf(err, "introspect columns for %s", name)
	}
	if len(cols) == 0 {
		return nil, errorf(ErrTableMissing, "%s", name)
	}
	t := &Table{Name: name, Columns: cols}

	indexes, err := introspectIndexes(ctx, q, name)
	if err != nil {
		return nil, errors.Wrapf(err, "introspect indexes for %s", name)
	}
	for _, idx := range indexes {
		if idx.IsPrimary {
			pk := idx
			t.PrimaryKey = &pk
		} else {
			t.Indexes = append(t.Indexes, idx)
		}
	}
	return t, nil
}

func introspectColumns(ctx context.Context, q queryer, tableName string) ([]Column, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT COLUMN_NAME, DATA_TYPE, COLUMN_TYPE,
		        IS_NULLABLE, COLUMN_DEFAULT, EXTRA, ORDINAL_POSITION
		 FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		 ORDER BY ORDINAL_POSITION`,
		tableName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		var nullable string
		var dflt sql.NullString
		if err := rows.Scan(
			&c.Name, &c.DataType, &c.ColumnType,
			&nullable, &dflt, &c.Extra, &c.OrdinalPos,
		); err != nil {
			return nil, err
		}
		c.Nullable = nullable == "YES"
		if dflt.Valid {
			c.Default = &dflt.String
		}
		c.DataType = strings.ToLower(c.DataType)
		c.ColumnType = strings.ToLower(c.ColumnType)
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func introspectIndexes(ctx context.Context, q queryer, tableName string) ([]Index, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT INDEX_NAME, COLUMN_NAME, NON_UNIQUE, SEQ_IN_INDEX, INDEX_TYPE
		 FROM INFORMATION_SCHEMA.STATISTICS
		 WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		 ORDER BY INDEX_NAME, SEQ_IN_INDEX`,
		tableName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	indexMap := make(map[string]*Index)
	var indexOrder []string

	for rows.Next() {
		var idxName, indexType string
		var colName sql.NullString
		var nonUnique, seqInIndex int
		if err := rows.Scan(&idxName, &colName, &nonUnique, &seqInIndex, &indexType); err != nil {
			return nil, err
		}

		idx, ok := indexMap[idxName]
		if !ok {
			idx = &Index{
				Name:      idxName,
				Unique:    nonUnique == 0,
				IsPrimary: idxName == "PRIMARY",
				Type:      strings.ToUpper(indexType),
			}
			indexMap[idxName] = idx
			indexOrder = append(indexOrder, idxName)
		}
		// functional key parts have no column name
		if colName.Valid {
			idx.Columns = append(idx.Columns, colName.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	indexes := make([]Index, 0, len(indexOrder))
	for _, name := range indexOrder {
		indexes = append(indexes, *indexMap[name])
	}
	return indexes, nil
}

// introspectTriggers lists trigger names defined on a table.
func introspectTriggers(ctx context.Context, q queryer, tableName string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT TRIGGER_NAME FROM INFORMATION_SCHEMA.TRIGGERS
		 WHERE TRIGGER_SCHEMA = DATABASE() AND EVENT_OBJECT_TABLE = ?
		 ORDER BY TRIGGER_NAME`,
		tableName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
