package main

import "strings"

// Column represents a single column from MySQL INFORMATION_SCHEMA.
type Column struct {
	Name       string
	DataType   string // e.g. "int", "varchar"
	ColumnType string // full type e.g. "int(10) unsigned", "varchar(255)"
	Nullable   bool
	Default    *string
	Extra      string // e.g. "auto_increment", "virtual generated"
	OrdinalPos int
}

// Index represents a MySQL index (may span multiple columns).
type Index struct {
	Name      string
	Columns   []string // ordered by SEQ_IN_INDEX
	Unique    bool
	IsPrimary bool
	Type      string // BTREE, FULLTEXT, SPATIAL, HASH
}

// Table is a read-only snapshot of a table's columns and keys.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey *Index
	Indexes    []Index // non-primary indexes
}

// Column looks up a column by name, case-insensitively like MySQL does.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t Table) Index(name string) (Index, bool) {
	for _, idx := range t.Indexes {
		if strings.EqualFold(idx.Name, name) {
			return idx, true
		}
	}
	return Index{}, false
}

var integerTypes = map[string]bool{
	"tinyint": true, "smallint": true, "mediumint": true, "int": true, "integer": true, "bigint": true,
}

// OrderingKey returns the single integer primary key column used to chunk
// the table.
func (t Table) OrderingKey() (string, error) {
	if t.PrimaryKey == nil || len(t.PrimaryKey.Columns) != 1 {
		return "", errorf(ErrNoOrderingKey, "table %s needs a single-column primary key", t.Name)
	}
	name := t.PrimaryKey.Columns[0]
	col, ok := t.Column(name)
	if !ok {
		return "", errorf(ErrNoOrderingKey, "table %s: primary key column %s not found", t.Name, name)
	}
	if !integerTypes[col.DataType] {
		return "", errorf(ErrNoOrderingKey, "table %s: primary key %s is %s, not an integer", t.Name, name, col.DataType)
	}
	return col.Name, nil
}
