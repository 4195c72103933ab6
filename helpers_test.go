package main

import (
	"bytes"
	"context"
	"database/sql"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeConn records statements and answers queries from callbacks.
type fakeConn struct {
	mu       sync.Mutex
	execs    []string
	tables   map[string]bool
	triggers map[string]bool

	execFn   func(q string) (int64, error)
	valueFn  func(q string) (sql.NullString, error)
	valuesFn func(q string) ([]string, error)
}

func newFakeConn(tables ...string) *fakeConn {
	c := &fakeConn{tables: map[string]bool{}, triggers: map[string]bool{}}
	for _, t := range tables {
		c.tables[t] = true
	}
	return c
}

func (c *fakeConn) Exec(_ context.Context, q string) (int64, error) {
	c.mu.Lock()
	c.execs = append(c.execs, q)
	fn := c.execFn
	c.mu.Unlock()
	if fn != nil {
		return fn(q)
	}
	return 0, nil
}

func (c *fakeConn) SelectValue(_ context.Context, q string) (sql.NullString, error) {
	if c.valueFn != nil {
		return c.valueFn(q)
	}
	return sql.NullString{}, nil
}

func (c *fakeConn) SelectValues(_ context.Context, q string) ([]string, error) {
	if c.valuesFn != nil {
		return c.valuesFn(q)
	}
	return nil, nil
}

func (c *fakeConn) TableExists(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tables[name], nil
}

func (c *fakeConn) TriggerExists(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.triggers[name], nil
}

func (c *fakeConn) statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.execs...)
}

// statementsMatching returns executed statements containing substr.
func (c *fakeConn) statementsMatching(substr string) []string {
	var out []string
	for _, s := range c.statements() {
		if strings.Contains(s, substr) {
			out = append(out, s)
		}
	}
	return out
}

var (
	upperIDPattern = regexp.MustCompile(`>= (\d+) order by .* limit 1 offset (\d+)`)
	betweenPattern = regexp.MustCompile("between (\\d+) and (\\d+)")
)

// tableSim models an origin table with integer keys and a destination
// table filled by INSERT IGNORE chunks.
type tableSim struct {
	ids    []int64
	origin map[int64]string
	dest   map[int64]string
	chunks [][2]int64
}

func newTableSim(ids ...int64) *tableSim {
	s := &tableSim{origin: map[int64]string{}, dest: map[int64]string{}}
	for _, id := range ids {
		s.origin[id] = "row-" + strconv.FormatInt(id, 10)
	}
	s.ids = append(s.ids, ids...)
	sort.Slice(s.ids, func(i, j int) bool { return s.ids[i] < s.ids[j] })
	return s
}

func (s *tableSim) wire(c *fakeConn) {
	c.valueFn = func(q string) (sql.NullString, error) {
		switch {
		case strings.HasPrefix(q, "select min("):
			if len(s.ids) == 0 {
				return sql.NullString{}, nil
			}
			return sql.NullString{String: strconv.FormatInt(s.ids[0], 10), Valid: true}, nil
		case strings.HasPrefix(q, "select max("):
			if len(s.ids) == 0 {
				return sql.NullString{}, nil
			}
			return sql.NullString{String: strconv.FormatInt(s.ids[len(s.ids)-1], 10), Valid: true}, nil
		}
		m := upperIDPattern.FindStringSubmatch(q)
		if m == nil {
			return sql.NullString{}, nil
		}
		next, _ := strconv.ParseInt(m[1], 10, 64)
		offset, _ := strconv.Atoi(m[2])
		var at []int64
		for _, id := range s.ids {
			if id >= next {
				at = append(at, id)
			}
		}
		if offset >= len(at) {
			return sql.NullString{}, nil
		}
		return sql.NullString{String: strconv.FormatInt(at[offset], 10), Valid: true}, nil
	}
	c.execFn = func(q string) (int64, error) {
		if !strings.HasPrefix(q, "insert ignore") {
			return 0, nil
		}
		m := betweenPattern.FindStringSubmatch(q)
		lo, _ := strconv.ParseInt(m[1], 10, 64)
		hi, _ := strconv.ParseInt(m[2], 10, 64)
		s.chunks = append(s.chunks, [2]int64{lo, hi})
		var n int64
		for _, id := range s.ids {
			if id < lo || id > hi {
				continue
			}
			if _, exists := s.dest[id]; exists {
				continue
			}
			s.dest[id] = s.origin[id]
			n++
		}
		return n, nil
	}
}

// recordingThrottler counts Run calls and can change its stride.
type recordingThrottler struct {
	stride  int
	runs    int
	onRun   func(t *recordingThrottler)
	strides []int
}

func (t *recordingThrottler) Stride() int {
	t.strides = append(t.strides, t.stride)
	return t.stride
}

func (t *recordingThrottler) Run(context.Context) error {
	t.runs++
	if t.onRun != nil {
		t.onRun(t)
	}
	return nil
}

type recordingPrinter struct {
	notified [][2]int64
	ended    int
}

func (p *recordingPrinter) Notify(lowest, highest int64) {
	p.notified = append(p.notified, [2]int64{lowest, highest})
}

func (p *recordingPrinter) End() { p.ended++ }

func fastRetryConfig(tries int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.Tries = tries
	cfg.BaseInterval = time.Millisecond
	cfg.MaxInterval = time.Millisecond
	cfg.RandFactor = 0
	return cfg
}

func testRetry(conn Connection) *SQLRetry {
	return NewSQLRetry(conn, fastRetryConfig(3), zerolog.Nop())
}

func logLines(buf *bytes.Buffer) []string {
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func testTable(name string, cols ...string) *Table {
	t := &Table{Name: name}
	for i, c := range cols {
		dataType := "varchar"
		if c == "id" {
			dataType = "int"
		}
		t.Columns = append(t.Columns, Column{Name: c, DataType: dataType, OrdinalPos: i + 1})
	}
	t.PrimaryKey = &Index{Name: "PRIMARY", Columns: []string{"id"}, Unique: true, IsPrimary: true}
	return t
}

func testMigration(tb testing.TB, filter string) *Migration {
	tb.Helper()
	m, err := NewMigration(
		testTable("origin", "id", "name", "email"),
		testTable("lhmn_origin", "id", "name", "email", "flag"),
		filter, nil,
		time.Date(2024, 3, 5, 10, 11, 12, 345_000_000, time.Local),
	)
	if err != nil {
		tb.Fatalf("NewMigration: %v", err)
	}
	return m
}

func int64Ptr(v int64) *int64 { return &v }
