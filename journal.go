package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const journalSchema = `CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	table_name   TEXT NOT NULL,
	shadow_name  TEXT NOT NULL,
	archive_name TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	finished_at  TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT ''
)`

// journalTimeLayout is fixed width so stored times sort as text.
const journalTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const (
	runStatusRunning = "running"
	runStatusDone    = "done"
	runStatusFailed  = "failed"
)

// JournalEntry is one recorded migration run.
type JournalEntry struct {
	ID          string
	Table       string
	ShadowName  string
	ArchiveName string
	Status      string
	StartedAt   time.Time
	FinishedAt  time.Time
	Error       string
}

// Journal records migration runs in a local SQLite file.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, journalSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init journal")
	}
	return &Journal{db: db, now: time.Now}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Start records a run as running and returns its id.
func (j *Journal) Start(ctx context.Context, table string) (string, error) {
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, table_name, shadow_name, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, table, shadowName(table), runStatusRunning, j.now().UTC().Format(journalTimeLayout),
	)
	if err != nil {
		return "", errors.Wrap(err, "journal start")
	}
	return id, nil
}

// Finish marks a run done or failed. m may be nil when the run failed early.
func (j *Journal) Finish(ctx context.Context, id string, m *Migration, runErr error) error {
	status, msg := runStatusDone, ""
	if runErr != nil {
		status, msg = runStatusFailed, runErr.Error()
	}
	archive := ""
	if m != nil && runErr == nil {
		archive = m.ArchiveName()
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, archive_name = ?, finished_at = ?, error = ? WHERE id = ?`,
		status, archive, j.now().UTC().Format(journalTimeLayout), msg, id,
	)
	if err != nil {
		return errors.Wrap(err, "journal finish")
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, table_name, shadow_name, archive_name, status, started_at, finished_at, error
		 FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "journal query")
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var started, finished string
		if err := rows.Scan(&e.ID, &e.Table, &e.ShadowName, &e.ArchiveName, &e.Status, &started, &finished, &e.Error); err != nil {
			return nil, err
		}
		if e.StartedAt, err = time.Parse(journalTimeLayout, started); err != nil {
			return nil, errors.Wrapf(err, "journal started_at %q", started)
		}
		if finished != "" {
			if e.FinishedAt, err = time.Parse(journalTimeLayout, finished); err != nil {
				return nil, errors.Wrapf(err, "journal finished_at %q", finished)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
