// Package history keeps a ledger of processed staging files in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

type Entry struct {
	ID       int64         `json:"id"`
	File     string        `json:"file"`
	DataSet  string        `json:"dataSet,omitempty"`
	Outcome  string        `json:"outcome"`
	Detail   string        `json:"detail,omitempty"`
	Written  int           `json:"written"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"durationNs"`
}

// Recorder is what the import pipeline writes to.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

type Ledger struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS imports (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	file        TEXT    NOT NULL,
	dataset     TEXT    NOT NULL DEFAULT '',
	outcome     TEXT    NOT NULL,
	detail      TEXT    NOT NULL DEFAULT '',
	written     INTEGER NOT NULL DEFAULT 0,
	started_ms  INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS imports_started ON imports(started_ms);`

// Open creates the database file when missing. SQLite gets a single
// connection; the import daemon is the only writer.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, p := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;", "PRAGMA synchronous=NORMAL;"} {
		if _, err := db.ExecContext(ctx, p); err != nil && logger != nil {
			logger.Warn("sqlite pragma skipped", "pragma", p, "err", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Record(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO imports (file, dataset, outcome, detail, written, started_ms, duration_ns) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.File, e.DataSet, e.Outcome, e.Detail, e.Written, e.Started.UnixMilli(), int64(e.Duration))
	if err != nil {
		return fmt.Errorf("record import %s: %w", e.File, err)
	}
	return nil
}

// Recent returns the newest entries first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, file, dataset, outcome, detail, written, started_ms, duration_ns FROM imports ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query imports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started, dur int64
		if err := rows.Scan(&e.ID, &e.File, &e.DataSet, &e.Outcome, &e.Detail, &e.Written, &started, &dur); err != nil {
			return nil, fmt.Errorf("scan import: %w", err)
		}
		e.Started = time.UnixMilli(started).UTC()
		e.Duration = time.Duration(dur)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *Ledger) Close() error { return l.db.Close() }
