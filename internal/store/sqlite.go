package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS runtime_events (
    id          TEXT PRIMARY KEY,
    runtime     TEXT NOT NULL,
    kind        TEXT NOT NULL,
    engine      TEXT NOT NULL,
    instance_id TEXT NOT NULL DEFAULT '',
    dependent   TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL
)`

const createEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_runtime_events_runtime_created
    ON runtime_events (runtime, created_at)`

const eventColumns = `id, runtime, kind, engine, instance_id, dependent, error, duration_ms, created_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createEventsTable, createEventsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertEvent stores a runtime event.
func (s *SQLiteStore) InsertEvent(ctx context.Context, ev *model.RuntimeEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runtime_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Runtime, ev.Kind, ev.Engine, ev.InstanceID, ev.Dependent, ev.Error,
		ev.DurationMS, ev.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*model.RuntimeEvent, error) {
	ev := &model.RuntimeEvent{}
	var dur sql.NullInt64
	if err := row.Scan(
		&ev.ID, &ev.Runtime, &ev.Kind, &ev.Engine, &ev.InstanceID, &ev.Dependent, &ev.Error,
		&dur, &ev.CreatedAt,
	); err != nil {
		return nil, err
	}
	if dur.Valid {
		ms := int(dur.Int64)
		ev.DurationMS = &ms
	}
	return ev, nil
}

// GetEvent retrieves an event by ID.
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*model.RuntimeEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM runtime_events WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// ListEvents returns a page of events matching f, newest first, along with
// the total count of matching events.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]*model.RuntimeEvent, int, error) {
	var where []string
	var args []any
	if f.Runtime != "" {
		where = append(where, "runtime = ?")
		args = append(args, f.Runtime)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runtime_events"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM runtime_events`+clause+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*model.RuntimeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate events: %w", err)
	}

	return events, total, nil
}

// GetEventStats aggregates restart statistics across all runtimes.
func (s *SQLiteStore) GetEventStats(ctx context.Context) (*EventStats, error) {
	stats := &EventStats{
		CountByKind:    make(map[string]int),
		CountByRuntime: make(map[string]int),
	}

	if err := s.countBy(ctx, "kind", stats.CountByKind); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "runtime", stats.CountByRuntime); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByKind {
		stats.Total += n
	}
	stats.FailedRestarts = stats.CountByKind[model.EventRestartFailed]
	stats.FailedDependents = stats.CountByKind[model.EventDependentFailed]

	var avg sql.NullFloat64
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(duration_ms), MAX(created_at) FROM runtime_events WHERE kind = ?`,
		model.EventRestartCompleted,
	).Scan(&avg, &last)
	if err != nil {
		return nil, fmt.Errorf("restart durations: %w", err)
	}
	if avg.Valid {
		stats.AvgRestartMS = avg.Float64
	}
	if last.Valid {
		if t, err := parseTimestamp(last.String); err == nil {
			stats.LastRestartAt = &t
		}
	}

	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM runtime_events GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

// parseTimestamp parses the text form of an aggregated DATETIME column.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// PruneEvents deletes events created before the given time and reports how
// many were removed.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM runtime_events WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return n, nil
}
