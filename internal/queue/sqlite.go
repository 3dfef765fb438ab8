package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the
	// pool see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL keeps appends durable without blocking concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target TEXT NOT NULL,
			event TEXT NOT NULL,
			payload BLOB NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			attempts INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entries_target ON queue_entries(target, id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entries_enqueued_at ON queue_entries(enqueued_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	payload := []byte(e.Payload)
	if payload == nil {
		payload = []byte{}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_entries (target, event, payload, correlation_id, enqueued_at, attempts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Target, e.Event, payload, e.CorrelationID, e.EnqueuedAt, e.Attempts)
	if err != nil {
		return fmt.Errorf("append queue entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("queue entry id: %w", err)
	}
	e.ID = id
	return nil
}

func (s *SQLiteStore) Pending(ctx context.Context, target string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target, event, payload, correlation_id, enqueued_at, attempts
		 FROM queue_entries WHERE target = ? ORDER BY id ASC`, target)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *SQLiteStore) Targets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT target FROM queue_entries ORDER BY target`)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) IncrementAttempts(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET attempts = attempts + 1 WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) CountPending(ctx context.Context, target string) (int64, error) {
	var n int64
	var err error
	if target == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queue_entries WHERE target = ?`, target).Scan(&n)
	}
	return n, err
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, before time.Time, maxAttempts int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE enqueued_at < ? OR attempts >= ?`,
		before, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Target, &e.Event, &payload, &e.CorrelationID, &e.EnqueuedAt, &e.Attempts); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			e.Payload = payload
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
