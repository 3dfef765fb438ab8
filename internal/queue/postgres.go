package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id BIGSERIAL PRIMARY KEY,
			target TEXT NOT NULL,
			event TEXT NOT NULL,
			payload BYTEA NOT NULL DEFAULT ''::bytea,
			correlation_id TEXT NOT NULL DEFAULT '',
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	payload := []byte(e.Payload)
	if payload == nil {
		payload = []byte{}
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO queue_entries (target, event, payload, correlation_id, enqueued_at, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.Target, e.Event, payload, e.CorrelationID, e.EnqueuedAt, e.Attempts).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("append queue entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Pending(ctx context.Context, target string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target, event, payload, correlation_id, enqueued_at, attempts
		 FROM queue_entries WHERE target = $1 ORDER BY id ASC`, target)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) Targets(ctx context.Context) ([]string, error) {
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

func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) IncrementAttempts(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET attempts = attempts + 1 WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) CountPending(ctx context.Context, target string) (int64, error) {
	var n int64
	var err error
	if target == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM queue_entries WHERE target = $1`, target).Scan(&n)
	}
	return n, err
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, before time.Time, maxAttempts int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE enqueued_at < $1 OR attempts >= $2`,
		before, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
