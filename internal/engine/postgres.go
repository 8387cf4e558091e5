package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/nadmax/asynctasq-monitor/internal/stats"
)

// PostgresSource reads aggregate counts from an engine that persists tasks
// and worker heartbeats in PostgreSQL.
type PostgresSource struct {
	db        *sql.DB
	workerTTL time.Duration
	now       func() time.Time
}

func NewPostgresSource(connectionString string, workerTTL time.Duration) (*PostgresSource, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newPostgresSource(db, workerTTL), nil
}

func newPostgresSource(db *sql.DB, workerTTL time.Duration) *PostgresSource {
	if workerTTL <= 0 {
		workerTTL = DefaultWorkerTTL
	}
	return &PostgresSource{
		db:        db,
		workerTTL: workerTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *PostgresSource) Collect(ctx context.Context) (*stats.Snapshot, error) {
	query := `
		SELECT queue, status, COUNT(*)
		FROM tasks
		GROUP BY queue, status
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	t := newTally()
	for rows.Next() {
		var (
			queue  string
			status string
			count  int
		)
		if err := rows.Scan(&queue, &status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		t.add(queue, TaskStatus(status), count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task counts: %w", err)
	}

	now := s.now()
	var active int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workers WHERE last_heartbeat >= $1`,
		now.Add(-s.workerTTL),
	).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("failed to count workers: %w", err)
	}

	return t.result(active, now), nil
}

func (s *PostgresSource) Close() error {
	return s.db.Close()
}
