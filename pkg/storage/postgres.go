package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

//go:embed migrations/*.sql
var postgresFS embed.FS

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database and applies the schema
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema, err := postgresFS.ReadFile("migrations/001_analysis_runs.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// SaveRun stores a run and its full report. Missing ids and timestamps are
// filled in.
func (s *PostgresStore) SaveRun(ctx context.Context, run *Run) error {
	if run.Report == nil {
		return errors.New("run has no report")
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.GeneratedAt.IsZero() {
		run.GeneratedAt = time.Now().UTC()
	}
	run.Summary = run.Report.Summary

	thresholds, err := json.Marshal(run.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to encode thresholds: %w", err)
	}
	report, err := json.Marshal(run.Report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	query := `
		INSERT INTO analysis_runs (
			id, generated_at, source,
			deployment_count, hpa_count, node_count, blocked_count, observation_count,
			thresholds, report
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.GeneratedAt, run.Source,
		run.Summary.DeploymentCount, run.Summary.HPACount, run.Summary.NodeCount,
		run.Summary.BlockedCount, run.Summary.ObservationCount,
		thresholds, report,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run with its report
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, generated_at, source, thresholds, report
		FROM analysis_runs
		WHERE id = $1
	`

	var run Run
	var thresholds, report []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.GeneratedAt, &run.Source, &thresholds, &report,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(thresholds, &run.Thresholds); err != nil {
		return nil, fmt.Errorf("failed to decode thresholds of run %s: %w", id, err)
	}
	run.Report = &models.Report{}
	if err := json.Unmarshal(report, run.Report); err != nil {
		return nil, fmt.Errorf("failed to decode report of run %s: %w", id, err)
	}
	run.Summary = run.Report.Summary

	return &run, nil
}

// ListRuns returns the most recent runs without their reports
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := `
		SELECT id, generated_at, source,
			deployment_count, hpa_count, node_count, blocked_count, observation_count
		FROM analysis_runs
		ORDER BY generated_at DESC
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		err := rows.Scan(
			&run.ID, &run.GeneratedAt, &run.Source,
			&run.Summary.DeploymentCount, &run.Summary.HPACount, &run.Summary.NodeCount,
			&run.Summary.BlockedCount, &run.Summary.ObservationCount,
		)
		if err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}

	return runs, rows.Err()
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
