// Package store provides storage backends for DialPilot.
//
// This file implements a PostgreSQL-backed store for call reports.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/DialPilot/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// SaveReport stores a call report and folds its transition counts into the
// running totals in one transaction.
func (s *PostgresStore) SaveReport(report models.CallReport) error {
	if err := report.Validate(); err != nil {
		return err
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now()
	}
	steps, counts, illegal, discovered, err := marshalReportJSON(report)
	if err != nil {
		slog.Error("PostgresStore SaveReport marshal failed", "error", err, "id", report.ID)
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("PostgresStore SaveReport begin failed", "error", err, "id", report.ID)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO call_reports
		(id, endpoint, mode, completed, budget_exhausted, hung_up, final_state,
		 steps, transition_counts, illegal_transitions, discovered_states, error_message,
		 started_at, ended_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			endpoint = EXCLUDED.endpoint, mode = EXCLUDED.mode,
			completed = EXCLUDED.completed, budget_exhausted = EXCLUDED.budget_exhausted,
			hung_up = EXCLUDED.hung_up, final_state = EXCLUDED.final_state,
			steps = EXCLUDED.steps, transition_counts = EXCLUDED.transition_counts,
			illegal_transitions = EXCLUDED.illegal_transitions,
			discovered_states = EXCLUDED.discovered_states,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at`,
		report.ID, report.Endpoint, report.Mode, report.Completed,
		report.BudgetExhausted, report.HungUp, report.FinalState,
		steps, counts, illegal, discovered, nilIfEmpty(report.ErrorMessage),
		report.StartedAt, report.EndedAt, report.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveReport insert failed", "error", err, "id", report.ID)
		return fmt.Errorf("failed to insert report %s: %w", report.ID, err)
	}

	for transition, count := range report.TransitionCounts {
		_, err = tx.Exec(`INSERT INTO transition_totals (transition, total) VALUES ($1, $2)
			ON CONFLICT (transition) DO UPDATE SET total = transition_totals.total + EXCLUDED.total`,
			transition, count)
		if err != nil {
			slog.Error("PostgresStore SaveReport total bump failed", "error", err, "transition", transition)
			return fmt.Errorf("failed to update total for %s: %w", transition, err)
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("PostgresStore SaveReport commit failed", "error", err, "id", report.ID)
		return fmt.Errorf("failed to commit report %s: %w", report.ID, err)
	}
	slog.Debug("PostgresStore SaveReport succeeded", "id", report.ID, "steps", len(report.Steps))
	return nil
}

// GetReport retrieves a call report by ID. Returns (nil, nil) when absent.
func (s *PostgresStore) GetReport(id string) (*models.CallReport, error) {
	row := s.db.QueryRow(`SELECT `+reportColumns+` FROM call_reports WHERE id = $1`, id)
	report, err := scanReportRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetReport not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetReport failed", "error", err, "id", id)
		return nil, err
	}
	slog.Debug("PostgresStore GetReport succeeded", "id", id)
	return &report, nil
}

// ListReports retrieves up to limit call reports, newest first.
func (s *PostgresStore) ListReports(limit int) ([]models.CallReport, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.Query(`SELECT `+reportColumns+` FROM call_reports
		ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		slog.Error("PostgresStore ListReports query failed", "error", err)
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []models.CallReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			slog.Error("PostgresStore ListReports scan failed", "error", err)
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListReports rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate report rows: %w", err)
	}
	slog.Debug("PostgresStore ListReports succeeded", "count", len(reports))
	return reports, nil
}

// TransitionTotals returns per-transition counts summed over all reports.
func (s *PostgresStore) TransitionTotals() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT transition, total FROM transition_totals`)
	if err != nil {
		slog.Error("PostgresStore TransitionTotals query failed", "error", err)
		return nil, fmt.Errorf("failed to query transition totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int)
	for rows.Next() {
		var transition string
		var total int
		if err := rows.Scan(&transition, &total); err != nil {
			slog.Error("PostgresStore TransitionTotals scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan total row: %w", err)
		}
		totals[transition] = total
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore TransitionTotals rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate total rows: %w", err)
	}
	return totals, nil
}

// ClearReports deletes all reports and totals (for tests).
func (s *PostgresStore) ClearReports() error {
	if _, err := s.db.Exec("DELETE FROM call_reports"); err != nil {
		slog.Error("PostgresStore ClearReports failed", "error", err)
		return err
	}
	if _, err := s.db.Exec("DELETE FROM transition_totals"); err != nil {
		slog.Error("PostgresStore ClearReports totals failed", "error", err)
		return err
	}
	slog.Debug("PostgresStore ClearReports succeeded")
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
