// Package store provides storage backends for DialPilot.
//
// This file implements an SQLite-backed store for call reports.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/DialPilot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// SaveReport stores a call report and folds its transition counts into the
// running totals in one transaction.
func (s *SQLiteStore) SaveReport(report models.CallReport) error {
	if err := report.Validate(); err != nil {
		return err
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now()
	}
	steps, counts, illegal, discovered, err := marshalReportJSON(report)
	if err != nil {
		slog.Error("SQLiteStore SaveReport marshal failed", "error", err, "id", report.ID)
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		slog.Error("SQLiteStore SaveReport begin failed", "error", err, "id", report.ID)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR REPLACE INTO call_reports
		(id, endpoint, mode, completed, budget_exhausted, hung_up, final_state,
		 steps, transition_counts, illegal_transitions, discovered_states, error_message,
		 started_at, ended_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.Endpoint, report.Mode, report.Completed,
		report.BudgetExhausted, report.HungUp, report.FinalState,
		steps, counts, illegal, discovered, nilIfEmpty(report.ErrorMessage),
		report.StartedAt, report.EndedAt, report.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveReport insert failed", "error", err, "id", report.ID)
		return fmt.Errorf("failed to insert report %s: %w", report.ID, err)
	}

	for transition, count := range report.TransitionCounts {
		_, err = tx.Exec(`INSERT INTO transition_totals (transition, total) VALUES (?, ?)
			ON CONFLICT(transition) DO UPDATE SET total = total + excluded.total`,
			transition, count)
		if err != nil {
			slog.Error("SQLiteStore SaveReport total bump failed", "error", err, "transition", transition)
			return fmt.Errorf("failed to update total for %s: %w", transition, err)
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore SaveReport commit failed", "error", err, "id", report.ID)
		return fmt.Errorf("failed to commit report %s: %w", report.ID, err)
	}
	slog.Debug("SQLiteStore SaveReport succeeded", "id", report.ID, "steps", len(report.Steps))
	return nil
}

// GetReport retrieves a call report by ID. Returns (nil, nil) when absent.
func (s *SQLiteStore) GetReport(id string) (*models.CallReport, error) {
	row := s.db.QueryRow(`SELECT `+reportColumns+` FROM call_reports WHERE id = ?`, id)
	report, err := scanReportRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetReport not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetReport failed", "error", err, "id", id)
		return nil, err
	}
	slog.Debug("SQLiteStore GetReport succeeded", "id", id)
	return &report, nil
}

// ListReports retrieves up to limit call reports, newest first.
func (s *SQLiteStore) ListReports(limit int) ([]models.CallReport, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.Query(`SELECT `+reportColumns+` FROM call_reports
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("SQLiteStore ListReports query failed", "error", err)
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []models.CallReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			slog.Error("SQLiteStore ListReports scan failed", "error", err)
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListReports rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate report rows: %w", err)
	}
	slog.Debug("SQLiteStore ListReports succeeded", "count", len(reports))
	return reports, nil
}

// TransitionTotals returns per-transition counts summed over all reports.
func (s *SQLiteStore) TransitionTotals() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT transition, total FROM transition_totals`)
	if err != nil {
		slog.Error("SQLiteStore TransitionTotals query failed", "error", err)
		return nil, fmt.Errorf("failed to query transition totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int)
	for rows.Next() {
		var transition string
		var total int
		if err := rows.Scan(&transition, &total); err != nil {
			slog.Error("SQLiteStore TransitionTotals scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan total row: %w", err)
		}
		totals[transition] = total
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore TransitionTotals rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate total rows: %w", err)
	}
	return totals, nil
}

// ClearReports deletes all reports and totals (for tests).
func (s *SQLiteStore) ClearReports() error {
	if _, err := s.db.Exec("DELETE FROM call_reports"); err != nil {
		slog.Error("SQLiteStore ClearReports failed", "error", err)
		return err
	}
	if _, err := s.db.Exec("DELETE FROM transition_totals"); err != nil {
		slog.Error("SQLiteStore ClearReports totals failed", "error", err)
		return err
	}
	slog.Debug("SQLiteStore ClearReports succeeded")
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
