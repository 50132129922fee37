package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/DialPilot/internal/models"
)

// reportColumns is the column list shared by every call_reports query, in
// scan order.
const reportColumns = `id, endpoint, mode, completed, budget_exhausted, hung_up, final_state,
	steps, transition_counts, illegal_transitions, discovered_states, error_message,
	started_at, ended_at, created_at`

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalReportJSON renders the slice and map fields of a report for their
// TEXT columns. Empty collections store as NULL.
func marshalReportJSON(report models.CallReport) (steps, counts, illegal, discovered interface{}, err error) {
	stepsJSON, err := json.Marshal(report.Steps)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal steps: %w", err)
	}
	steps = string(stepsJSON)

	if len(report.TransitionCounts) > 0 {
		b, err := json.Marshal(report.TransitionCounts)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshal transition counts: %w", err)
		}
		counts = string(b)
	}
	if len(report.IllegalTransitions) > 0 {
		b, err := json.Marshal(report.IllegalTransitions)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshal illegal transitions: %w", err)
		}
		illegal = string(b)
	}
	if len(report.DiscoveredStates) > 0 {
		b, err := json.Marshal(report.DiscoveredStates)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshal discovered states: %w", err)
		}
		discovered = string(b)
	}
	return steps, counts, illegal, discovered, nil
}

// decodeReportJSON fills the slice and map fields of a report from their
// TEXT columns.
func decodeReportJSON(report *models.CallReport, steps, counts, illegal, discovered sql.NullString) error {
	if steps.Valid && steps.String != "" {
		if err := json.Unmarshal([]byte(steps.String), &report.Steps); err != nil {
			return fmt.Errorf("unmarshal steps for report %s: %w", report.ID, err)
		}
	}
	if counts.Valid && counts.String != "" {
		if err := json.Unmarshal([]byte(counts.String), &report.TransitionCounts); err != nil {
			return fmt.Errorf("unmarshal transition counts for report %s: %w", report.ID, err)
		}
	}
	if illegal.Valid && illegal.String != "" {
		if err := json.Unmarshal([]byte(illegal.String), &report.IllegalTransitions); err != nil {
			return fmt.Errorf("unmarshal illegal transitions for report %s: %w", report.ID, err)
		}
	}
	if discovered.Valid && discovered.String != "" {
		if err := json.Unmarshal([]byte(discovered.String), &report.DiscoveredStates); err != nil {
			return fmt.Errorf("unmarshal discovered states for report %s: %w", report.ID, err)
		}
	}
	return nil
}

// scanReport scans a CallReport from sql.Rows.
func scanReport(rows *sql.Rows) (models.CallReport, error) {
	var report models.CallReport
	var steps, counts, illegal, discovered, errorMessage sql.NullString
	err := rows.Scan(
		&report.ID, &report.Endpoint, &report.Mode, &report.Completed,
		&report.BudgetExhausted, &report.HungUp, &report.FinalState,
		&steps, &counts, &illegal, &discovered, &errorMessage,
		&report.StartedAt, &report.EndedAt, &report.CreatedAt,
	)
	if err != nil {
		return report, fmt.Errorf("scan report failed: %w", err)
	}
	report.ErrorMessage = errorMessage.String
	if err := decodeReportJSON(&report, steps, counts, illegal, discovered); err != nil {
		return report, err
	}
	return report, nil
}

// scanReportRow scans a CallReport from a single sql.Row.
func scanReportRow(row *sql.Row) (models.CallReport, error) {
	var report models.CallReport
	var steps, counts, illegal, discovered, errorMessage sql.NullString
	err := row.Scan(
		&report.ID, &report.Endpoint, &report.Mode, &report.Completed,
		&report.BudgetExhausted, &report.HungUp, &report.FinalState,
		&steps, &counts, &illegal, &discovered, &errorMessage,
		&report.StartedAt, &report.EndedAt, &report.CreatedAt,
	)
	if err != nil {
		return report, err
	}
	report.ErrorMessage = errorMessage.String
	if err := decodeReportJSON(&report, steps, counts, illegal, discovered); err != nil {
		return report, err
	}
	return report, nil
}
