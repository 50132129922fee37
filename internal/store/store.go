// Package store provides storage backends for DialPilot call reports.
//
// It includes an in-memory store plus SQLite and PostgreSQL backends behind a
// common interface. Besides whole reports, every backend keeps a running
// total per observed menu transition, aggregated across sessions.
package store

import (
	"sync"
	"time"

	"github.com/BTreeMap/DialPilot/internal/models"
)

// DefaultListLimit caps ListReports when the caller passes no explicit limit.
const DefaultListLimit = 50

// Store is the persistence interface for call reports.
type Store interface {
	// SaveReport persists one call report and folds its transition counts
	// into the running totals.
	SaveReport(report models.CallReport) error
	// GetReport returns a report by ID, or (nil, nil) when absent.
	GetReport(id string) (*models.CallReport, error)
	// ListReports returns up to limit reports, newest first.
	ListReports(limit int) ([]models.CallReport, error)
	// TransitionTotals returns per-transition counts summed over all saved
	// reports.
	TransitionTotals() (map[string]int, error)
	// ClearReports deletes all reports and totals (for tests).
	ClearReports() error
	Close() error
}

// InMemoryStore keeps call reports in process memory. It is the default
// backend when no database DSN is configured.
type InMemoryStore struct {
	mu      sync.Mutex
	reports map[string]models.CallReport
	order   []string
	totals  map[string]int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		reports: make(map[string]models.CallReport),
		totals:  make(map[string]int),
	}
}

func (s *InMemoryStore) SaveReport(report models.CallReport) error {
	if err := report.Validate(); err != nil {
		return err
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reports[report.ID]; !exists {
		s.order = append(s.order, report.ID)
	}
	s.reports[report.ID] = report
	for transition, count := range report.TransitionCounts {
		s.totals[transition] += count
	}
	return nil
}

func (s *InMemoryStore) GetReport(id string) (*models.CallReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[id]
	if !ok {
		return nil, nil
	}
	return &report, nil
}

func (s *InMemoryStore) ListReports(limit int) ([]models.CallReport, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reports := make([]models.CallReport, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(reports) < limit; i-- {
		reports = append(reports, s.reports[s.order[i]])
	}
	return reports, nil
}

func (s *InMemoryStore) TransitionTotals() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := make(map[string]int, len(s.totals))
	for transition, total := range s.totals {
		totals[transition] = total
	}
	return totals, nil
}

func (s *InMemoryStore) ClearReports() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = make(map[string]models.CallReport)
	s.order = nil
	s.totals = make(map[string]int)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
