package flow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/DialPilot/internal/models"
)

// Session owns the mutable state of one driven call: current and previous
// state, step records, transition tallies, and the runtime pattern registry.
// A Session is confined to the goroutine driving its call and is not safe for
// concurrent use.
type Session struct {
	callID     string
	mode       models.SessionMode
	current    models.State
	previous   models.State
	history    []models.State
	steps      []models.Step
	tallies    map[string]int
	illegal    []models.IllegalTransition
	discovered []models.State
	registered []RegisteredPattern
	startedAt  time.Time
}

// NewSession creates a session positioned at the UNKNOWN sentinel.
func NewSession(callID string, mode models.SessionMode) *Session {
	slog.Debug("Session created", "callID", callID, "mode", mode)
	return &Session{
		callID:    callID,
		mode:      mode,
		current:   models.StateUnknown,
		previous:  models.StateUnknown,
		tallies:   make(map[string]int),
		startedAt: time.Now(),
	}
}

// CallID returns the session's call identifier.
func (s *Session) CallID() string { return s.callID }

// Mode returns the session's action-selection mode.
func (s *Session) Mode() models.SessionMode { return s.mode }

// Current returns the state the session last advanced to.
func (s *Session) Current() models.State { return s.current }

// Previous returns the state before the last advance.
func (s *Session) Previous() models.State { return s.previous }

// Advance moves the session to the classified state and performs the
// transition bookkeeping. A self-loop is not a transition and is ignored.
// Transitions out of the UNKNOWN sentinel are never tallied. Successors the
// legal table does not anticipate are recorded and logged but the session
// still advances; an unexpected menu path is a finding, not a fault. Every
// state entered, the sentinel excepted, joins the discovered set once.
func (s *Session) Advance(to models.State) {
	if to == s.current {
		slog.Debug("Session self-loop ignored", "callID", s.callID, "state", to)
		return
	}
	from := s.current
	if from != models.StateUnknown {
		s.tallies[models.TransitionKey(from, to)]++
	}
	if !models.IsLegalTransition(from, to) {
		slog.Warn("Session observed illegal transition", "callID", s.callID, "from", from, "to", to, "step", len(s.steps))
		s.illegal = append(s.illegal, models.IllegalTransition{From: from, To: to, Step: len(s.steps)})
	}
	if to != models.StateUnknown && !s.isDiscovered(to) {
		if !models.IsKnownState(to) {
			slog.Info("Session observed state outside taxonomy", "callID", s.callID, "state", to)
		}
		s.discovered = append(s.discovered, to)
	}
	s.history = append(s.history, to)
	s.previous = from
	s.current = to
	slog.Debug("Session advanced", "callID", s.callID, "from", from, "to", to)
}

// RecordStep appends a completed driver step to the session history.
func (s *Session) RecordStep(step models.Step) {
	s.steps = append(s.steps, step)
}

// Steps returns the recorded driver steps in order.
func (s *Session) Steps() []models.Step { return s.steps }

// History returns the sequence of states the session advanced through.
func (s *Session) History() []models.State { return s.history }

// RegisterPattern adds a runtime prompt matcher for a state, extending the
// static taxonomy. A state name outside the taxonomy is recorded as
// discovered.
func (s *Session) RegisterPattern(pattern string, state models.State) error {
	if pattern == "" {
		return fmt.Errorf("pattern cannot be empty")
	}
	if state == "" || state == models.StateUnknown {
		return fmt.Errorf("cannot register pattern for state %q", state)
	}
	s.registered = append(s.registered, RegisteredPattern{Pattern: pattern, State: state})
	if !models.IsKnownState(state) && !s.isDiscovered(state) {
		slog.Info("Session discovered new state", "callID", s.callID, "state", state)
		s.discovered = append(s.discovered, state)
	}
	slog.Debug("Session registered pattern", "callID", s.callID, "pattern", pattern, "state", state)
	return nil
}

// RegisteredPatterns returns the runtime matchers in registration order.
func (s *Session) RegisteredPatterns() []RegisteredPattern { return s.registered }

// Tallies returns a copy of the transition counts keyed by
// models.TransitionKey.
func (s *Session) Tallies() map[string]int {
	out := make(map[string]int, len(s.tallies))
	for k, v := range s.tallies {
		out[k] = v
	}
	return out
}

// IllegalTransitions returns the transitions observed outside the legal
// successor table, in arrival order.
func (s *Session) IllegalTransitions() []models.IllegalTransition { return s.illegal }

// DiscoveredStates returns every state the session has observed, in
// first-observation order, for coverage reporting. The UNKNOWN sentinel is
// never a member; registering a pattern for a name outside the taxonomy also
// marks it observed.
func (s *Session) DiscoveredStates() []models.State { return s.discovered }

// Reset returns the session to the UNKNOWN sentinel for another pass over the
// same endpoint. Coverage data survives: tallies, discovered states, and
// registered patterns accumulate across passes, while position and history
// start over.
func (s *Session) Reset() {
	slog.Debug("Session reset", "callID", s.callID, "steps", len(s.steps))
	s.current = models.StateUnknown
	s.previous = models.StateUnknown
	s.history = nil
	s.steps = nil
}

// Report assembles the persistable record of this session combined with the
// driver's result.
func (s *Session) Report(endpoint string, result *models.SessionResult, runErr error) *models.CallReport {
	report := &models.CallReport{
		ID:                 s.callID,
		Endpoint:           endpoint,
		Mode:               s.mode,
		Completed:          result.Completed,
		BudgetExhausted:    result.BudgetExhausted,
		HungUp:             result.HungUp,
		FinalState:         result.FinalState,
		Steps:              result.Steps,
		TransitionCounts:   s.Tallies(),
		IllegalTransitions: append([]models.IllegalTransition(nil), s.illegal...),
		DiscoveredStates:   append([]models.State(nil), s.discovered...),
		StartedAt:          s.startedAt,
		EndedAt:            time.Now(),
	}
	if runErr != nil {
		report.ErrorMessage = runErr.Error()
	}
	return report
}

func (s *Session) isDiscovered(state models.State) bool {
	for _, d := range s.discovered {
		if d == state {
			return true
		}
	}
	return false
}
