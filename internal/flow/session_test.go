package flow

import (
	"errors"
	"testing"

	"github.com/BTreeMap/DialPilot/internal/models"
)

func TestAdvanceSelfLoopIsNotATransition(t *testing.T) {
	s := NewSession("CAtest1", models.SessionModeScripted)
	s.Advance(models.StateMainMenu)
	s.Advance(models.StateMainMenu)

	if len(s.Tallies()) != 0 {
		t.Errorf("tallies = %v, want none (entry from UNKNOWN, then self-loop)", s.Tallies())
	}
	if got := len(s.History()); got != 1 {
		t.Errorf("history length = %d, want 1", got)
	}
	if s.Previous() != models.StateUnknown {
		t.Errorf("previous = %s, want UNKNOWN", s.Previous())
	}
}

func TestAdvanceTalliesSkipUnknownOrigin(t *testing.T) {
	s := NewSession("CAtest2", models.SessionModeScripted)
	s.Advance(models.StateMainMenu)
	s.Advance(models.StatePharmacyHours)
	s.Advance(models.StateMainMenu)

	tallies := s.Tallies()
	if tallies[models.TransitionKey(models.StateMainMenu, models.StatePharmacyHours)] != 1 {
		t.Errorf("missing MAIN_MENU->PHARMACY_HOURS tally: %v", tallies)
	}
	if tallies[models.TransitionKey(models.StatePharmacyHours, models.StateMainMenu)] != 1 {
		t.Errorf("missing PHARMACY_HOURS->MAIN_MENU tally: %v", tallies)
	}
	if _, ok := tallies[models.TransitionKey(models.StateUnknown, models.StateMainMenu)]; ok {
		t.Error("transitions out of UNKNOWN must not be tallied")
	}
	if len(tallies) != 2 {
		t.Errorf("tally count = %d, want 2: %v", len(tallies), tallies)
	}
}

func TestAdvanceIllegalTransitionStillAdvances(t *testing.T) {
	s := NewSession("CAtest3", models.SessionModeScripted)
	s.Advance(models.StateWeeklyHours)
	s.Advance(models.StateConfirmRx)

	if s.Current() != models.StateConfirmRx {
		t.Errorf("current = %s, want CONFIRM_RX (illegal transitions still advance)", s.Current())
	}
	illegal := s.IllegalTransitions()
	if len(illegal) != 1 {
		t.Fatalf("illegal transitions = %v, want exactly one", illegal)
	}
	if illegal[0].From != models.StateWeeklyHours || illegal[0].To != models.StateConfirmRx {
		t.Errorf("illegal record = %+v", illegal[0])
	}
	// The tally still counts the observed transition.
	if s.Tallies()[models.TransitionKey(models.StateWeeklyHours, models.StateConfirmRx)] != 1 {
		t.Error("illegal transition missing from tallies")
	}
}

func TestAdvanceRecordsEveryObservedState(t *testing.T) {
	s := NewSession("CAtest4", models.SessionModeScripted)
	s.Advance(models.StateMainMenu)
	s.Advance(models.StatePharmacyHours)
	s.Advance(models.State("VOICEMAIL"))
	s.Advance(models.StateMainMenu) // revisit, already in the set
	s.Advance(models.StateUnknown)  // sentinel, never in the set

	want := []models.State{models.StateMainMenu, models.StatePharmacyHours, models.State("VOICEMAIL")}
	got := s.DiscoveredStates()
	if len(got) != len(want) {
		t.Fatalf("discovered = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("discovered[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAdvanceFlagsUnanticipatedSuccessors(t *testing.T) {
	s := NewSession("CAtest8", models.SessionModeScripted)
	s.Advance(models.State("VOICEMAIL"))
	if len(s.IllegalTransitions()) != 0 {
		t.Fatalf("entry from the sentinel flagged: %+v", s.IllegalTransitions())
	}

	s = NewSession("CAtest9", models.SessionModeScripted)
	s.Advance(models.StateMainMenu)
	s.Advance(models.State("VOICEMAIL")) // not a listed successor of the menu
	s.Advance(models.StateMainMenu)      // out of an unlisted state, unjudgeable
	s.Advance(models.StateUnknown)       // classification miss, flagged too

	illegal := s.IllegalTransitions()
	if len(illegal) != 2 {
		t.Fatalf("illegal = %+v, want the voicemail and sentinel hops", illegal)
	}
	if illegal[0].From != models.StateMainMenu || illegal[0].To != models.State("VOICEMAIL") {
		t.Errorf("illegal[0] = %+v", illegal[0])
	}
	if illegal[1].From != models.StateMainMenu || illegal[1].To != models.StateUnknown {
		t.Errorf("illegal[1] = %+v", illegal[1])
	}
}

func TestRegisterPattern(t *testing.T) {
	s := NewSession("CAtest5", models.SessionModeScripted)
	if err := s.RegisterPattern("take our survey", models.State("AFTER_CALL_SURVEY")); err != nil {
		t.Fatalf("RegisterPattern failed: %v", err)
	}
	if len(s.RegisteredPatterns()) != 1 {
		t.Fatalf("registered = %v", s.RegisteredPatterns())
	}
	if len(s.DiscoveredStates()) != 1 {
		t.Errorf("registering a new state name should mark it discovered: %v", s.DiscoveredStates())
	}
	if err := s.RegisterPattern("", models.StateMainMenu); err == nil {
		t.Error("empty pattern should be rejected")
	}
	if err := s.RegisterPattern("anything", models.StateUnknown); err == nil {
		t.Error("registering for UNKNOWN should be rejected")
	}
}

func TestResetKeepsCoverageData(t *testing.T) {
	s := NewSession("CAtest6", models.SessionModeExploratory)
	s.Advance(models.StateMainMenu)
	s.Advance(models.StatePharmacyHours)
	s.RecordStep(models.Step{Index: 0, State: models.StateMainMenu})
	if err := s.RegisterPattern("take our survey", models.State("AFTER_CALL_SURVEY")); err != nil {
		t.Fatalf("RegisterPattern failed: %v", err)
	}

	s.Reset()

	if s.Current() != models.StateUnknown || s.Previous() != models.StateUnknown {
		t.Errorf("after reset position = %s/%s, want UNKNOWN/UNKNOWN", s.Current(), s.Previous())
	}
	if len(s.Steps()) != 0 || len(s.History()) != 0 {
		t.Error("reset must clear steps and history")
	}
	if len(s.Tallies()) != 1 {
		t.Errorf("reset must keep tallies, got %v", s.Tallies())
	}
	if len(s.RegisteredPatterns()) != 1 || len(s.DiscoveredStates()) != 3 {
		t.Error("reset must keep registered patterns and discovered states")
	}
}

func TestSessionReport(t *testing.T) {
	s := NewSession("CAtest7", models.SessionModeScripted)
	s.Advance(models.StateMainMenu)
	s.Advance(models.StatePharmacyHours)
	result := &models.SessionResult{
		CallID:     "CAtest7",
		Mode:       models.SessionModeScripted,
		Completed:  true,
		FinalState: models.StatePharmacyHours,
		Steps:      []models.Step{{Index: 0, State: models.StateMainMenu}},
	}

	report := s.Report("http://ivr.example/voice", result, errors.New("boom"))
	if report.ID != "CAtest7" || report.Endpoint != "http://ivr.example/voice" {
		t.Errorf("report identity = %s %s", report.ID, report.Endpoint)
	}
	if !report.Completed || report.FinalState != models.StatePharmacyHours {
		t.Errorf("report outcome = %+v", report)
	}
	if report.ErrorMessage != "boom" {
		t.Errorf("report error = %q", report.ErrorMessage)
	}
	if report.TransitionCounts[models.TransitionKey(models.StateMainMenu, models.StatePharmacyHours)] != 1 {
		t.Errorf("report tallies = %v", report.TransitionCounts)
	}
	if report.EndedAt.Before(report.StartedAt) {
		t.Error("report ended before it started")
	}
}
