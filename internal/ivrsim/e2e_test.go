package ivrsim

import (
	"context"
	"strings"
	"testing"

	"github.com/BTreeMap/DialPilot/internal/flow"
	"github.com/BTreeMap/DialPilot/internal/models"
)

// newSimDriver wires a driver, dispatcher and webhook client to a simulator,
// exactly as the CLI does, minus the inter-leg pacing.
func newSimDriver(t *testing.T, mode models.SessionMode, maxSteps int, opts ...Option) (*Simulator, *flow.Driver) {
	t.Helper()
	sim, client := newSimClient(t, opts...)
	dispatcher := flow.NewDispatcher(client, flow.WithInterLegDelay(0), flow.WithRecoveryDelay(0))
	driver := flow.NewDriver(client, dispatcher,
		flow.WithMode(mode),
		flow.WithMaxSteps(maxSteps),
		flow.WithEndpoint("simulator"),
	)
	return sim, driver
}

func TestScriptedSessionEndToEnd(t *testing.T) {
	sim, driver := newSimDriver(t, models.SessionModeScripted, 10)

	report, result, err := driver.RunReport(context.Background())
	if err != nil {
		t.Fatalf("RunReport failed: %v", err)
	}
	if !result.Completed || result.HungUp || result.BudgetExhausted {
		t.Errorf("result = %+v, want clean completion", result)
	}
	if result.FinalState != models.StateWeeklyHours {
		t.Errorf("final state = %s, want WEEKLY_HOURS", result.FinalState)
	}
	if len(result.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(result.Steps))
	}
	wantStates := []models.State{models.StateMainMenu, models.StatePharmacyHours, models.StateWeeklyHours}
	for i, want := range wantStates {
		if result.Steps[i].State != want {
			t.Errorf("step %d state = %s, want %s", i, result.Steps[i].State, want)
		}
	}
	if !result.Steps[2].Action.IsHangUp() {
		t.Errorf("final action = %+v, want hang-up", result.Steps[2].Action)
	}

	// The weekly schedule redirects into the menu, so one leg carries both.
	weeklyResponse := result.Steps[1].Response
	if !strings.Contains(weeklyResponse, "Monday through Friday") || !strings.Contains(weeklyResponse, promptMenuReturn) {
		t.Errorf("weekly response = %q", weeklyResponse)
	}

	if len(report.TransitionCounts) != 2 {
		t.Errorf("transition counts = %v", report.TransitionCounts)
	}
	if report.TransitionCounts[models.TransitionKey(models.StateMainMenu, models.StatePharmacyHours)] != 1 {
		t.Errorf("missing menu to hours tally: %v", report.TransitionCounts)
	}
	if report.TransitionCounts[models.TransitionKey(models.StatePharmacyHours, models.StateWeeklyHours)] != 1 {
		t.Errorf("missing hours to weekly tally: %v", report.TransitionCounts)
	}
	if len(report.IllegalTransitions) != 0 {
		t.Errorf("unexpected transitions recorded: %+v", report.IllegalTransitions)
	}
	if err := report.Validate(); err != nil {
		t.Errorf("report failed validation: %v", err)
	}

	if sim.ActiveCalls() != 0 {
		t.Errorf("simulator still tracks %d calls after the session", sim.ActiveCalls())
	}
}

func TestExploratorySessionExhaustsBudget(t *testing.T) {
	sim, driver := newSimDriver(t, models.SessionModeExploratory, 4)

	report, result, err := driver.RunReport(context.Background())
	if err != nil {
		t.Fatalf("RunReport failed: %v", err)
	}
	if result.Completed || !result.BudgetExhausted {
		t.Errorf("result = %+v, want exhausted budget", result)
	}
	if len(result.Steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(result.Steps))
	}

	// First candidate at the menu opens the refill flow; single presses at
	// the entry prompt leave the gather waiting, so later legs come back
	// silent and the session drifts to UNKNOWN until the budget runs out.
	if result.Steps[0].State != models.StateMainMenu || result.Steps[0].Action.Input != "1" {
		t.Errorf("step 0 = %+v", result.Steps[0])
	}
	if result.Steps[1].State != models.StateRefillRxEntry {
		t.Errorf("step 1 state = %s, want REFILL_RX_ENTRY", result.Steps[1].State)
	}
	if result.FinalState != models.StateUnknown {
		t.Errorf("final state = %s, want UNKNOWN", result.FinalState)
	}

	if report.TransitionCounts[models.TransitionKey(models.StateMainMenu, models.StateRefillRxEntry)] != 1 {
		t.Errorf("missing menu to refill tally: %v", report.TransitionCounts)
	}
	if report.TransitionCounts[models.TransitionKey(models.StateRefillRxEntry, models.StateUnknown)] != 1 {
		t.Errorf("missing refill to unknown tally: %v", report.TransitionCounts)
	}

	// The drift into silence is not an anticipated successor of the entry
	// state, so the report flags it.
	if len(report.IllegalTransitions) != 1 {
		t.Errorf("illegal transitions = %+v, want the silent drift flagged", report.IllegalTransitions)
	} else if it := report.IllegalTransitions[0]; it.From != models.StateRefillRxEntry || it.To != models.StateUnknown {
		t.Errorf("flagged transition = %+v", it)
	}
	if len(report.DiscoveredStates) != 2 {
		t.Errorf("discovered states = %v, want menu and refill entry", report.DiscoveredStates)
	}

	if sim.ActiveCalls() != 0 {
		t.Errorf("driver must hang up an exhausted session, active = %d", sim.ActiveCalls())
	}
}

func TestDriverRecoversSilentReadBack(t *testing.T) {
	// A scripted session that goes through prescription entry: register the
	// flow by driving the menu by hand first, then let the dispatcher handle
	// the multi-key entry against a simulator that defers its read-back.
	sim, client := newSimClient(t, WithBlankAfterEntry())
	ctx := context.Background()

	if _, err := client.StartCall(ctx, "CAsilent"); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	if _, err := client.SendInput(ctx, "CAsilent", "2"); err != nil {
		t.Fatalf("SendInput failed: %v", err)
	}

	dispatcher := flow.NewDispatcher(client, flow.WithInterLegDelay(0), flow.WithRecoveryDelay(0))
	leg, err := dispatcher.Dispatch(ctx, "CAsilent", models.Action{
		Name:  "enter prescription",
		Input: models.TestRxNumber,
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !strings.Contains(leg.Prompt, "Press 1 to confirm") {
		t.Errorf("recovered prompt = %q", leg.Prompt)
	}

	// Confirm and read the status of the known test prescription.
	leg, err = client.SendInput(ctx, "CAsilent", "1")
	if err != nil {
		t.Fatalf("SendInput failed: %v", err)
	}
	if !strings.Contains(leg.Prompt, "is ready for pickup") {
		t.Errorf("status result = %q", leg.Prompt)
	}

	if err := client.EndCall(ctx, "CAsilent"); err != nil {
		t.Fatalf("EndCall failed: %v", err)
	}
	if sim.ActiveCalls() != 0 {
		t.Errorf("active calls = %d, want 0", sim.ActiveCalls())
	}
}
