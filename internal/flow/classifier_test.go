package flow

import (
	"strings"
	"testing"

	"github.com/BTreeMap/DialPilot/internal/models"
)

const mainMenuPrompt = "Welcome to Maple Pharmacy. Press 1 to refill a prescription, " +
	"press 2 to check order status, press 3 to speak with a pharmacist, " +
	"press 4 for pharmacy hours, press 5 for store location, or press 8 to end the call."

func TestClassifyBlankPrompt(t *testing.T) {
	if got := Classify("", models.StateUnknown, nil); got != models.StateUnknown {
		t.Errorf("Classify(\"\") = %s, want UNKNOWN", got)
	}
	if got := Classify("   \n\t", models.StateMainMenu, nil); got != models.StateUnknown {
		t.Errorf("Classify(whitespace) = %s, want UNKNOWN", got)
	}
}

func TestClassifyMainMenu(t *testing.T) {
	if got := Classify(mainMenuPrompt, models.StateUnknown, nil); got != models.StateMainMenu {
		t.Errorf("greeting classified as %s, want MAIN_MENU", got)
	}
	// Matching is case-insensitive.
	if got := Classify(strings.ToUpper(mainMenuPrompt), models.StateUnknown, nil); got != models.StateMainMenu {
		t.Errorf("upper-cased greeting classified as %s, want MAIN_MENU", got)
	}
}

func TestClassifyRxEntryDisambiguation(t *testing.T) {
	refill := "To refill a prescription, please enter your prescription number."
	status := "To check your order status, please enter your prescription number."
	bare := "Please re-enter your prescription number."

	if got := Classify(refill, models.StateMainMenu, nil); got != models.StateRefillRxEntry {
		t.Errorf("refill wording classified as %s, want REFILL_RX_ENTRY", got)
	}
	if got := Classify(status, models.StateMainMenu, nil); got != models.StateStatusRxEntry {
		t.Errorf("status wording classified as %s, want STATUS_RX_ENTRY", got)
	}
	// Without a keyword, the previous sibling state is sticky.
	if got := Classify(bare, models.StateStatusRxEntry, nil); got != models.StateStatusRxEntry {
		t.Errorf("bare re-entry after status classified as %s, want STATUS_RX_ENTRY", got)
	}
	if got := Classify(bare, models.StateRefillRxEntry, nil); got != models.StateRefillRxEntry {
		t.Errorf("bare re-entry after refill classified as %s, want REFILL_RX_ENTRY", got)
	}
	// No keyword and no sibling history defaults to the refill side.
	if got := Classify(bare, models.StateMainMenu, nil); got != models.StateRefillRxEntry {
		t.Errorf("bare entry prompt classified as %s, want REFILL_RX_ENTRY", got)
	}
}

func TestClassifyHoursDisambiguation(t *testing.T) {
	today := "Today we are open from 9 AM to 6 PM. Press 1 for our full weekly hours, or press 9 for the main menu."
	weekly := "We are open Monday through Friday from 9 AM to 6 PM, Saturday from 10 AM to 4 PM, and we are closed on Sunday. Returning to the main menu."

	if got := Classify(today, models.StateMainMenu, nil); got != models.StatePharmacyHours {
		t.Errorf("today's hours classified as %s, want PHARMACY_HOURS", got)
	}
	if got := Classify(weekly, models.StatePharmacyHours, nil); got != models.StateWeeklyHours {
		t.Errorf("weekly hours classified as %s, want WEEKLY_HOURS", got)
	}
}

func TestClassifyScanOrderBeatsEmbeddedMenuText(t *testing.T) {
	// Rejection prompts replay the full menu; the rejection wording must win.
	invalid := "I'm sorry, that is not a valid option. " + mainMenuPrompt
	if got := Classify(invalid, models.StateMainMenu, nil); got != models.StateInvalidInput {
		t.Errorf("rejection prompt classified as %s, want INVALID_INPUT", got)
	}
	// Confirmation read-backs mention the main menu option.
	confirm := "You entered 7, 6, 0, 3, 1, 4, 2. Press 1 to confirm, press 2 to re-enter, or press 9 for the main menu."
	if got := Classify(confirm, models.StateRefillRxEntry, nil); got != models.StateConfirmRx {
		t.Errorf("read-back classified as %s, want CONFIRM_RX", got)
	}
}

func TestClassifyRegisteredPatterns(t *testing.T) {
	registered := []RegisteredPattern{
		{Pattern: "Take Our Survey", State: models.State("AFTER_CALL_SURVEY")},
	}
	prompt := "Before you go, please take our survey by pressing 7."
	if got := Classify(prompt, models.StateUnknown, registered); got != models.State("AFTER_CALL_SURVEY") {
		t.Errorf("registered pattern classified as %s, want AFTER_CALL_SURVEY", got)
	}
	// The static table is consulted before the registry.
	shadow := []RegisteredPattern{{Pattern: "main menu", State: models.State("SHADOW")}}
	if got := Classify("Main menu. "+mainMenuPrompt, models.StateUnknown, shadow); got != models.StateMainMenu {
		t.Errorf("static pattern lost to registry, got %s", got)
	}
}

func TestClassifyNoMatch(t *testing.T) {
	if got := Classify("the quick brown fox jumps over the lazy dog", models.StateMainMenu, nil); got != models.StateUnknown {
		t.Errorf("unmatched prompt classified as %s, want UNKNOWN", got)
	}
}
