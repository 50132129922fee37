// Package models defines the IVR state taxonomy for DialPilot sessions.
package models

// State identifies a node in the remote IVR menu graph.
type State string

const (
	// StateUnknown is the sentinel for prompts that match no pattern. It is
	// not a member of the menu graph; transition legality and tallying treat
	// it specially.
	StateUnknown State = "UNKNOWN"

	// StateMainMenu is the top-level menu.
	StateMainMenu State = "MAIN_MENU"
	// StateRefillRxEntry collects a prescription number for a refill.
	StateRefillRxEntry State = "REFILL_RX_ENTRY"
	// StateStatusRxEntry collects a prescription number for a status check.
	StateStatusRxEntry State = "STATUS_RX_ENTRY"
	// StateConfirmRx reads back the entered number and asks for confirmation.
	StateConfirmRx State = "CONFIRM_RX"
	// StateRefillScheduled announces that the refill was accepted.
	StateRefillScheduled State = "REFILL_SCHEDULED"
	// StateStatusResult reads out the prescription status.
	StateStatusResult State = "STATUS_RESULT"
	// StatePharmacyHours reads out today's opening hours.
	StatePharmacyHours State = "PHARMACY_HOURS"
	// StateWeeklyHours reads out the full weekly schedule, then returns to the menu.
	StateWeeklyHours State = "WEEKLY_HOURS"
	// StateStoreInfo reads out the store address and phone number.
	StateStoreInfo State = "STORE_INFO"
	// StateInvalidInput rejects the last key press and replays the menu.
	StateInvalidInput State = "INVALID_INPUT"
	// StateTransfer hands the call to a human pharmacist. Absorbing.
	StateTransfer State = "TRANSFER"
	// StateGoodbye is the closing message. Terminal.
	StateGoodbye State = "GOODBYE"
)

// KnownStates lists every classifiable state, excluding the UNKNOWN sentinel.
var KnownStates = []State{
	StateMainMenu,
	StateRefillRxEntry,
	StateStatusRxEntry,
	StateConfirmRx,
	StateRefillScheduled,
	StateStatusResult,
	StatePharmacyHours,
	StateWeeklyHours,
	StateStoreInfo,
	StateInvalidInput,
	StateTransfer,
	StateGoodbye,
}

// IsKnownState checks whether s belongs to the static taxonomy.
func IsKnownState(s State) bool {
	for _, k := range KnownStates {
		if k == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state ends the call on the remote side.
func (s State) IsTerminal() bool {
	return s == StateGoodbye
}

// StatePatterns pairs a state with its ordered prompt matchers.
type StatePatterns struct {
	State    State
	Patterns []string
}

// PromptPatterns is the static classification table. Entries are scanned top
// to bottom and patterns left to right; the first case-insensitive substring
// match wins. States whose prompts embed menu text ("press 9 for the main
// menu") must sit above StateMainMenu.
var PromptPatterns = []StatePatterns{
	{StateInvalidInput, []string{"not a valid option", "did not understand"}},
	{StateWeeklyHours, []string{"monday through"}},
	{StatePharmacyHours, []string{"today we are open"}},
	{StateConfirmRx, []string{"you entered", "press 1 to confirm"}},
	{StateRefillScheduled, []string{"refill has been scheduled"}},
	{StateStatusResult, []string{"is being processed", "is ready for pickup"}},
	{StateRefillRxEntry, []string{"enter your prescription"}},
	{StateStatusRxEntry, []string{"order status, please"}},
	{StateStoreInfo, []string{"located at"}},
	{StateTransfer, []string{"transfer you", "please hold"}},
	{StateGoodbye, []string{"goodbye"}},
	{StateMainMenu, []string{"press 1 to refill", "main menu"}},
}

// LegalSuccessors maps each state to the set of states it may advance to.
// An empty set marks an absorbing or terminal state. Transitions out of
// StateUnknown or out of a runtime-discovered state are never judged against
// this table; it has no entry to judge them by.
var LegalSuccessors = map[State][]State{
	StateMainMenu: {
		StateRefillRxEntry, StateStatusRxEntry, StateTransfer,
		StatePharmacyHours, StateStoreInfo, StateGoodbye, StateInvalidInput,
	},
	StateRefillRxEntry: {StateConfirmRx, StateInvalidInput, StateMainMenu},
	StateStatusRxEntry: {StateConfirmRx, StateInvalidInput, StateMainMenu},
	StateConfirmRx: {
		StateRefillScheduled, StateStatusResult, StateRefillRxEntry,
		StateStatusRxEntry, StateInvalidInput, StateMainMenu,
	},
	StateRefillScheduled: {StateMainMenu, StateGoodbye},
	StateStatusResult:    {StateMainMenu, StateGoodbye},
	StatePharmacyHours:   {StateWeeklyHours, StateMainMenu, StateInvalidInput},
	StateWeeklyHours:     {StateMainMenu},
	StateStoreInfo:       {StateMainMenu},
	StateInvalidInput: {
		StateMainMenu, StateRefillRxEntry, StateStatusRxEntry,
		StateConfirmRx, StatePharmacyHours, StateGoodbye,
	},
	StateTransfer: {},
	StateGoodbye:  {},
}

// IsLegalTransition reports whether from may advance to to. Self-loops are
// always legal, and anything out of the UNKNOWN sentinel or out of a state
// the successor table does not list cannot be judged and passes. A successor
// the table does not anticipate, the sentinel included, does not.
func IsLegalTransition(from, to State) bool {
	if from == to {
		return true
	}
	if from == StateUnknown {
		return true
	}
	successors, ok := LegalSuccessors[from]
	if !ok {
		return true
	}
	for _, s := range successors {
		if s == to {
			return true
		}
	}
	return false
}

// TestRxNumber is the prescription number the scripted table enters. The
// multi-digit value forces the split dispatch path on every scripted refill
// or status branch.
const TestRxNumber = "7603142"

// ScriptedActions is the canned per-state decision table for scripted
// sessions. Every classifiable state and the UNKNOWN sentinel carry an entry;
// the policy fails closed to a wait action for anything else.
var ScriptedActions = map[State]Action{
	StateMainMenu:        {Name: "pharmacy hours", Input: "4", Rationale: "hours branch of the regression path"},
	StateRefillRxEntry:   {Name: "enter rx number", Input: TestRxNumber, Rationale: "known test prescription"},
	StateStatusRxEntry:   {Name: "enter rx number", Input: TestRxNumber, Rationale: "known test prescription"},
	StateConfirmRx:       {Name: "confirm rx", Input: "1", Rationale: "accept the read-back"},
	StateRefillScheduled: {Name: "main menu", Input: "9", Rationale: "return for the next branch"},
	StateStatusResult:    {Name: "main menu", Input: "9", Rationale: "return for the next branch"},
	StatePharmacyHours:   {Name: "weekly hours", Input: "1", Rationale: "drill into the weekly listing"},
	StateWeeklyHours:     {Name: HangUpActionName, Input: "", Rationale: "regression path complete"},
	StateStoreInfo:       {Name: "main menu", Input: "9", Rationale: "return for the next branch"},
	StateInvalidInput:    {Name: WaitActionName, Input: "", Rationale: "let the menu replay"},
	StateTransfer:        {Name: WaitActionName, Input: "", Rationale: "absorbing state, nothing to press"},
	StateGoodbye:         {Name: HangUpActionName, Input: "", Rationale: "remote side is closing"},
	StateUnknown:         {Name: WaitActionName, Input: "", Rationale: "unrecognized prompt, listen again"},
}

// ExplorationCandidates lists the per-state inputs exploratory sessions rotate
// through. States without an entry fall back to UniversalCandidates.
var ExplorationCandidates = map[State][]string{
	StateMainMenu:        {"1", "2", "3", "4", "5", "8"},
	StateConfirmRx:       {"1", "2", "9"},
	StatePharmacyHours:   {"1", "9"},
	StateRefillScheduled: {"9", "8"},
	StateStatusResult:    {"9", "8"},
	StateStoreInfo:       {"9"},
	StateInvalidInput:    {"9"},
}

// UniversalCandidates is the fallback input list for states with no
// exploration entry.
var UniversalCandidates = []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "0", "*", "#"}
