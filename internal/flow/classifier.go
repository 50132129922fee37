// Package flow implements the call session machinery for DialPilot: prompt
// classification, transition tracking, action policies, leg dispatch, and the
// session driver that ties them together.
package flow

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/DialPilot/internal/models"
)

// RegisteredPattern is a prompt matcher added to a session at runtime,
// extending the static taxonomy with a discovered state.
type RegisteredPattern struct {
	Pattern string       `json:"pattern"`
	State   models.State `json:"state"`
}

// Classify maps prompt text to a taxonomy state. Matching is case-insensitive
// substring matching: disambiguation rules run first, then the static pattern
// table in declaration order, then the session's registered patterns in
// registration order. Blank prompts and prompts matching nothing classify as
// StateUnknown.
func Classify(prompt string, previous models.State, registered []RegisteredPattern) models.State {
	text := strings.ToLower(strings.TrimSpace(prompt))
	if text == "" {
		return models.StateUnknown
	}

	if state, ok := disambiguate(text, previous); ok {
		return state
	}

	for _, entry := range models.PromptPatterns {
		for _, pattern := range entry.Patterns {
			if strings.Contains(text, pattern) {
				return entry.State
			}
		}
	}

	for _, reg := range registered {
		if strings.Contains(text, strings.ToLower(reg.Pattern)) {
			slog.Debug("Classifier matched registered pattern", "pattern", reg.Pattern, "state", reg.State)
			return reg.State
		}
	}

	slog.Debug("Classifier found no match", "previous", previous, "length", len(text))
	return models.StateUnknown
}

// disambiguate resolves prompts whose wording overlaps across states. Rules
// run in a fixed order ahead of the static scan; the first applicable rule
// decides.
func disambiguate(text string, previous models.State) (models.State, bool) {
	// Both prescription-entry states ask for a prescription number. Stay with
	// the sibling we were already in, otherwise let the surrounding wording
	// pick a side.
	if strings.Contains(text, "prescription number") {
		switch previous {
		case models.StateRefillRxEntry, models.StateStatusRxEntry:
			return previous, true
		}
		if strings.Contains(text, "refill") {
			return models.StateRefillRxEntry, true
		}
		if strings.Contains(text, "status") || strings.Contains(text, "order") {
			return models.StateStatusRxEntry, true
		}
		return models.StateRefillRxEntry, true
	}

	// Both hours states open with "we are open"; only the weekly listing
	// walks the days of the week.
	if strings.Contains(text, "we are open") {
		if strings.Contains(text, "monday") {
			return models.StateWeeklyHours, true
		}
		return models.StatePharmacyHours, true
	}

	return models.StateUnknown, false
}
