package flow

import (
	"fmt"
	"log/slog"

	"github.com/BTreeMap/DialPilot/internal/models"
)

// NextAction decides what the agent does at the classified state, according
// to the session's mode. Scripted sessions consult the canned decision table
// and fail closed to a wait action when a state has no entry; exploratory
// sessions rotate through the state's candidate inputs by depth. The depth
// counter belongs to the driver: it advances once per step and is never reset
// within a call.
func NextAction(s *Session, state models.State, depth int) models.Action {
	switch s.Mode() {
	case models.SessionModeExploratory:
		return exploreAction(state, depth)
	case models.SessionModeScripted:
		return scriptedAction(s, state)
	default:
		slog.Warn("Policy unknown session mode, waiting", "callID", s.CallID(), "mode", s.Mode())
		return models.WaitAction("unknown session mode")
	}
}

func scriptedAction(s *Session, state models.State) models.Action {
	action, ok := models.ScriptedActions[state]
	if !ok {
		slog.Warn("Policy missing scripted entry", "callID", s.CallID(), "state", state)
		return models.WaitAction("no scripted entry for state")
	}
	return action
}

func exploreAction(state models.State, depth int) models.Action {
	return models.Action{
		Name:      "explore " + string(state),
		Input:     CandidateAt(state, depth),
		Rationale: fmt.Sprintf("candidate at depth %d", depth),
	}
}

// CandidateAt returns the exploration input for a state at the given depth,
// rotating through the state's candidate list. States without a list fall
// back to the universal DTMF candidates.
func CandidateAt(state models.State, depth int) string {
	candidates := models.ExplorationCandidates[state]
	if len(candidates) == 0 {
		candidates = models.UniversalCandidates
	}
	return candidates[depth%len(candidates)]
}
