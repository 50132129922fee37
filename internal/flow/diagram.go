package flow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BTreeMap/DialPilot/internal/models"
)

// Diagram renders a call report's observed transitions as a Mermaid
// stateDiagram-v2. Edges are labeled with their tally; transitions missing
// from the legal successor table are marked "unexpected". Output is
// deterministic: edges are sorted by key.
func Diagram(report *models.CallReport) string {
	var b strings.Builder
	b.WriteString("stateDiagram-v2\n")

	if len(report.Steps) > 0 {
		fmt.Fprintf(&b, "    [*] --> %s\n", report.Steps[0].State)
	}

	keys := make([]string, 0, len(report.TransitionCounts))
	for k := range report.TransitionCounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		from, to, err := models.ParseTransitionKey(key)
		if err != nil {
			continue
		}
		label := fmt.Sprintf("%d", report.TransitionCounts[key])
		if !models.IsLegalTransition(from, to) {
			label += " unexpected"
		}
		fmt.Fprintf(&b, "    %s --> %s: %s\n", from, to, label)
	}

	if report.Completed && report.FinalState != models.StateUnknown {
		fmt.Fprintf(&b, "    %s --> [*]\n", report.FinalState)
	}
	return b.String()
}
