package agentloop

import (
	"fmt"

	"github.com/riccardocaporali/AICodeAgent/runstore"
)

// Classify decides how a finished run is persisted. The branches are
// checked in order; the message is only set for OutcomeError.
func Classify(stats RunStats, order RunOrder, flowErrors []runstore.FlowError) (runstore.Outcome, string) {
	useful := stats.Useful()
	hard := stats.ProposeOK > 0 || stats.ApplyOK > 0

	switch {
	case stats.TransientErr > 0 && !useful && stats.ToolCalls == 0 && !stats.TextOnly:
		return runstore.OutcomeDiscard, ""
	case order.Blocked() && order.RecoveredSoft && !hard:
		return runstore.OutcomeAdditional, ""
	case order.Blocked() && !order.RecoveredAfterFlow && !useful:
		if len(flowErrors) == 0 {
			return runstore.OutcomeError, "Flow blocked and not recovered within the run."
		}
		last := flowErrors[len(flowErrors)-1]
		return runstore.OutcomeError, fmt.Sprintf("%s:%s @call#%d — %s", last.Type, last.Reason, last.Index, last.Message)
	case stats.TextOnly && stats.ToolCalls == 0:
		return runstore.OutcomeAdditional, ""
	case stats.ProposeOK > 0:
		return runstore.OutcomeProposeRun, ""
	default:
		return runstore.OutcomeDefault, ""
	}
}
