package agentloop

import "github.com/riccardocaporali/AICodeAgent/runstore"

// RunStats counts what happened during a run.
type RunStats struct {
	ToolCalls    int  `json:"tool_calls"`
	ReadOK       int  `json:"read_ok"`
	ProposeOK    int  `json:"propose_ok"`
	ApplyOK      int  `json:"apply_ok"`
	FlowError    int  `json:"flow_error"`
	TransientErr int  `json:"transient_err"`
	TextOnly     bool `json:"text_only"`
}

// Useful reports whether any call produced a result the run can keep.
func (s RunStats) Useful() bool { return s.ReadOK > 0 || s.ProposeOK > 0 || s.ApplyOK > 0 }

// RunOrder tracks call ordering relative to the first flow block. Call
// indices start at 1; FlowFirst is 0 until a flow block happens.
type RunOrder struct {
	CallIndex          int  `json:"call_idx"`
	FlowFirst          int  `json:"flow_first_idx"`
	RecoveredAfterFlow bool `json:"recovered_after_flow"`
	RecoveredSoft      bool `json:"recovered_soft"`
}

// Blocked reports whether a flow block happened.
func (o RunOrder) Blocked() bool { return o.FlowFirst > 0 }

// runTracker owns the counters of one run.
type runTracker struct {
	stats      RunStats
	order      RunOrder
	flowErrors []runstore.FlowError
}

func (t *runTracker) nextCall() int {
	t.order.CallIndex++
	return t.order.CallIndex
}

// blocked accounts for a call that gating stopped before dispatch.
func (t *runTracker) blocked(idx int, env Envelope) {
	t.stats.FlowError++
	if t.order.FlowFirst == 0 {
		t.order.FlowFirst = idx
	}
	fe := runstore.FlowError{Index: idx, Type: string(env.Kind)}
	if env.Error != nil {
		fe.Reason = env.Error.Reason
		fe.Message = env.Error.Message
	}
	t.flowErrors = append(t.flowErrors, fe)
}

// dispatched accounts for a call that reached the dispatcher.
func (t *runTracker) dispatched(idx int, kind ToolKind, env Envelope) {
	t.stats.ToolCalls++
	after := t.order.Blocked() && idx > t.order.FlowFirst

	if !env.OK {
		if env.Kind.Flow() {
			t.blocked(idx, env)
			return
		}
		t.stats.TransientErr++
		return
	}

	switch kind {
	case ToolPropose:
		t.stats.ProposeOK++
		if after {
			t.order.RecoveredAfterFlow = true
		}
	case ToolApply:
		t.stats.ApplyOK++
		if after {
			t.order.RecoveredAfterFlow = true
		}
	case ToolReadFile, ToolListFiles, ToolRunScript:
		t.stats.ReadOK++
		if after {
			t.order.RecoveredSoft = true
		}
	}
}
