package agentloop

import (
	"maps"
	"sort"
	"unicode/utf8"

	"github.com/riccardocaporali/AICodeAgent/runstore"
)

// Deny and throttle reasons.
const (
	ReasonApplyBlocked     = "apply_blocked_this_run"
	ReasonProposeBlocked   = "propose_blocked_this_run"
	ReasonNoProposals      = "no_previous_proposals"
	ReasonMissingArguments = "missing_content_or_path"
	ReasonMismatch         = "proposal_mismatch"
)

// Next actions suggested to the model.
const (
	NextReturnText    = "return_text_explanation"
	NextCreate        = "create_proposal"
	NextRetryApply    = "retry_apply_with_matching_proposal"
	NextApplyPending  = "apply_pending_proposal"
	maxExpectedTarget = 5
)

// GatingState is the propose/apply policy of one run.
type GatingState struct {
	// Allowed maps each target proposed by the previous run to its content
	// digest, "" when the digest is unknown.
	Allowed map[Target]string
	// Pending is Allowed minus the targets applied so far in this run.
	Pending      map[Target]string
	BlockApply   bool
	BlockPropose bool
	SawPropose   bool
	Message      string
	NextAction   string
}

// Gate decides, before dispatch, whether a propose or apply may run, and
// updates its state from the outcome afterwards.
type Gate struct {
	state GatingState
}

// NewGate builds the gate for a run from the previous run's proposals.
// Proposals without a file path or a content length cannot be applied and
// are ignored.
func NewGate(proposals []runstore.Proposal) *Gate {
	allowed := make(map[Target]string)
	for _, p := range proposals {
		if p.FilePath == "" || p.ContentLen == nil {
			continue
		}
		digest := p.Digest
		if digest == "" && p.Content != "" {
			digest = runstore.Digest(p.Content)
		}
		allowed[Target{FilePath: p.FilePath, ContentLen: *p.ContentLen}] = digest
	}
	return &Gate{state: GatingState{
		Allowed: allowed,
		Pending: maps.Clone(allowed),
	}}
}

// State returns a copy of the current state.
func (g *Gate) State() GatingState {
	s := g.state
	s.Allowed = maps.Clone(g.state.Allowed)
	s.Pending = maps.Clone(g.state.Pending)
	return s
}

// Admit returns nil when the call may be dispatched, or the throttle or
// denial envelope to send back instead.
func (g *Gate) Admit(kind ToolKind, in ToolInput) *Envelope {
	s := &g.state
	switch {
	case kind == ToolApply && s.BlockApply:
		env := flowEnvelope(kind.String(), KindThrottled, ReasonApplyBlocked, s.Message, s.NextAction, nil)
		return &env
	case kind == ToolPropose && s.BlockPropose:
		env := flowEnvelope(kind.String(), KindThrottled, ReasonProposeBlocked, s.Message, s.NextAction, nil)
		return &env
	case kind != ToolApply:
		return nil
	}

	if len(s.Pending) == 0 {
		s.BlockApply = true
		if s.SawPropose {
			s.BlockPropose = true
			s.Message = "You can't apply changes yet, return to the user a text response explaining the proposed changes."
			s.NextAction = NextReturnText
		} else {
			s.Message = "Generate exactly one propose_changes preview; do NOT call apply_changes in this run."
			s.NextAction = NextCreate
		}
		return g.deny(ReasonNoProposals)
	}

	if in.FilePath == "" || !in.HasContent {
		s.BlockPropose = true
		s.Message = "apply_changes requires both file_path and content matching a prior proposal."
		s.NextAction = NextRetryApply
		return g.deny(ReasonMissingArguments)
	}

	digest, ok := s.Pending[targetOf(in)]
	if !ok || (digest != "" && digest != runstore.Digest(in.Content)) {
		s.BlockPropose = true
		s.Message = "The provided (file_path, content_len) does not match any proposal from the previous run."
		s.NextAction = NextRetryApply
		return g.deny(ReasonMismatch)
	}
	return nil
}

func (g *Gate) deny(reason string) *Envelope {
	env := flowEnvelope(ToolApply.String(), KindApplyDenied, reason, g.state.Message, g.state.NextAction, g.expected())
	return &env
}

// expected lists up to five pending targets, sorted, as a hint.
func (g *Gate) expected() []Target {
	if len(g.state.Pending) == 0 {
		return nil
	}
	targets := make([]Target, 0, len(g.state.Pending))
	for t := range g.state.Pending {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].FilePath != targets[j].FilePath {
			return targets[i].FilePath < targets[j].FilePath
		}
		return targets[i].ContentLen < targets[j].ContentLen
	})
	if len(targets) > maxExpectedTarget {
		targets = targets[:maxExpectedTarget]
	}
	return targets
}

// Observe updates the state after a dispatched call. Failed calls leave
// the flags unchanged.
func (g *Gate) Observe(kind ToolKind, in ToolInput, env Envelope) {
	if !env.OK {
		return
	}
	s := &g.state
	switch kind {
	case ToolPropose:
		s.SawPropose = true
		s.BlockPropose = true
		s.BlockApply = true
		s.Message = "Apply is disabled in the same run as a proposal. Use apply in a new run."
		s.NextAction = NextReturnText
	case ToolApply:
		delete(s.Pending, targetOf(in))
		if len(s.Pending) > 0 {
			s.BlockApply = false
			s.BlockPropose = true
			s.Message = "Call apply_changes on the pending proposals"
			s.NextAction = NextApplyPending
		} else {
			s.BlockApply = true
			s.BlockPropose = false
			s.Message = "No more pending proposal present, can't call apply_changes"
			s.NextAction = NextReturnText
		}
	}
}

func targetOf(in ToolInput) Target {
	return Target{FilePath: in.FilePath, ContentLen: utf8.RuneCountInString(in.Content)}
}
