package agentloop

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/riccardocaporali/AICodeAgent/runstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyInput(fp, content string) ToolInput {
	return ToolInput{FilePath: fp, Content: content, HasContent: true}
}

func proposalOf(fp, content string) runstore.Proposal {
	return runstore.NewProposal(fp, content, "calculator", "run_001")
}

var okEnvelope = Envelope{OK: true, Kind: KindOK}

func TestGateNoPreviousProposals(t *testing.T) {
	g := NewGate(nil)

	env := g.Admit(ToolApply, ToolInput{})
	require.NotNil(t, env)
	assert.Equal(t, KindApplyDenied, env.Kind)
	assert.Equal(t, ReasonNoProposals, env.Error.Reason)
	assert.Equal(t, NextCreate, env.Error.NextAction)
	assert.Equal(t, "Generate exactly one propose_changes preview; do NOT call apply_changes in this run.", env.Error.Message)
	assert.Empty(t, env.Error.ExpectedAnyOf)

	st := g.State()
	assert.True(t, st.BlockApply)
	assert.False(t, st.BlockPropose)

	// The denial blocks apply, so the repetition is a throttle.
	env = g.Admit(ToolApply, ToolInput{})
	require.NotNil(t, env)
	assert.Equal(t, KindThrottled, env.Kind)
	assert.Equal(t, ReasonApplyBlocked, env.Error.Reason)
	assert.Equal(t, NextCreate, env.Error.NextAction)

	// Proposing is still allowed.
	assert.Nil(t, g.Admit(ToolPropose, applyInput("main.py", "x")))
}

func TestGateProposeBlocksTheRestOfTheRun(t *testing.T) {
	g := NewGate(nil)
	in := applyInput("main.py", "print('fixed')\n")

	require.Nil(t, g.Admit(ToolPropose, in))
	g.Observe(ToolPropose, in, okEnvelope)

	for _, kind := range []ToolKind{ToolPropose, ToolApply} {
		env := g.Admit(kind, in)
		require.NotNil(t, env, kind.String())
		assert.Equal(t, KindThrottled, env.Kind)
		assert.Equal(t, "Apply is disabled in the same run as a proposal. Use apply in a new run.", env.Error.Message)
		assert.Equal(t, NextReturnText, env.Error.NextAction)
	}
	assert.True(t, g.State().SawPropose)
}

func TestGateReadsAreNeverGated(t *testing.T) {
	g := NewGate(nil)
	g.Observe(ToolPropose, ToolInput{}, okEnvelope)
	for _, kind := range []ToolKind{ToolListFiles, ToolReadFile, ToolRunScript} {
		assert.Nil(t, g.Admit(kind, ToolInput{}), kind.String())
	}
}

func TestGateMissingArguments(t *testing.T) {
	g := NewGate([]runstore.Proposal{proposalOf("main.py", "abc")})

	for _, in := range []ToolInput{
		{Content: "abc", HasContent: true},
		{FilePath: "main.py"},
	} {
		env := g.Admit(ToolApply, in)
		require.NotNil(t, env)
		assert.Equal(t, KindApplyDenied, env.Kind)
		assert.Equal(t, ReasonMissingArguments, env.Error.Reason)
		assert.Equal(t, NextRetryApply, env.Error.NextAction)
		assert.Equal(t, []Target{{FilePath: "main.py", ContentLen: 3}}, env.Error.ExpectedAnyOf)
	}

	st := g.State()
	assert.False(t, st.BlockApply)
	assert.True(t, st.BlockPropose)
}

func TestGateMismatch(t *testing.T) {
	g := NewGate([]runstore.Proposal{proposalOf("main.py", "abc")})

	tests := []struct {
		name string
		in   ToolInput
	}{
		{"other file", applyInput("other.py", "abc")},
		{"other length", applyInput("main.py", "abcd")},
		{"same length other content", applyInput("main.py", "xyz")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := g.Admit(ToolApply, tt.in)
			require.NotNil(t, env)
			assert.Equal(t, ReasonMismatch, env.Error.Reason)
			assert.Equal(t, "The provided (file_path, content_len) does not match any proposal from the previous run.", env.Error.Message)
		})
	}
	assert.Nil(t, g.Admit(ToolApply, applyInput("main.py", "abc")))
}

func TestGateContentLengthCountsCharacters(t *testing.T) {
	g := NewGate([]runstore.Proposal{proposalOf("greet.py", "print('héllo')")})
	assert.Nil(t, g.Admit(ToolApply, applyInput("greet.py", "print('héllo')")))
	assert.Equal(t, 14, targetOf(applyInput("greet.py", "print('héllo')")).ContentLen)
}

func TestGateApplySequence(t *testing.T) {
	first := proposalOf("a.py", "one")
	second := proposalOf("b.py", "two!")
	g := NewGate([]runstore.Proposal{first, second})

	in := applyInput("a.py", "one")
	require.Nil(t, g.Admit(ToolApply, in))
	g.Observe(ToolApply, in, okEnvelope)

	st := g.State()
	assert.False(t, st.BlockApply)
	assert.True(t, st.BlockPropose)
	assert.Equal(t, NextApplyPending, st.NextAction)
	assert.Equal(t, "Call apply_changes on the pending proposals", st.Message)
	assert.Equal(t, map[Target]string{{FilePath: "b.py", ContentLen: 4}: second.Digest}, st.Pending)
	assert.Len(t, st.Allowed, 2)

	env := g.Admit(ToolPropose, applyInput("c.py", "x"))
	require.NotNil(t, env)
	assert.Equal(t, ReasonProposeBlocked, env.Error.Reason)

	// Applying the same target twice is a mismatch: it is no longer pending.
	env = g.Admit(ToolApply, in)
	require.NotNil(t, env)
	assert.Equal(t, ReasonMismatch, env.Error.Reason)
	assert.Equal(t, []Target{{FilePath: "b.py", ContentLen: 4}}, env.Error.ExpectedAnyOf)

	in = applyInput("b.py", "two!")
	require.Nil(t, g.Admit(ToolApply, in))
	g.Observe(ToolApply, in, okEnvelope)

	st = g.State()
	assert.True(t, st.BlockApply)
	assert.False(t, st.BlockPropose)
	assert.Equal(t, "No more pending proposal present, can't call apply_changes", st.Message)
	assert.Empty(t, st.Pending)

	env = g.Admit(ToolApply, in)
	require.NotNil(t, env)
	assert.Equal(t, KindThrottled, env.Kind)
	assert.Equal(t, ReasonApplyBlocked, env.Error.Reason)
}

func TestGateFailedCallLeavesState(t *testing.T) {
	g := NewGate([]runstore.Proposal{proposalOf("a.py", "one")})
	before := g.State()

	g.Observe(ToolApply, applyInput("a.py", "one"), Envelope{Kind: KindError})
	g.Observe(ToolPropose, applyInput("a.py", "one"), Envelope{Kind: KindException})

	if diff := cmp.Diff(before, g.State()); diff != "" {
		t.Errorf("state changed (-before +after):\n%s", diff)
	}
}

func TestNewGateProposalFilter(t *testing.T) {
	g := NewGate([]runstore.Proposal{
		{FilePath: "", Content: "x", ContentLen: intPtr(1)},
		{FilePath: "nolen.py", Content: "x"},
		{FilePath: "nodigest.py", Content: "abc", ContentLen: intPtr(3)},
		{FilePath: "lenonly.py", ContentLen: intPtr(2)},
	})

	want := map[Target]string{
		{FilePath: "nodigest.py", ContentLen: 3}: runstore.Digest("abc"),
		{FilePath: "lenonly.py", ContentLen: 2}:  "",
	}
	if diff := cmp.Diff(want, g.State().Allowed); diff != "" {
		t.Errorf("allowed mismatch (-want +got):\n%s", diff)
	}

	// Without a digest only the length has to match.
	assert.Nil(t, g.Admit(ToolApply, applyInput("lenonly.py", "zz")))
}

func TestGateExpectedAnyOfIsCappedAndSorted(t *testing.T) {
	var proposals []runstore.Proposal
	for _, name := range []string{"g.py", "b.py", "f.py", "a.py", "e.py", "c.py", "d.py"} {
		proposals = append(proposals, proposalOf(name, "x"))
	}
	g := NewGate(proposals)

	env := g.Admit(ToolApply, applyInput("zzz.py", "x"))
	require.NotNil(t, env)
	var names []string
	for _, tgt := range env.Error.ExpectedAnyOf {
		names = append(names, tgt.FilePath)
	}
	assert.Equal(t, []string{"a.py", "b.py", "c.py", "d.py", "e.py"}, names)
}

func TestGateStateIsACopy(t *testing.T) {
	g := NewGate([]runstore.Proposal{proposalOf("a.py", "one")})
	st := g.State()
	delete(st.Pending, Target{FilePath: "a.py", ContentLen: 3})
	assert.Len(t, g.State().Pending, 1)
}
