package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/riccardocaporali/AICodeAgent/runstore"
	"github.com/riccardocaporali/AICodeAgent/unifiedllm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const buggyCalc = "def add(a, b):\n    return a - b\n"
const fixedCalc = "def add(a, b):\n    return a + b\n"

// scriptedClient replays one step per Complete call and records every
// request it receives.
type scriptedClient struct {
	steps    []scriptStep
	requests []unifiedllm.Request
}

type scriptStep struct {
	resp *unifiedllm.Response
	err  error
}

func (c *scriptedClient) Complete(_ context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	c.requests = append(c.requests, req)
	n := len(c.requests) - 1
	if n >= len(c.steps) {
		return nil, &unifiedllm.NotFoundError{ProviderError: unifiedllm.ProviderError{
			SDKError: unifiedllm.SDKError{Message: "script exhausted"},
		}}
	}
	return c.steps[n].resp, c.steps[n].err
}

func say(text string) scriptStep {
	return scriptStep{resp: &unifiedllm.Response{
		ID:      "resp",
		Message: unifiedllm.AssistantMessage(text),
		Usage:   unifiedllm.Usage{InputTokens: 10, OutputTokens: 3},
	}}
}

// call builds a response with one function call per name/args pair.
func call(pairs ...string) scriptStep {
	msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
	for i := 0; i+1 < len(pairs); i += 2 {
		msg.Content = append(msg.Content,
			unifiedllm.ToolCallPart(fmt.Sprintf("call_%d", i/2), pairs[i], json.RawMessage(pairs[i+1])))
	}
	return scriptStep{resp: &unifiedllm.Response{ID: "resp", Message: msg}}
}

func fail(err error) scriptStep { return scriptStep{err: err} }

type sessionFixture struct {
	root   string
	run    runstore.RunSession
	out    *bytes.Buffer
	client *scriptedClient
	sleeps []time.Duration
}

func (f *sessionFixture) codePath(name string) string {
	return filepath.Join(f.root, "code_to_fix", name)
}

func newTestSession(t *testing.T, prev runstore.Previous, configure func(*SessionConfig), steps ...scriptStep) (*Session, *sessionFixture) {
	t.Helper()
	_, run, rec := newTestRun(t)
	root := t.TempDir()
	writeFiles(t, filepath.Join(root, "code_to_fix"), map[string]string{
		"calculator/main.py":     "from pkg.calc import add\nprint(add(2, 2))\n",
		"calculator/pkg/calc.py": buggyCalc,
	})

	f := &sessionFixture{
		root:   root,
		run:    run,
		out:    &bytes.Buffer{},
		client: &scriptedClient{steps: steps},
	}
	cfg := DefaultSessionConfig()
	cfg.ProjectRoot = root
	if configure != nil {
		configure(&cfg)
	}
	s, err := NewSession(SessionDeps{
		Client:   f.client,
		Recorder: rec,
		Previous: prev,
		Env:      &fakeExec{result: &ExecResult{Stdout: "4\n"}},
		Logger:   zap.NewNop(),
		Out:      f.out,
		Sleep: func(_ context.Context, d time.Duration) error {
			f.sleeps = append(f.sleeps, d)
			return nil
		},
	}, cfg)
	require.NoError(t, err)
	return s, f
}

// lastToolResult decodes the n-th tool result sent in request req.
func lastToolResult(t *testing.T, req unifiedllm.Request, n int) map[string]any {
	t.Helper()
	last := req.Messages[len(req.Messages)-1]
	require.Equal(t, unifiedllm.RoleTool, last.Role)
	results := last.ToolResults()
	require.Greater(t, len(results), n)
	var m map[string]any
	require.NoError(t, json.Unmarshal(results[n].Content, &m))
	return m
}

func previousWithProposal(content string) runstore.Previous {
	p := runstore.NewProposal("pkg/calc.py", content, "calculator", "run_000")
	return runstore.Previous{
		Context:   "PREV_RUN_JSON (context only)",
		Proposals: []runstore.Proposal{p},
		Proposal:  &p,
	}
}

func TestNewSessionRequiresCollaborators(t *testing.T) {
	_, err := NewSession(SessionDeps{}, DefaultSessionConfig())
	require.Error(t, err)

	_, err = NewSession(SessionDeps{Client: &scriptedClient{}}, DefaultSessionConfig())
	require.Error(t, err)
}

func TestRunReadsThenAnswers(t *testing.T) {
	s, f := newTestSession(t, runstore.Previous{}, nil,
		call("get_files_info", `{"working_directory":"calculator"}`),
		call("get_file_content", `{"working_directory":"calculator","file_path":"pkg/calc.py"}`,
			"run_python_file", `{"working_directory":"calculator","file_path":"main.py"}`),
		say("add() subtracts instead of adding."),
	)

	res, err := s.Run(context.Background(), "find the bug")
	require.NoError(t, err)

	assert.Equal(t, runstore.OutcomeDefault, res.Outcome)
	assert.Equal(t, RunStats{ToolCalls: 3, ReadOK: 3, TextOnly: true}, res.Stats)
	assert.Equal(t, "add() subtracts instead of adding.", res.LastText)
	assert.Equal(t, f.run.ID, res.RunID)
	assert.Equal(t, s.ID(), res.SessionID)
	assert.Equal(t, unifiedllm.Usage{InputTokens: 10, OutputTokens: 3}, res.Usage)

	require.Len(t, res.Calls, 3)
	assert.Equal(t, "get_file_content", res.Calls[1].Tool)
	assert.Equal(t, runstore.CallArgs{WorkingDirectory: "calculator", FilePath: "pkg/calc.py"}, res.Calls[1].Args)
	assert.Equal(t, runstore.StatusOK, res.Calls[1].Status)
	assert.Equal(t, "STDOUT:4\n\nSTDERR:\nExit code:0", res.Calls[2].Brief)

	require.Len(t, f.client.requests, 3)
	first := f.client.requests[0]
	assert.Equal(t, unifiedllm.DefaultModel, first.Model)
	assert.Len(t, first.ToolDefs, 5)
	assert.Contains(t, first.SystemPrompt(), "You are an AI agent for refactoring and debugging code.")
	require.Len(t, first.Messages, 2)
	assert.Equal(t, "find the bug", first.Messages[1].TextContent())

	// Both calls of the second iteration travel in one tool message.
	assert.Len(t, f.client.requests[2].Messages[len(f.client.requests[2].Messages)-1].ToolResults(), 2)
	listing := lastToolResult(t, f.client.requests[1], 0)
	assert.Equal(t, true, listing["ok"])
	assert.Contains(t, listing["result"], "- main.py: file_size=")

	out := f.out.String()
	assert.Contains(t, out, "--------------- Iteration #1 ----------------\n - Calling function: get_files_info\n")
	assert.Contains(t, out, "--------------- Iteration #3 ----------------\nadd() subtracts instead of adding.\n")
	assert.NotContains(t, out, "Proposed changes saved")
}

func TestRunProposalBlocksFurtherEdits(t *testing.T) {
	propose := fmt.Sprintf(`{"working_directory":"calculator","file_path":"pkg/calc.py","content":%q}`, fixedCalc)
	s, f := newTestSession(t, runstore.Previous{}, nil,
		call("propose_changes", propose),
		call("propose_changes", propose, "apply_changes", `{}`),
		say("I proposed a fix for add()."),
	)

	res, err := s.Run(context.Background(), "fix add")
	require.NoError(t, err)

	assert.Equal(t, runstore.OutcomeProposeRun, res.Outcome)
	assert.Equal(t, RunStats{ToolCalls: 1, ProposeOK: 1, FlowError: 2, TextOnly: true}, res.Stats)
	assert.Equal(t, RunOrder{CallIndex: 3, FlowFirst: 2}, res.Order)
	require.Len(t, res.Proposals, 1)
	assert.Equal(t, runstore.NewProposal("pkg/calc.py", fixedCalc, "calculator", f.run.ID), res.Proposals[0])
	assert.Equal(t, []runstore.FlowError{
		{Index: 2, Type: "throttled", Reason: ReasonProposeBlocked, Message: "Apply is disabled in the same run as a proposal. Use apply in a new run."},
		{Index: 3, Type: "throttled", Reason: ReasonApplyBlocked, Message: "Apply is disabled in the same run as a proposal. Use apply in a new run."},
	}, res.FlowErrors)
	assert.Equal(t, []string{runstore.StatusOK, runstore.StatusThrottled, runstore.StatusThrottled},
		[]string{res.Calls[0].Status, res.Calls[1].Status, res.Calls[2].Status})

	throttle := lastToolResult(t, f.client.requests[2], 0)
	assert.Equal(t, false, throttle["ok"])
	assert.Equal(t, "throttled", throttle["error"].(map[string]any)["type"])

	assert.Equal(t, buggyCalc, readString(t, f.codePath("calculator/pkg/calc.py")))
	assert.Contains(t, f.out.String(), "Proposed changes saved in "+filepath.Join("__ai_outputs__", f.run.ID)+"/")
}

func TestRunApplyWithoutProposalIsAnError(t *testing.T) {
	s, f := newTestSession(t, runstore.Previous{}, func(c *SessionConfig) { c.Reset = true; c.EchoIO = true },
		call("apply_changes", `{}`),
		say("There is no proposal to apply yet."),
	)

	res, err := s.Run(context.Background(), "apply the fix")
	require.NoError(t, err)

	assert.Equal(t, runstore.OutcomeError, res.Outcome)
	assert.Equal(t, "apply_denied:no_previous_proposals @call#1 — "+
		"Generate exactly one propose_changes preview; do NOT call apply_changes in this run.", res.OutcomeMessage)
	assert.Equal(t, RunStats{ToolCalls: 1, FlowError: 1, TextOnly: true}, res.Stats)
	assert.Equal(t, runstore.StatusDenied, res.Calls[0].Status)

	denial := lastToolResult(t, f.client.requests[1], 0)["error"].(map[string]any)
	assert.Equal(t, "apply_denied", denial["type"])
	assert.Equal(t, ReasonNoProposals, denial["reason"])
	assert.Equal(t, NextCreate, denial["next_action"])

	out := f.out.String()
	assert.Contains(t, out, "--- LAST MESSAGES ---")
	assert.Contains(t, out, "-> DENY apply_changes: apply_denied:no_previous_proposals")
}

func TestRunAppliesPreviousProposal(t *testing.T) {
	s, f := newTestSession(t, previousWithProposal(fixedCalc), func(c *SessionConfig) { c.EchoIO = true },
		call("apply_changes", `{}`),
		say("Applied."),
	)

	res, err := s.Run(context.Background(), "apply it")
	require.NoError(t, err)

	assert.Equal(t, fixedCalc, readString(t, f.codePath("calculator/pkg/calc.py")))
	assert.Equal(t, runstore.OutcomeDefault, res.Outcome)
	assert.Equal(t, 1, res.Stats.ApplyOK)
	assert.Empty(t, res.Gating.Pending)
	assert.True(t, res.Gating.BlockApply)

	n := len([]rune(fixedCalc))
	assert.Equal(t, runstore.CallArgs{WorkingDirectory: "calculator", FilePath: "pkg/calc.py", ContentLen: &n}, res.Calls[0].Args)
	assert.Equal(t, "calc.py", res.Calls[0].Extras["backup"])

	// The previous summary is sent before the prompt.
	first := f.client.requests[0]
	require.Len(t, first.Messages, 3)
	assert.Equal(t, "PREV_RUN_JSON (context only)", first.Messages[1].TextContent())
	assert.Equal(t, "apply it", first.Messages[2].TextContent())

	assert.Contains(t, f.out.String(), "-> APPLY success: applied (pkg/calc.py, 32); pending left=0")
}

func TestRunApplyWithWrongContentIsDenied(t *testing.T) {
	s, f := newTestSession(t, previousWithProposal(fixedCalc), nil,
		call("apply_changes", `{"working_directory":"calculator","file_path":"pkg/calc.py","content":"oops"}`),
		say("The content did not match."),
	)

	res, err := s.Run(context.Background(), "apply it")
	require.NoError(t, err)

	assert.Equal(t, runstore.OutcomeError, res.Outcome)
	assert.Equal(t, buggyCalc, readString(t, f.codePath("calculator/pkg/calc.py")))
	denial := lastToolResult(t, f.client.requests[1], 0)["error"].(map[string]any)
	assert.Equal(t, ReasonMismatch, denial["reason"])
	assert.Equal(t, []any{map[string]any{"file_path": "pkg/calc.py", "content_len": float64(32)}}, denial["expected_any_of"])
}

func TestRunResetIgnoresPreviousRun(t *testing.T) {
	s, f := newTestSession(t, previousWithProposal(fixedCalc), func(c *SessionConfig) { c.Reset = true },
		call("apply_changes", `{}`),
		say("Nothing to apply."),
	)

	res, err := s.Run(context.Background(), "apply it")
	require.NoError(t, err)

	require.Len(t, f.client.requests[0].Messages, 2)
	assert.Equal(t, ReasonNoProposals, res.FlowErrors[0].Reason)
	assert.Equal(t, buggyCalc, readString(t, f.codePath("calculator/pkg/calc.py")))
}

func TestRunInjectsDirectoryHintOnce(t *testing.T) {
	s, f := newTestSession(t, runstore.Previous{}, nil,
		say("Which directory should I look at?"),
		say("Please tell me which folder holds the project."),
	)

	res, err := s.Run(context.Background(), "fix it")
	require.NoError(t, err)

	require.Len(t, f.client.requests, 2)
	second := f.client.requests[1]
	hint := second.Messages[len(second.Messages)-1]
	assert.Equal(t, unifiedllm.RoleUser, hint.Role)
	assert.Equal(t, "The project root is 'code_to_fix/'. Use get_files_info on '.' or on the mentioned subfolder.", hint.TextContent())

	assert.True(t, res.Stats.TextOnly)
	assert.Equal(t, runstore.OutcomeAdditional, res.Outcome)
	assert.Equal(t, "Please tell me which folder holds the project.", res.LastText)
}

func TestClarificationPattern(t *testing.T) {
	for _, text := range []string{
		"Which directory contains the code?",
		"Could you specify the working directory?",
		"In quale cartella si trova il progetto?",
		"What is the project root path?",
	} {
		assert.True(t, clarificationPattern.MatchString(text), text)
	}
	for _, text := range []string{
		"The bug is in add().",
		"I proposed a fix.",
	} {
		assert.False(t, clarificationPattern.MatchString(text), text)
	}
}

func TestRunRetriesUnavailableProvider(t *testing.T) {
	unavailable := &unifiedllm.ServerError{ProviderError: unifiedllm.ProviderError{
		SDKError:   unifiedllm.SDKError{Message: "model overloaded"},
		Provider:   "gemini",
		StatusCode: 503,
		ErrorCode:  "UNAVAILABLE",
	}}
	limited := &unifiedllm.RateLimitError{ProviderError: unifiedllm.ProviderError{StatusCode: 429}}
	s, f := newTestSession(t, runstore.Previous{}, nil,
		fail(unavailable),
		fail(limited),
		say("All good."),
	)

	res, err := s.Run(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{5 * time.Second, 60 * time.Second}, f.sleeps)
	assert.Equal(t, 2, res.Stats.TransientErr)
	assert.Equal(t, runstore.OutcomeAdditional, res.Outcome)
	out := f.out.String()
	assert.Contains(t, out, "Gemini is temporarily unavailable, wait 5 seconds...")
	assert.Contains(t, out, "Request per minute limit exceeded, wait 60 seconds...")
}

func TestRunAbortReturnsPartialResult(t *testing.T) {
	invalid := &unifiedllm.InvalidRequestError{ProviderError: unifiedllm.ProviderError{StatusCode: 400, ErrorCode: "INVALID_ARGUMENT"}}
	s, f := newTestSession(t, runstore.Previous{}, nil, fail(invalid))

	res, err := s.Run(context.Background(), "hello")
	require.ErrorIs(t, err, invalid)
	require.NotNil(t, res)
	assert.Equal(t, runstore.OutcomeDiscard, res.Outcome)
	assert.Equal(t, 1, res.Stats.TransientErr)
	assert.Contains(t, f.out.String(), "Code error, try again")
}

func TestRunSurfacesOtherErrorsToTheModel(t *testing.T) {
	s, f := newTestSession(t, runstore.Previous{}, nil,
		fail(errors.New("connection reset")),
		say("Recovered."),
	)

	res, err := s.Run(context.Background(), "hello")
	require.NoError(t, err)

	second := f.client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, unifiedllm.RoleUser, last.Role)
	assert.Equal(t, "An error occurred during the execution of the loop. Below is the error. Adjust your behavior accordingly: connection reset", last.TextContent())
	assert.Equal(t, 0, res.Stats.TransientErr)
	assert.Equal(t, "Recovered.", res.LastText)
}

func TestRunStopsWhenTheClientHasNothingMore(t *testing.T) {
	s, f := newTestSession(t, runstore.Previous{}, nil, call("get_files_info", `{}`))

	res, err := s.Run(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, f.client.requests, 2)
	assert.Equal(t, 1, res.Stats.ReadOK)
	assert.False(t, res.Stats.TextOnly)
}

func TestRunIterationLimit(t *testing.T) {
	steps := make([]scriptStep, 5)
	for i := range steps {
		steps[i] = call("get_files_info", `{}`)
	}
	s, f := newTestSession(t, runstore.Previous{}, func(c *SessionConfig) { c.MaxIterations = 3 }, steps...)

	res, err := s.Run(context.Background(), "loop")
	require.NoError(t, err)
	assert.Len(t, f.client.requests, 3)
	assert.Equal(t, 3, res.Stats.ToolCalls)
	assert.Equal(t, runstore.OutcomeDefault, res.Outcome)
}

func TestRunPrintsNoOutputMarker(t *testing.T) {
	t.Run("iteration limit", func(t *testing.T) {
		steps := make([]scriptStep, 3)
		for i := range steps {
			steps[i] = call("get_files_info", `{}`)
		}
		s, f := newTestSession(t, runstore.Previous{}, func(c *SessionConfig) { c.MaxIterations = 3 }, steps...)

		_, err := s.Run(context.Background(), "loop")
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(f.out.String(), " - Calling function: get_files_info\nNo output produced.\n"), f.out.String())
	})

	t.Run("empty answer", func(t *testing.T) {
		s, f := newTestSession(t, runstore.Previous{}, nil, say(""))

		res, err := s.Run(context.Background(), "hello")
		require.NoError(t, err)
		assert.True(t, res.Stats.TextOnly)
		assert.True(t, strings.HasSuffix(f.out.String(), "Iteration #1 ----------------\nNo output produced.\n"), f.out.String())
		assert.Equal(t, 1, strings.Count(f.out.String(), "No output produced."))
	})

	t.Run("text answer has no marker", func(t *testing.T) {
		s, f := newTestSession(t, runstore.Previous{}, nil, say("All good."))

		_, err := s.Run(context.Background(), "hello")
		require.NoError(t, err)
		assert.NotContains(t, f.out.String(), "No output produced.")
	})
}

func TestRunUnknownFunctionAndBadWorkingDirectory(t *testing.T) {
	s, f := newTestSession(t, runstore.Previous{}, nil,
		call("delete_everything", `{}`, "get_files_info", `{"working_directory":"../.."}`),
		say("Sorry."),
	)

	res, err := s.Run(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"error": "Unknown function: delete_everything"}, lastToolResult(t, f.client.requests[1], 0))
	escape := lastToolResult(t, f.client.requests[1], 1)
	assert.Equal(t, false, escape["ok"])
	assert.True(t, strings.HasPrefix(escape["result"].(string), "Error: Invalid filename"))

	assert.Equal(t, 2, res.Stats.TransientErr)
	assert.Equal(t, runstore.OutcomeDefault, res.Outcome)
}

func TestRunDemoPinsTheWorkingDirectory(t *testing.T) {
	s, f := newTestSession(t, runstore.Previous{}, func(c *SessionConfig) {
		c.Demo = true
		c.DemoDir = filepath.Join("code_to_fix", "calculator")
	},
		call("get_file_content", `{"working_directory":"elsewhere","file_path":"pkg/calc.py"}`),
		say("Read it."),
	)

	_, err := s.Run(context.Background(), "read")
	require.NoError(t, err)
	assert.Equal(t, buggyCalc, lastToolResult(t, f.client.requests[1], 0)["result"])
}

func TestRunVerboseOutput(t *testing.T) {
	s, f := newTestSession(t, runstore.Previous{}, func(c *SessionConfig) { c.Verbose = true },
		call("get_files_info", `{"working_directory":"calculator"}`),
		say("Done."),
	)

	_, err := s.Run(context.Background(), "list files")
	require.NoError(t, err)

	out := f.out.String()
	assert.Contains(t, out, `Calling function: get_files_info({"working_directory":"calculator"})`)
	assert.Contains(t, out, `-> {"kind":"ok","ok":true,"result":"- main.py:`)
	assert.Contains(t, out, "User prompt: list files\nPrompt tokens: 10\nResponse tokens: 3\n")
}

func TestRunOnlyOnceAndEvents(t *testing.T) {
	s, _ := newTestSession(t, runstore.Previous{}, nil, say("Hi."))

	_, err := s.Run(context.Background(), "hello")
	require.NoError(t, err)
	_, err = s.Run(context.Background(), "again")
	require.Error(t, err)

	var kinds []EventKind
	for ev := range s.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventRunStart, EventIteration, EventAssistantText, EventRunEnd}, kinds)
}

func TestRunHonoursCancelledContext(t *testing.T) {
	s, f := newTestSession(t, runstore.Previous{}, nil, say("never"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Run(ctx, "hello")
	require.ErrorIs(t, err, context.Canceled)
	assert.NotNil(t, res)
	assert.Empty(t, f.client.requests)
}

func TestRunResultRecord(t *testing.T) {
	res := &RunResult{
		RunID:      "run_002",
		Prompt:     "fix",
		Calls:      []runstore.CallRecord{{Tool: "get_files_info"}},
		Proposals:  []runstore.Proposal{runstore.NewProposal("a.py", "x", "", "run_002")},
		FlowErrors: []runstore.FlowError{{Index: 1}},
		LastText:   "done",
	}
	rec := res.Record()
	assert.Equal(t, "run_002", rec.RunID)
	assert.Equal(t, res.Calls, rec.Calls)
	assert.Equal(t, res.Proposals, rec.Proposals)
	assert.Equal(t, res.FlowErrors, rec.FlowErrors)
	assert.Equal(t, "done", rec.LastText)
}
