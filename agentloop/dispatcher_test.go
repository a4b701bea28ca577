package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/riccardocaporali/AICodeAgent/runstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubTool answers every call with a fixed result, error or panic.
type stubTool struct {
	kind   ToolKind
	result Result
	err    error
	panics any
	calls  []ToolInput
}

func (s *stubTool) Kind() ToolKind { return s.kind }

func (s *stubTool) Definition() ToolDefinition {
	return ToolDefinition{Name: s.kind.String(), Parameters: map[string]any{"type": "object"}}
}

func (s *stubTool) Execute(_ context.Context, in ToolInput) (Result, error) {
	s.calls = append(s.calls, in)
	if s.panics != nil {
		panic(s.panics)
	}
	return s.result, s.err
}

func newStubDispatcher(verbose bool, tools ...Tool) *Dispatcher {
	reg := NewToolRegistry()
	for _, tool := range tools {
		reg.Register(tool)
	}
	return NewDispatcher(reg, zap.NewNop(), verbose)
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestDispatchOK(t *testing.T) {
	tool := &stubTool{kind: ToolReadFile, result: Result{
		Status: StatusOK,
		Text:   "print('hi')",
		Extras: map[string]any{"chars": 11},
	}}
	d := newStubDispatcher(false, tool)

	env := d.Dispatch(context.Background(), "get_file_content", ToolInput{FilePath: "main.py"})
	assert.True(t, env.OK)
	assert.Equal(t, KindOK, env.Kind)
	assert.Equal(t, runstore.StatusOK, env.Status())
	assert.Equal(t, map[string]any{"chars": 11}, env.Extras)
	require.Len(t, tool.calls, 1)
	assert.Equal(t, "main.py", tool.calls[0].FilePath)

	assert.Equal(t, map[string]any{"ok": true, "kind": "ok", "result": "print('hi')"}, decode(t, env.JSON()))
}

func TestDispatchValidationFailureAndTimeout(t *testing.T) {
	d := newStubDispatcher(false,
		&stubTool{kind: ToolReadFile, result: errorResult("File not found or is not a regular file: \"%s\"", "x.py")},
		&stubTool{kind: ToolRunScript, result: Result{Status: StatusTimeout, Text: "Error: execution timed out after 30 seconds."}},
	)

	env := d.Dispatch(context.Background(), "get_file_content", ToolInput{})
	assert.False(t, env.OK)
	assert.Equal(t, KindError, env.Kind)
	assert.Equal(t, runstore.StatusError, env.Status())
	assert.Equal(t, `Error: File not found or is not a regular file: "x.py"`, env.Brief())

	env = d.Dispatch(context.Background(), "run_python_file", ToolInput{})
	assert.Equal(t, KindTimeout, env.Kind)
	assert.Equal(t, runstore.StatusTimeout, env.Status())
	assert.Equal(t, false, decode(t, env.JSON())["ok"])
}

func TestDispatchUnknownFunction(t *testing.T) {
	d := newStubDispatcher(false, &stubTool{kind: ToolReadFile})

	for _, name := range []string{"delete_everything", "run_python_file"} {
		env := d.Dispatch(context.Background(), name, ToolInput{})
		assert.Equal(t, KindUnknown, env.Kind, name)
		assert.Equal(t, map[string]any{"error": "Unknown function: " + name}, decode(t, env.JSON()))
		assert.Equal(t, runstore.StatusError, env.Status())
	}
}

func TestDispatchGoErrorBecomesException(t *testing.T) {
	err := fmt.Errorf("list: %w", &runstore.DirectoryMissingError{Dir: "/sandbox/missing"})
	d := newStubDispatcher(false, &stubTool{kind: ToolListFiles, err: err})

	env := d.Dispatch(context.Background(), "get_files_info", ToolInput{})
	assert.Equal(t, KindException, env.Kind)
	require.NotNil(t, env.Error)
	assert.Equal(t, "DirectoryMissingError", env.Error.Type)
	assert.Empty(t, env.Error.Trace)

	body := decode(t, env.JSON())
	assert.Equal(t, false, body["ok"])
	errBody := body["error"].(map[string]any)
	assert.Equal(t, err.Error(), errBody["message"])
	assert.NotContains(t, errBody, "details")
}

func TestDispatchPanicIsRecovered(t *testing.T) {
	d := newStubDispatcher(true, &stubTool{kind: ToolPropose, panics: "boom"})

	env := d.Dispatch(context.Background(), "propose_changes", ToolInput{})
	assert.Equal(t, KindException, env.Kind)
	assert.Equal(t, "panic", env.Error.Type)
	assert.Equal(t, "boom", env.Error.Message)
	assert.NotEmpty(t, env.Error.Trace)

	details := decode(t, env.JSON())["error"].(map[string]any)["details"].(map[string]any)
	assert.Contains(t, details["traceback"], "goroutine")
}

func TestFlowEnvelopeResponse(t *testing.T) {
	env := flowEnvelope("apply_changes", KindApplyDenied, ReasonMismatch, "no match", NextRetryApply,
		[]Target{{FilePath: "main.py", ContentLen: 42}})

	assert.Equal(t, map[string]any{
		"ok": false,
		"error": map[string]any{
			"type":        "apply_denied",
			"reason":      ReasonMismatch,
			"message":     "no match",
			"next_action": NextRetryApply,
			"expected_any_of": []any{
				map[string]any{"file_path": "main.py", "content_len": float64(42)},
			},
		},
	}, decode(t, env.JSON()))
	assert.Equal(t, runstore.StatusDenied, env.Status())
	assert.Equal(t, "apply_denied:proposal_mismatch", env.Brief())

	throttle := flowEnvelope("propose_changes", KindThrottled, ReasonProposeBlocked, "blocked", NextReturnText, nil)
	assert.NotContains(t, decode(t, throttle.JSON())["error"], "expected_any_of")
	assert.Equal(t, runstore.StatusThrottled, throttle.Status())
}

func TestErrorTypeName(t *testing.T) {
	assert.Equal(t, "PathViolationError", errorTypeName(fmt.Errorf("wrap: %w", &runstore.PathViolationError{})))
	assert.Equal(t, "errorString", errorTypeName(fmt.Errorf("plain")))
}
