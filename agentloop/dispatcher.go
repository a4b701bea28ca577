package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/riccardocaporali/AICodeAgent/runstore"
	"go.uber.org/zap"
)

// ResultKind classifies every envelope the model receives.
type ResultKind string

const (
	KindOK          ResultKind = "ok"
	KindError       ResultKind = "error"
	KindTimeout     ResultKind = "timeout"
	KindApplyDenied ResultKind = "apply_denied"
	KindThrottled   ResultKind = "throttled"
	KindException   ResultKind = "exception"
	KindUnknown     ResultKind = "unknown"
)

// Flow reports whether the kind is a gating decision rather than a tool
// outcome.
func (k ResultKind) Flow() bool { return k == KindApplyDenied || k == KindThrottled }

// Target is one (file_path, content_len) pair an apply may reproduce.
type Target struct {
	FilePath   string `json:"file_path"`
	ContentLen int    `json:"content_len"`
}

// EnvelopeError carries the failure half of an envelope.
type EnvelopeError struct {
	Type          string
	Reason        string
	Message       string
	NextAction    string
	ExpectedAnyOf []Target
	Trace         string
}

// Envelope is the uniform result of every tool path, executed or not.
type Envelope struct {
	OK      bool
	Kind    ResultKind
	Tool    string
	Payload string
	Error   *EnvelopeError
	Extras  map[string]any
}

// Response renders the envelope as the function response sent back to the
// model.
func (e Envelope) Response() map[string]any {
	switch {
	case e.Kind == KindUnknown:
		return map[string]any{"error": "Unknown function: " + e.Tool}
	case e.Kind.Flow() && e.Error != nil:
		body := map[string]any{
			"type":        e.Error.Type,
			"reason":      e.Error.Reason,
			"message":     e.Error.Message,
			"next_action": e.Error.NextAction,
		}
		if len(e.Error.ExpectedAnyOf) > 0 {
			body["expected_any_of"] = e.Error.ExpectedAnyOf
		}
		return map[string]any{"ok": false, "error": body}
	case e.Kind == KindException && e.Error != nil:
		body := map[string]any{
			"type":    e.Error.Type,
			"message": e.Error.Message,
		}
		if e.Error.Trace != "" {
			body["details"] = map[string]any{"traceback": e.Error.Trace}
		}
		return map[string]any{"ok": false, "error": body}
	default:
		return map[string]any{"ok": e.OK, "kind": string(e.Kind), "result": e.Payload}
	}
}

// JSON encodes Response for a tool result message.
func (e Envelope) JSON() json.RawMessage {
	raw, err := json.Marshal(e.Response())
	if err != nil {
		raw, _ = json.Marshal(map[string]any{"ok": false, "error": map[string]any{"type": "encoding", "message": err.Error()}})
	}
	return raw
}

// Status maps the envelope onto the status stored in call records.
func (e Envelope) Status() string {
	switch e.Kind {
	case KindOK:
		return runstore.StatusOK
	case KindTimeout:
		return runstore.StatusTimeout
	case KindApplyDenied:
		return runstore.StatusDenied
	case KindThrottled:
		return runstore.StatusThrottled
	default:
		return runstore.StatusError
	}
}

// Brief is a short human-readable digest of the envelope.
func (e Envelope) Brief() string {
	switch {
	case e.Kind == KindUnknown:
		return "Unknown function: " + e.Tool
	case e.Error != nil:
		if e.Error.Reason != "" {
			return e.Error.Type + ":" + e.Error.Reason
		}
		return e.Error.Type + ": " + e.Error.Message
	default:
		return e.Payload
	}
}

func flowEnvelope(tool string, kind ResultKind, reason, message, next string, expected []Target) Envelope {
	return Envelope{
		Kind: kind,
		Tool: tool,
		Error: &EnvelopeError{
			Type:          string(kind),
			Reason:        reason,
			Message:       message,
			NextAction:    next,
			ExpectedAnyOf: expected,
		},
	}
}

// Dispatcher runs tools by name and always answers with an Envelope.
type Dispatcher struct {
	registry *ToolRegistry
	logger   *zap.Logger
	verbose  bool
}

// NewDispatcher returns a Dispatcher over registry. verbose adds a stack
// trace to exception envelopes.
func NewDispatcher(registry *ToolRegistry, logger *zap.Logger, verbose bool) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, logger: logger, verbose: verbose}
}

// Dispatch executes the tool called name. Unknown names, tool errors and
// panics all come back as envelopes.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, in ToolInput) (env Envelope) {
	kind, ok := ParseToolKind(name)
	var tool Tool
	if ok {
		tool = d.registry.Get(kind)
	}
	if tool == nil {
		d.logger.Warn("unknown function", zap.String("tool", name))
		return Envelope{Kind: KindUnknown, Tool: name}
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", zap.String("tool", name), zap.Any("panic", r))
			env = d.exception(name, "panic", fmt.Sprint(r), debug.Stack())
		}
	}()

	res, err := tool.Execute(ctx, in)
	if err != nil {
		d.logger.Error("tool failed", zap.String("tool", name), zap.Error(err))
		return d.exception(name, errorTypeName(err), err.Error(), debug.Stack())
	}

	switch res.Status {
	case StatusOK:
		return Envelope{OK: true, Kind: KindOK, Tool: name, Payload: res.Text, Extras: res.Extras}
	case StatusTimeout:
		return Envelope{Kind: KindTimeout, Tool: name, Payload: res.Text, Extras: res.Extras}
	default:
		return Envelope{Kind: KindError, Tool: name, Payload: res.Text, Extras: res.Extras}
	}
}

func (d *Dispatcher) exception(tool, typ, message string, stack []byte) Envelope {
	e := &EnvelopeError{Type: typ, Message: message}
	if d.verbose {
		e.Trace = string(stack)
	}
	return Envelope{Kind: KindException, Tool: tool, Error: e}
}

// errorTypeName names the concrete type of the innermost wrapped error,
// without package or pointer decoration.
func errorTypeName(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "error"
	}
	return t.Name()
}
