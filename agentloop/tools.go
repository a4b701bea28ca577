package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/riccardocaporali/AICodeAgent/unifiedllm"
)

// ToolKind is the closed set of tools the model may call.
type ToolKind int

const (
	ToolListFiles ToolKind = iota + 1
	ToolReadFile
	ToolRunScript
	ToolPropose
	ToolApply
)

var toolNames = map[ToolKind]string{
	ToolListFiles: "get_files_info",
	ToolReadFile:  "get_file_content",
	ToolRunScript: "run_python_file",
	ToolPropose:   "propose_changes",
	ToolApply:     "apply_changes",
}

// ParseToolKind maps a function name from the model onto a ToolKind.
func ParseToolKind(name string) (ToolKind, bool) {
	for k, n := range toolNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

func (k ToolKind) String() string {
	if n, ok := toolNames[k]; ok {
		return n
	}
	return fmt.Sprintf("ToolKind(%d)", int(k))
}

// Edits reports whether the tool produces a proposal or a write.
func (k ToolKind) Edits() bool { return k == ToolPropose || k == ToolApply }

// ToolDefinition describes a tool for the LLM (serializable metadata).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolInput is a normalised tool call.
type ToolInput struct {
	// WorkingDirectory is the absolute sandbox directory the call runs in.
	WorkingDirectory string
	// RawWorkingDirectory is the working_directory argument as sent by the
	// model, relative to the code root.
	RawWorkingDirectory string
	FilePath            string
	Directory           string
	Content             string
	HasContent          bool
	RunID               string
	// Args is the raw argument snapshot written to summary.txt.
	Args map[string]any
}

// ResultStatus is the outcome of a tool execution that did not fail in Go.
type ResultStatus string

const (
	StatusOK      ResultStatus = "ok"
	StatusError   ResultStatus = "error"
	StatusTimeout ResultStatus = "timeout"
)

// Result is what a tool hands back to the model.
type Result struct {
	Status ResultStatus
	Text   string
	// Extras are compact facts kept in the call record, never sent to the
	// model.
	Extras map[string]any
}

func okResult(text string) Result { return Result{Status: StatusOK, Text: text} }

// errorResult formats a validation failure the way the model has always
// seen it: prefixed with "Error: ".
func errorResult(format string, a ...any) Result {
	return Result{Status: StatusError, Text: "Error: " + fmt.Sprintf(format, a...)}
}

// Tool is one callable tool. Validation failures are reported through
// Result; a returned error means the tool itself broke.
type Tool interface {
	Kind() ToolKind
	Definition() ToolDefinition
	Execute(ctx context.Context, in ToolInput) (Result, error)
}

// ToolRegistry manages tool registration and lookup.
type ToolRegistry struct {
	tools map[ToolKind]Tool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[ToolKind]Tool)}
}

// Register adds or replaces a tool in the registry.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Kind()] = tool
}

// Get returns a registered tool, or nil if not found.
func (r *ToolRegistry) Get(kind ToolKind) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[kind]
}

// Definitions returns all tool definitions in ToolKind order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]ToolKind, 0, len(r.tools))
	for k := range r.tools {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	defs := make([]ToolDefinition, 0, len(kinds))
	for _, k := range kinds {
		defs = append(defs, r.tools[k].Definition())
	}
	return defs
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ToUnifiedLLMToolDefs converts registry definitions to the unifiedllm
// ToolDefinition type used by the SDK.
func (r *ToolRegistry) ToUnifiedLLMToolDefs() []unifiedllm.ToolDefinition {
	defs := r.Definitions()
	out := make([]unifiedllm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = unifiedllm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return out
}

// ParseToolArguments is a helper that unmarshals tool call arguments into a
// map for validation and access. Empty arguments yield an empty map.
func ParseToolArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
