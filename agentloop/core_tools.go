package agentloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/riccardocaporali/AICodeAgent/runstore"
	"go.uber.org/zap"
)

// ToolOptions tunes the core tools.
type ToolOptions struct {
	ReadLimit         int
	ScriptTimeout     time.Duration
	ScriptOutputLimit int
	PythonBin         string
	// OutputDirName is how proposals point the model at their artifacts.
	OutputDirName string
}

// DefaultToolOptions returns the limits the agent has always used.
func DefaultToolOptions() ToolOptions {
	return ToolOptions{
		ReadLimit:         DefaultReadLimit,
		ScriptTimeout:     30 * time.Second,
		ScriptOutputLimit: DefaultScriptOutputLimit,
		PythonBin:         "python3",
		OutputDirName:     "__ai_outputs__",
	}
}

// toolDeps is shared by every core tool.
type toolDeps struct {
	recorder *runstore.Recorder
	env      ExecutionEnvironment
	opts     ToolOptions
	logger   *zap.Logger
}

// RegisterCoreTools registers the five agent tools on reg. Every call is
// recorded through rec; scripts run in env.
func RegisterCoreTools(reg *ToolRegistry, rec *runstore.Recorder, env ExecutionEnvironment, opts ToolOptions, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if env == nil {
		env = NewLocalExecutionEnvironment()
	}
	d := &toolDeps{recorder: rec, env: env, opts: opts, logger: logger}
	reg.Register(&listFilesTool{d})
	reg.Register(&readFileTool{d})
	reg.Register(&runScriptTool{d})
	reg.Register(&editTool{toolDeps: d, kind: ToolPropose})
	reg.Register(&editTool{toolDeps: d, kind: ToolApply})
}

// record appends an action and only logs when the artifacts cannot be
// written; the model's answer does not depend on them.
func (d *toolDeps) record(a runstore.Action) {
	if _, err := d.recorder.RecordAction(a); err != nil {
		d.logger.Warn("failed to record action", zap.String("function", a.Function), zap.Error(err))
	}
}

// fail records an ERROR entry and returns the matching error result.
func (d *toolDeps) fail(kind ToolKind, verb string, in ToolInput, format string, a ...any) Result {
	res := errorResult(format, a...)
	d.record(runstore.Action{
		Function: kind.String(),
		Verb:     verb,
		Result:   runstore.ResultError,
		Details:  strings.TrimPrefix(res.Text, "Error: "),
		Args:     in.Args,
		Edit:     kind.Edits(),
	})
	return res
}

var workingDirectoryParam = map[string]any{
	"type":        "string",
	"description": "Path relative to the 'code_to_fix' directory. Use this to specify the subfolder containing the project to analyze (e.g., 'calculator' or 'project_01/module'). If not provided, 'file_path' is considered relative to 'code_to_fix'.",
}

var filePathParam = map[string]any{
	"type":        "string",
	"description": "The relative path to the target file, starting from the working directory.",
}

// --- get_files_info ---

type listFilesTool struct{ *toolDeps }

func (t *listFilesTool) Kind() ToolKind { return ToolListFiles }

func (t *listFilesTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolListFiles.String(),
		Description: "Lists files in the specified directory along with their sizes, constrained to the working directory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"working_directory": workingDirectoryParam,
				"directory": map[string]any{
					"type":        "string",
					"description": "The directory to list files from, relative to the working directory. If not provided, lists files in the working directory itself.",
				},
			},
		},
	}
}

func (t *listFilesTool) Execute(_ context.Context, in ToolInput) (Result, error) {
	target := in.Directory
	if target == "" {
		target = "."
	}
	verb := runstore.ListVerb(target)

	full, err := runstore.Resolve(in.WorkingDirectory, target)
	if err != nil {
		return t.fail(ToolListFiles, verb, in, "%v", err), nil
	}
	if info, err := os.Stat(full); err != nil || !info.IsDir() {
		return t.fail(ToolListFiles, verb, in, "\"%s\" is not a directory", full), nil
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return t.fail(ToolListFiles, verb, in, "%v", err), nil
	}

	lines := make([]string, 0, len(entries))
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		var size int64
		isDir := entry.IsDir()
		if info, err := os.Stat(filepath.Join(full, entry.Name())); err == nil {
			size = info.Size()
			isDir = info.IsDir()
		}
		lines = append(lines, fmt.Sprintf("- %s: file_size=%d bytes, is_dir=%t", entry.Name(), size, isDir))
		names = append(names, entry.Name())
	}

	t.record(runstore.Action{
		Function: ToolListFiles.String(),
		Verb:     verb,
		Result:   runstore.ResultOK,
		Items:    lines,
		Args:     in.Args,
	})

	sample := names
	if len(sample) > 5 {
		sample = sample[:5]
	}
	return Result{
		Status: StatusOK,
		Text:   strings.Join(lines, "\n"),
		Extras: map[string]any{"count": len(names), "sample": sample},
	}, nil
}

// --- get_file_content ---

type readFileTool struct{ *toolDeps }

func (t *readFileTool) Kind() ToolKind { return ToolReadFile }

func (t *readFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolReadFile.String(),
		Description: "Return a string representing the content of the input file.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"working_directory": workingDirectoryParam,
				"file_path":         filePathParam,
			},
			"required": []string{"file_path"},
		},
	}
}

func (t *readFileTool) Execute(_ context.Context, in ToolInput) (Result, error) {
	verb := runstore.ReadVerb(in.FilePath)
	full, err := runstore.Resolve(in.WorkingDirectory, in.FilePath)
	if err != nil {
		return t.fail(ToolReadFile, verb, in, "%v", err), nil
	}
	if info, err := os.Stat(full); err != nil || !info.Mode().IsRegular() {
		return t.fail(ToolReadFile, verb, in, "File not found or is not a regular file: \"%s\"", in.FilePath), nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return t.fail(ToolReadFile, verb, in, "%v", err), nil
	}

	text, truncated := TruncateFileContent(string(data), in.FilePath, t.opts.ReadLimit)
	t.record(runstore.Action{
		Function: ToolReadFile.String(),
		Verb:     verb,
		Result:   runstore.ResultOK,
		Args:     in.Args,
	})
	return Result{
		Status: StatusOK,
		Text:   text,
		Extras: map[string]any{
			"chars":     utf8.RuneCount(data),
			"truncated": truncated,
			"head":      runstore.Brief(string(data), 120),
		},
	}, nil
}

// --- run_python_file ---

type runScriptTool struct{ *toolDeps }

func (t *runScriptTool) Kind() ToolKind { return ToolRunScript }

func (t *runScriptTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolRunScript.String(),
		Description: "Run a Python file and return its output, errors, and exit code.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"working_directory": workingDirectoryParam,
				"file_path":         filePathParam,
			},
			"required": []string{"file_path"},
		},
	}
}

func (t *runScriptTool) Execute(ctx context.Context, in ToolInput) (Result, error) {
	verb := runstore.RunVerb(in.FilePath)
	full, err := runstore.Resolve(in.WorkingDirectory, in.FilePath)
	if err != nil {
		return t.fail(ToolRunScript, verb, in, "%v", err), nil
	}
	if info, err := os.Stat(full); err != nil || !info.Mode().IsRegular() {
		return t.fail(ToolRunScript, verb, in, "File not found or is not a regular file: \"%s\"", in.FilePath), nil
	}
	if !strings.HasSuffix(full, ".py") {
		return t.fail(ToolRunScript, verb, in, "\"%s\" is not a Python file.", in.FilePath), nil
	}

	res, err := t.env.ExecCommand(ctx, in.WorkingDirectory, t.opts.ScriptTimeout, t.opts.PythonBin, full)
	if err != nil {
		return t.fail(ToolRunScript, verb, in, "%v", err), nil
	}

	exitCode := fmt.Sprint(res.ExitCode)
	result := runstore.ResultOK
	if res.TimedOut {
		exitCode = "TIMEOUT"
		result = runstore.ResultTimeout
	}
	t.record(runstore.Action{
		Function: ToolRunScript.String(),
		Verb:     verb,
		Result:   result,
		Fields: []runstore.Field{
			{Key: "stdout", Value: res.Stdout},
			{Key: "stderr", Value: res.Stderr},
			{Key: "exit_code", Value: exitCode},
		},
		Args: in.Args,
	})

	extras := map[string]any{
		"exit_code":  exitCode,
		"stdout_len": utf8.RuneCountInString(res.Stdout),
		"stderr_len": utf8.RuneCountInString(res.Stderr),
	}
	stdout := TruncateOutput(res.Stdout, t.opts.ScriptOutputLimit)
	stderr := TruncateOutput(res.Stderr, t.opts.ScriptOutputLimit)

	if res.TimedOut {
		return Result{
			Status: StatusTimeout,
			Text: fmt.Sprintf("Error: execution timed out after %d seconds.\nSTDOUT:%s\nSTDERR:%s",
				int(t.opts.ScriptTimeout.Seconds()), stdout, stderr),
			Extras: extras,
		}, nil
	}
	if strings.TrimSpace(res.Stdout) == "" && strings.TrimSpace(res.Stderr) == "" {
		return Result{Status: StatusOK, Text: "No output produced.", Extras: extras}, nil
	}
	return Result{
		Status: StatusOK,
		Text:   fmt.Sprintf("STDOUT:%s\nSTDERR:%s\nExit code:%d", stdout, stderr, res.ExitCode),
		Extras: extras,
	}, nil
}

// --- propose_changes / apply_changes ---

// editTool previews (propose) or performs (apply) a whole-file write. Both
// leave a diff; only apply snapshots the original and touches the file.
type editTool struct {
	*toolDeps
	kind ToolKind
}

func (t *editTool) Kind() ToolKind { return t.kind }

func (t *editTool) Definition() ToolDefinition {
	if t.kind == ToolApply {
		return ToolDefinition{
			Name: ToolApply.String(),
			Description: "Apply the last approved proposal saved in the previous run summary. " +
				"Call it with no arguments; file and content are loaded from the previous proposal.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"working_directory": workingDirectoryParam,
					"file_path":         filePathParam,
					"content": map[string]any{
						"type":        "string",
						"description": "Only when applying one of several pending proposals: its exact content.",
					},
				},
			},
		}
	}
	return ToolDefinition{
		Name: ToolPropose.String(),
		Description: "Generate a preview of the proposed changes to a file. No actual file is modified. " +
			"The diff and summary are saved in the " + t.opts.OutputDirName + " directory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"working_directory": workingDirectoryParam,
				"file_path":         filePathParam,
				"content": map[string]any{
					"type":        "string",
					"description": "The proposed content to preview in the target file.",
				},
			},
			"required": []string{"file_path", "content"},
		},
	}
}

func (t *editTool) Execute(_ context.Context, in ToolInput) (Result, error) {
	unknown := runstore.UnknownEditVerb("unknown")
	if in.FilePath == "" || !in.HasContent {
		return t.fail(t.kind, unknown, in, "%s requires file_path and content", t.kind), nil
	}
	full, err := runstore.Resolve(in.WorkingDirectory, in.FilePath)
	if err != nil {
		return t.fail(t.kind, unknown, in, "%v", err), nil
	}

	req := runstore.EditRequest{
		Function: t.kind.String(),
		Args:     in.Args,
		Content:  in.Content,
		DryRun:   t.kind == ToolPropose,
	}
	existed := false
	switch info, err := os.Stat(full); {
	case err == nil && info.IsDir():
		return t.fail(t.kind, unknown, in, "\"%s\" is a directory", in.FilePath), nil
	case err == nil:
		existed = true
		req.SourcePath = full
	default:
		req.FileName = filepath.Base(full)
	}

	rec, err := t.recorder.RecordEdit(req)
	if err != nil {
		return t.fail(t.kind, unknown, in, "%v", err), nil
	}

	n := utf8.RuneCountInString(in.Content)
	extras := map[string]any{
		"target":  in.FilePath,
		"created": !existed,
		"diff":    filepath.Base(rec.DiffPath),
	}

	if t.kind == ToolPropose {
		verb := "changes to"
		if !existed {
			verb = "creation of"
		}
		return Result{
			Status: StatusOK,
			Text: fmt.Sprintf("Save proposed %s \"%s\" in %s (%d characters to be written)",
				verb, in.FilePath, t.opts.OutputDirName, n),
			Extras: extras,
		}, nil
	}

	if err := os.WriteFile(full, []byte(in.Content), 0o644); err != nil {
		return t.fail(t.kind, unknown, in, "%v", err), nil
	}
	if rec.BackupPath != "" {
		extras["backup"] = filepath.Base(rec.BackupPath)
	}
	t.logger.Info("applied proposal",
		zap.String("run_id", in.RunID),
		zap.String("file", in.FilePath),
		zap.Int("chars", n))
	return Result{
		Status: StatusOK,
		Text:   fmt.Sprintf("Successfully wrote to \"%s\" (%d characters written)", in.FilePath, n),
		Extras: extras,
	}, nil
}
