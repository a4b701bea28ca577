package runstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Recorder writes the change artifacts of one run: backups, diffs, the
// action log and summary.txt.
type Recorder struct {
	run    RunSession
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder returns a Recorder writing into run.
func NewRecorder(run RunSession, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{run: run, logger: logger, now: time.Now}
}

// Run returns the session this recorder writes into.
func (r *Recorder) Run() RunSession { return r.run }

// EditRequest describes a proposed or applied edit.
type EditRequest struct {
	Function string
	Args     map[string]any
	// SourcePath is the absolute path of the file being edited, or "" when
	// the edit creates a new file.
	SourcePath string
	// FileName names the artifacts; defaults to the base name of SourcePath.
	FileName string
	Content  string
	DryRun   bool
}

// EditRecord lists what RecordEdit produced.
type EditRecord struct {
	Diff       []string
	DiffPath   string
	BackupPath string
	LogEntry   string
}

// RecordEdit computes the diff for req, writes it under diffs/, snapshots
// the original under backups/ unless the edit is a dry run, then appends the
// log and summary entries. It never touches SourcePath itself.
func (r *Recorder) RecordEdit(req EditRequest) (EditRecord, error) {
	name := req.FileName
	if name == "" {
		name = req.SourcePath
	}
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return EditRecord{}, fmt.Errorf("record edit: no file name")
	}

	var rec EditRecord
	existed := req.SourcePath != ""
	if existed {
		original, err := os.ReadFile(req.SourcePath)
		if err != nil {
			return EditRecord{}, fmt.Errorf("record edit: read original: %w", err)
		}
		if !req.DryRun {
			backup, err := r.writeVersioned(r.run.BackupDir(), name, original)
			if err != nil {
				return EditRecord{}, fmt.Errorf("record edit: backup: %w", err)
			}
			rec.BackupPath = backup
		}
		rec.Diff = UnifiedDiff(name, string(original), req.Content)
	} else {
		rec.Diff = CreationDiff(req.Content)
	}

	diffPath, err := r.writeVersioned(r.run.DiffDir(), name, []byte(joinLines(rec.Diff)))
	if err != nil {
		return EditRecord{}, fmt.Errorf("record edit: diff: %w", err)
	}
	rec.DiffPath = diffPath

	entry := LogEntry{
		Time:     r.now(),
		Function: req.Function,
		Verb:     EditVerb(name, existed, req.DryRun),
		Result:   ResultOK,
	}
	rec.LogEntry = entry.Format()
	if err := r.append(entry, rec.Diff, req.Args, true); err != nil {
		return rec, err
	}

	r.logger.Debug("edit recorded",
		zap.String("run_id", r.run.ID),
		zap.String("function", req.Function),
		zap.String("file", name),
		zap.Bool("dry_run", req.DryRun),
		zap.String("diff", rec.DiffPath),
		zap.String("backup", rec.BackupPath))
	return rec, nil
}

// Action is a non-edit tool call, or an edit that failed before producing
// any artifact.
type Action struct {
	Function string
	Verb     string
	Result   Result
	Details  string
	Items    []string
	Fields   []Field
	Args     map[string]any
	// Edit marks propose/apply entries, which close with a rule in summary.txt.
	Edit bool
}

// RecordAction appends a, without any diff, to the log and summary.
func (r *Recorder) RecordAction(a Action) (string, error) {
	entry := LogEntry{
		Time:     r.now(),
		Function: a.Function,
		Verb:     a.Verb,
		Result:   a.Result,
		Details:  a.Details,
		Items:    a.Items,
		Fields:   a.Fields,
	}
	if err := r.append(entry, nil, a.Args, a.Edit); err != nil {
		return "", err
	}
	return entry.Format(), nil
}

func (r *Recorder) append(entry LogEntry, diff []string, args map[string]any, edit bool) error {
	formatted := entry.Format()
	if err := appendFile(r.run.LogPath(), formatted); err != nil {
		return fmt.Errorf("append action log: %w", err)
	}
	if err := appendFile(r.run.SummaryTextPath(), SummaryEntry(entry.Function, formatted, diff, args, edit)); err != nil {
		return fmt.Errorf("append summary: %w", err)
	}
	return nil
}

// writeVersioned stores data as dir/name, or the next free versioned
// sibling, and returns the path written.
func (r *Recorder) writeVersioned(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	target, err := Resolve(dir, name)
	if err != nil {
		return "", err
	}
	target = VersionedPath(target)
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", err
	}
	return target, nil
}

func appendFile(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
