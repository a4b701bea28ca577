package runstore

import (
	"fmt"
	"strings"
	"time"
)

// Result is the outcome written on the " Result:" line of an action log entry.
type Result string

const (
	ResultOK      Result = "OK"
	ResultError   Result = "ERROR"
	ResultTimeout Result = "TIMEOUT"
)

const (
	logTimeLayout = "2006-01-02 15:04:05"
	clipLimit     = 500
)

// Field is an ordered key/value detail, used for script runs.
type Field struct {
	Key   string
	Value string
}

// LogEntry is one multi-line record of logs/actions.log.
type LogEntry struct {
	Time     time.Time
	Function string
	// Verb is the action description including its target, for example
	// "read file content of: main.py".
	Verb    string
	Result  Result
	Details string
	Items   []string
	Fields  []Field
}

// Format renders the entry exactly as it is appended to actions.log.
func (e LogEntry) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n[%s] Function %s: %s\n", e.Time.Format(logTimeLayout), e.Function, e.Verb)
	fmt.Fprintf(&sb, " Result: %s\n", e.Result)

	switch {
	case len(e.Fields) > 0 && e.Result != ResultError:
		sb.WriteString("   + details:\n")
		for _, f := range e.Fields {
			fmt.Fprintf(&sb, "     + %s\n", clip(f.Key+": "+strings.TrimRight(f.Value, " \t\r\n")))
		}
	case e.Details != "":
		fmt.Fprintf(&sb, "   + details: %s\n", e.Details)
	}

	for _, item := range e.Items {
		fmt.Fprintf(&sb, "   + %s\n", clip(strings.TrimRight(item, "\n")))
	}
	return sb.String()
}

// EditVerb describes a propose or apply on target. existed reports whether
// the target was already on disk.
func EditVerb(target string, existed, dryRun bool) string {
	switch {
	case existed && dryRun:
		return fmt.Sprintf("dry-run propose changes to %s (no file written, diff only)", target)
	case existed:
		return fmt.Sprintf("modified %s (backup: yes, diff: yes)", target)
	case dryRun:
		return fmt.Sprintf("dry-run propose creation of %s (not written, diff only)", target)
	default:
		return fmt.Sprintf("created %s", target)
	}
}

// UnknownEditVerb is used when an edit failed before its target was known.
func UnknownEditVerb(target string) string {
	return fmt.Sprintf("unknown action on %s", target)
}

func ReadVerb(target string) string { return "read file content of: " + target }
func ListVerb(target string) string { return "get content of directory: " + target }
func RunVerb(target string) string  { return "run the file: " + target }

func clip(s string) string {
	r := []rune(s)
	if len(r) <= clipLimit {
		return s
	}
	return string(r[:clipLimit]) + " [truncated]"
}
