package runstore

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// UnifiedDiff returns the unified diff of original against proposed as a
// slice of lines without terminators. Headers name the file as
// original/<name> and modified/<name>.
func UnifiedDiff(name, original, proposed string) []string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        terminatedLines(original),
		B:        terminatedLines(proposed),
		FromFile: "original/" + name,
		ToFile:   "modified/" + name,
		Context:  3,
	})
	if err != nil || text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

// CreationDiff renders a brand new file as a list of "+ line" entries.
func CreationDiff(content string) []string {
	lines := splitLines(content)
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = "+ " + l
	}
	return out
}

// HumanReadableDiff keeps only the changed lines of a diff, tagged for
// summary.txt.
func HumanReadableDiff(diff []string) []string {
	var out []string
	for _, line := range diff {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			continue
		case strings.HasPrefix(line, "-"):
			out = append(out, "# - Removed: "+strings.TrimSpace(line[1:]))
		case strings.HasPrefix(line, "+"):
			out = append(out, "# + Added:   "+strings.TrimSpace(line[1:]))
		}
	}
	return out
}

// splitLines splits s on newlines without producing a trailing empty element.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// noNewlineMarker follows a last line that has no terminator, so that a
// change to the trailing newline alone still shows up in the diff.
const noNewlineMarker = "\\ No newline at end of file"

// terminatedLines is splitLines with every line ending in "\n", which is what
// difflib expects to produce well formed hunks. An unterminated last line
// carries noNewlineMarker as a line of its own.
func terminatedLines(s string) []string {
	lines := splitLines(s)
	for i := range lines {
		lines[i] += "\n"
	}
	if n := len(lines); n > 0 && !strings.HasSuffix(s, "\n") {
		lines[n-1] += noNewlineMarker + "\n"
	}
	return lines
}
