package runstore

import (
	"fmt"
	"sort"
	"strings"
)

// SummaryEntry renders one "### FUNCTION:" block of summary.txt. Edit
// functions get a Diff section and a closing rule; everything else only
// carries the log and the call arguments.
func SummaryEntry(function, logEntry string, diff []string, args map[string]any, edit bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n### FUNCTION: %s\n\n", function)

	if logEntry != "" {
		clean := strings.Trim(logEntry, "\n")
		sb.WriteString(" 1. **Log**\n")
		sb.WriteString("   - " + strings.ReplaceAll(clean, "\n", "\n     ") + "\n")
	}

	if edit {
		if readable := HumanReadableDiff(diff); len(readable) > 0 {
			sb.WriteString("\n 2. **Diff**\n")
			for _, line := range readable {
				fmt.Fprintf(&sb, "   - %s\n", line)
			}
		}
	}

	if len(args) > 0 {
		sb.WriteString("\n 3. **Arguments**\n")
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if args[k] == nil {
				continue
			}
			lines := splitLines(fmt.Sprint(args[k]))
			if len(lines) == 0 {
				continue
			}
			fmt.Fprintf(&sb, "   - %s: %s\n", k, lines[0])
			for _, l := range lines[1:] {
				fmt.Fprintf(&sb, "     %s\n", l)
			}
		}
	}

	if edit {
		sb.WriteString("\n---\n")
	}
	return sb.String()
}
