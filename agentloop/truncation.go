package agentloop

import (
	"fmt"
	"unicode/utf8"
)

// DefaultReadLimit is the number of characters get_file_content returns.
const DefaultReadLimit = 10000

// DefaultScriptOutputLimit bounds each captured stream of a script run
// before it is sent to the model. The action log keeps its own clipping.
const DefaultScriptOutputLimit = 30000

// TruncateFileContent cuts content to limit characters and appends the
// marker naming the file. The second result reports whether anything was
// cut.
func TruncateFileContent(content, path string, limit int) (string, bool) {
	if limit <= 0 || utf8.RuneCountInString(content) <= limit {
		return content, false
	}
	head := string([]rune(content)[:limit])
	return head + fmt.Sprintf("\n\n[...File \"%s\" truncated at %d characters]", path, limit), true
}

// TruncateOutput keeps the head and tail of output and notes how much was
// removed from the middle. Characters are Unicode code points, never bytes.
func TruncateOutput(output string, maxChars int) string {
	n := utf8.RuneCountInString(output)
	if maxChars <= 0 || n <= maxChars {
		return output
	}
	runes := []rune(output)
	half := maxChars / 2
	return string(runes[:half]) +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"Re-run the script with less output if you need the missing part.]\n\n", n-maxChars) +
		string(runes[n-(maxChars-half):])
}
