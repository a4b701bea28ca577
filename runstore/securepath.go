package runstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathViolationError reports a name that would escape the sandbox root.
type PathViolationError struct {
	Name   string
	Root   string
	Reason string
}

func (e *PathViolationError) Error() string {
	switch e.Reason {
	case "absolute":
		return fmt.Sprintf("Invalid filename: '%s' is absolute", e.Name)
	case "outside":
		return fmt.Sprintf("Unauthorized path: must stay inside working_directory (%s)", e.Root)
	default:
		return fmt.Sprintf("Invalid filename: '%s' contains disallowed characters or path traversal", e.Name)
	}
}

// DirectoryMissingError reports a target whose parent directory does not exist.
type DirectoryMissingError struct {
	Dir string
}

func (e *DirectoryMissingError) Error() string {
	return fmt.Sprintf("Directory does not exist: %s", e.Dir)
}

// Resolve joins name onto root and returns the absolute result. It never
// creates anything: the parent directory of the result must already exist.
func Resolve(root, name string) (string, error) {
	if strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return "", &PathViolationError{Name: name, Root: root, Reason: "traversal"}
	}
	if filepath.IsAbs(name) {
		return "", &PathViolationError{Name: name, Root: root, Reason: "absolute"}
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}
	resolved, err := filepath.Abs(filepath.Join(root, name))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", name, err)
	}
	if !within(absRoot, resolved) {
		return "", &PathViolationError{Name: name, Root: root, Reason: "outside"}
	}

	parent := filepath.Dir(resolved)
	info, err := os.Stat(parent)
	if err != nil || !info.IsDir() {
		return "", &DirectoryMissingError{Dir: parent}
	}
	return resolved, nil
}

// within reports whether path equals root or lies below it. Both must be
// absolute and clean.
func within(root, path string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
