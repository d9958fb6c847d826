package validate

import (
	"fmt"
	"strings"
)

// BranchName validates a git branch name. The accepted charset is
// restricted to characters that are safe both for git refs and for
// template substitution into setup/cleanup sub-shell commands.
func BranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name must not be empty")
	}
	if len(name) > 200 {
		return fmt.Errorf("branch name must be at most 200 characters")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return fmt.Errorf("branch name must not start with '-' or start/end with '/'")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "//") {
		return fmt.Errorf("branch name must not contain '..' or '//'")
	}
	if strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("branch name must not end with '.lock'")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '/' || r == '.':
		default:
			return fmt.Errorf("branch name contains invalid character %q", r)
		}
	}
	return nil
}
