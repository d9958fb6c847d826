package ptyproc

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Environment policy. The PTY adapter is the only component that
// assembles the final child environment.

// blockedPrefixes are server-internal configuration variables that must
// not leak into child processes. The spawn primitive merges the parent
// environment with overrides, so these are additionally unset via a
// shell prefix prepended to the command.
var blockedPrefixes = []string{
	"AGENT_CONSOLE_",
}

// protectedVars are never overridable by repository env configs.
var protectedVars = map[string]bool{
	"PATH":            true,
	"HOME":            true,
	"USER":            true,
	"SHELL":           true,
	"TERM":            true,
	"COLORTERM":       true,
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
}

// protectedPrefixes extends protectedVars by prefix match.
var protectedPrefixes = []string{"DYLD_"}

func isBlocked(name string) bool {
	for _, p := range blockedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func isProtected(name string) bool {
	if protectedVars[name] {
		return true
	}
	for _, p := range protectedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// ParseEnvText parses dotenv-format repository env configuration.
func ParseEnvText(text string) (map[string]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	vars, err := godotenv.Unmarshal(text)
	if err != nil {
		return nil, fmt.Errorf("parse env vars: %w", err)
	}
	return vars, nil
}

// buildEnv merges the parent environment with repository overrides
// under the policy: protected variables win over overrides, blocked
// variables are dropped, and the terminal identity variables are
// forced.
func buildEnv(repoEnv map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || isBlocked(name) {
			continue
		}
		merged[name] = value
	}
	for name, value := range repoEnv {
		if isBlocked(name) || isProtected(name) {
			continue
		}
		merged[name] = value
	}

	merged["TERM"] = "xterm-256color"
	merged["COLORTERM"] = "truecolor"
	merged["FORCE_COLOR"] = "1"

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	env := make([]string, 0, len(names))
	for _, name := range names {
		env = append(env, name+"="+merged[name])
	}
	return env
}

// unsetPrefix builds the shell prefix that unsets blocked variables in
// the child, covering anything the merge above could not remove (e.g.
// variables exported by the user's shell rc files).
func unsetPrefix() string {
	var names []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && isBlocked(name) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return "unset " + strings.Join(names, " ") + "; "
}
