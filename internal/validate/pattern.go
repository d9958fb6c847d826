package validate

import (
	"fmt"
	"regexp"
)

// maxPatternLength bounds stored activity patterns.
const maxPatternLength = 500

// Nested-quantifier forms rejected as a ReDoS guard: a quantified group
// that is itself quantified, e.g. (X+)+, and a quantified alternation
// group, e.g. (X|Y)+. Patterns are evaluated against arbitrary PTY
// output, so pathological forms are refused at save time.
var (
	nestedQuantifier      = regexp.MustCompile(`\([^()]*[+*}]\)\s*[+*{]`)
	quantifiedAlternation = regexp.MustCompile(`\([^()]*\|[^()]*\)\s*[+*{]`)
)

// Pattern validates a single activity pattern: it must compile, be at
// most 500 characters, and pass the nested-quantifier guard.
func Pattern(p string) error {
	if p == "" {
		return fmt.Errorf("pattern must not be empty")
	}
	if len(p) > maxPatternLength {
		return fmt.Errorf("pattern must be at most %d characters", maxPatternLength)
	}
	if nestedQuantifier.MatchString(p) || quantifiedAlternation.MatchString(p) {
		return fmt.Errorf("pattern contains a nested quantifier")
	}
	if _, err := regexp.Compile(p); err != nil {
		return fmt.Errorf("pattern does not compile: %w", err)
	}
	return nil
}

// Patterns validates a list of activity patterns.
func Patterns(ps []string) error {
	for i, p := range ps {
		if err := Pattern(p); err != nil {
			return fmt.Errorf("pattern %d: %w", i, err)
		}
	}
	return nil
}

// CompilePatterns compiles a validated pattern list. Patterns that fail
// to compile (e.g. rows written before the guard existed) are skipped.
func CompilePatterns(ps []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(ps))
	for _, p := range ps {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		out = append(out, re)
	}
	return out
}
