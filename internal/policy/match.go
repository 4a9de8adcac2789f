package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// patternSpec is the subset of a rule or route policy the matcher needs.
type patternSpec struct {
	Pattern  string
	Methods  []string
	Priority int
}

type compiledEntry struct {
	regex       *regexp.Regexp
	methods     map[string]bool // nil means all methods
	priority    int
	specificity int
	index       int // position in the source slice
}

// compileEntries compiles pattern specs and orders them for matching:
// priority descending, then specificity descending, then source order.
// Specificity is the weighted segment count: literal segments bind tighter
// than named parameters, which bind tighter than a trailing wildcard.
func compileEntries(specs []patternSpec) ([]compiledEntry, error) {
	compiled := make([]compiledEntry, 0, len(specs))

	for i, spec := range specs {
		pattern, _, err := patternToRegex(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("policy: failed to compile pattern %q: %w", spec.Pattern, err)
		}

		regex, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("policy: invalid pattern %q: %w", spec.Pattern, err)
		}

		var methods map[string]bool
		if len(spec.Methods) > 0 {
			methods = make(map[string]bool, len(spec.Methods))
			for _, m := range spec.Methods {
				methods[strings.ToUpper(m)] = true
			}
		}

		compiled = append(compiled, compiledEntry{
			regex:       regex,
			methods:     methods,
			priority:    spec.Priority,
			specificity: specificity(spec.Pattern),
			index:       i,
		})
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].priority != compiled[j].priority {
			return compiled[i].priority > compiled[j].priority
		}
		return compiled[i].specificity > compiled[j].specificity
	})

	return compiled, nil
}

// matchEntry returns the source index of the best entry matching the given
// method and path, or false when nothing matches.
func matchEntry(entries []compiledEntry, method, path string) (int, bool) {
	upperMethod := strings.ToUpper(method)

	for _, e := range entries {
		if e.methods != nil && !e.methods[upperMethod] {
			continue
		}
		if e.regex.MatchString(path) {
			return e.index, true
		}
	}

	return 0, false
}

// specificity scores a pattern: each literal segment counts 3, each named
// parameter 2 and a trailing wildcard 1, so /widgets/:id outranks /widgets/*
// and /widgets/export outranks both.
func specificity(pattern string) int {
	score := 0
	for _, seg := range strings.Split(pattern, "/") {
		switch {
		case seg == "":
			continue
		case seg == "*":
			score += 1
		case strings.HasPrefix(seg, ":"):
			score += 2
		default:
			score += 3
		}
	}
	return score
}

// patternToRegex converts a path pattern to a regex string and extracts
// parameter names.
//
// Supported patterns:
//   - /exact/path    -> ^/exact/path$
//   - /widgets/:id   -> ^/widgets/([^/]+)$
//   - /api/*         -> ^/api/(.*)
func patternToRegex(pattern string) (string, []string, error) {
	if pattern == "" {
		return "", nil, fmt.Errorf("pattern is required")
	}
	if pattern[0] != '/' {
		return "", nil, fmt.Errorf("pattern must start with /")
	}

	var (
		result     strings.Builder
		paramNames []string
	)

	result.WriteString("^")

	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		if i == 0 {
			continue // skip the empty segment before the leading /
		}

		result.WriteString("/")

		switch {
		case seg == "*":
			if i != len(segments)-1 {
				return "", nil, fmt.Errorf("wildcard (*) must be the last segment")
			}
			result.WriteString("(.*)")
			paramNames = append(paramNames, "*")
		case strings.HasPrefix(seg, ":"):
			name := seg[1:]
			if name == "" {
				return "", nil, fmt.Errorf("empty parameter name in pattern")
			}
			if !isValidIdentifier(name) {
				return "", nil, fmt.Errorf("invalid parameter name %q: must start with letter or underscore, followed by letters, digits, or underscores", name)
			}
			result.WriteString("([^/]+)")
			paramNames = append(paramNames, name)
		default:
			result.WriteString(regexp.QuoteMeta(seg))
		}
	}

	// Only add $ anchor if the pattern does not end with a wildcard
	if !strings.HasSuffix(pattern, "*") {
		result.WriteString("$")
	}

	return result.String(), paramNames, nil
}

// isValidIdentifier checks if a string is a valid Go-style identifier.
// Valid identifiers start with a letter or underscore, followed by
// letters, digits, or underscores.
func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if i == 0 {
			if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_') {
				return false
			}
		} else {
			if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_') {
				return false
			}
		}
	}
	return true
}
