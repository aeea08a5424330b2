package batch

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// compileNameFilter builds the regex applied to "Class::name" strings. A
// pattern wrapped in /.../ may carry trailing i, m, s or U flags; anything
// else is compiled verbatim. Empty patterns disable name filtering.
func compileNameFilter(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	expr := pattern
	if strings.HasPrefix(pattern, "/") {
		end := strings.LastIndex(pattern[1:], "/")
		if end < 0 {
			return nil, fmt.Errorf("filter %q: missing closing delimiter", pattern)
		}
		end++
		expr = pattern[1:end]
		flags := pattern[end+1:]
		for _, f := range flags {
			switch f {
			case 'i', 'm', 's', 'U':
			default:
				return nil, fmt.Errorf("filter %q: unsupported flag %q", pattern, string(f))
			}
		}
		if flags != "" {
			expr = "(?" + flags + ")" + expr
		}
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", pattern, err)
	}
	return re, nil
}

// matchGroups applies the group predicate: any declared group in the
// exclude set rejects the method; with a non-empty include set, at least
// one declared group must appear in it.
func matchGroups(declared, include, exclude []string) bool {
	if intersects(declared, exclude) {
		return false
	}
	if len(include) == 0 {
		return true
	}
	return intersects(declared, include)
}

func intersects(a, b []string) bool {
	for _, s := range a {
		if slices.Contains(b, s) {
			return true
		}
	}
	return false
}
