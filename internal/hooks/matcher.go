package hooks

import (
	"path/filepath"
	"regexp"
)

// matchesTool reports whether matcher selects toolName. An empty matcher or
// "*" matches everything. matcher is first tried as a regular expression
// (anchored at the start, mirroring Python's re.match); if it fails to
// compile, it falls back to glob matching via filepath.Match.
func matchesTool(matcher, toolName string) bool {
	if matcher == "" || matcher == "*" {
		return true
	}
	if re, err := regexp.Compile(matcher); err == nil {
		return re.MatchString(toolName) && isAnchoredMatch(re, toolName)
	}
	ok, err := filepath.Match(matcher, toolName)
	return err == nil && ok
}

// isAnchoredMatch restricts a regexp.MatchString hit to one that begins at
// the first rune, reproducing Python's re.match (match-at-start) semantics
// rather than Go's default search-anywhere MatchString.
func isAnchoredMatch(re *regexp.Regexp, s string) bool {
	loc := re.FindStringIndex(s)
	return loc != nil && loc[0] == 0
}
