package analyzer

import (
	"regexp"
	"strings"
)

// LikeToBrowseWildcard translates a SQL LIKE pattern into the browse query's
// `*`/`?` glob syntax (`%` -> `*`, `_` -> `?`), grounded on the original's
// naive replacement in filter.rs but extended to honor `\` escapes: an
// escaped character is written as itself, without the backslash. Literal
// `*` and `?` in the pattern are passed through unescaped.
func LikeToBrowseWildcard(pattern string) string {
	var b strings.Builder
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteRune('*')
		case r == '_':
			b.WriteRune('?')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LikeToRegexp compiles a SQL LIKE pattern into a Go regexp implementing
// exact LIKE semantics: `%` matches any run of characters, `_` matches
// exactly one, `\` escapes the following character, and every other
// character (including regex metacharacters) matches itself literally. Used
// for post-filtering GraphQL results the backend cannot filter server-side
// (§8 Testable Property 6), which the original's matches_like_pattern only
// approximated (it never handled `_` and passed literal regex
// metacharacters through unescaped).
func LikeToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?s)^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// MatchesLike reports whether value matches the SQL LIKE pattern. A
// malformed pattern (should not occur; LikeToRegexp only errors on
// unreachable input) matches nothing.
func MatchesLike(value, pattern string) bool {
	re, err := LikeToRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
