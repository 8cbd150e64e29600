package cache

import (
	"net/url"
	"sort"
	"strings"
)

// userKeySegment separates the user suffix in personalized cache keys.
const userKeySegment = ":user:"

// BuildKey builds the cache key for a request. The shape is
//
//	version:path[?sorted-query][:user:userID]
//
// where path has already been normalized (version segment stripped) and
// the query string is re-encoded with keys and values sorted, so two
// requests that differ only in parameter order share a key. A non-empty
// userID marks a personalized entry and keeps users from sharing it.
func BuildKey(version, path string, query url.Values, userID string) string {
	var b strings.Builder
	b.WriteString(version)
	b.WriteByte(':')
	b.WriteString(path)

	if len(query) > 0 {
		b.WriteByte('?')
		b.WriteString(sortedEncode(query))
	}

	if userID != "" {
		b.WriteString(userKeySegment)
		b.WriteString(userID)
	}

	return b.String()
}

// sortedEncode encodes query values with both keys and repeated values
// in sorted order. url.Values.Encode sorts keys but keeps values in
// request order, which would split semantically equal requests across
// keys.
func sortedEncode(query url.Values) string {
	sorted := make(url.Values, len(query))
	for k, vs := range query {
		cp := make([]string, len(vs))
		copy(cp, vs)
		sort.Strings(cp)
		sorted[k] = cp
	}
	return sorted.Encode()
}

// KeyMatchesPath reports whether a cache key belongs to the given
// normalized path, in any version and with any query or user suffix.
// Path invalidation uses it to take out a whole key family at once.
func KeyMatchesPath(key, path string) bool {
	i := strings.IndexByte(key, ':')
	if i < 0 {
		return false
	}
	rest := key[i+1:]

	if rest == path {
		return true
	}
	return strings.HasPrefix(rest, path+"?") || strings.HasPrefix(rest, path+userKeySegment)
}

// MatchPattern matches a cache key against a glob pattern. `*` matches
// any run of characters including separators, `?` matches exactly one.
// The semantics line up with redis MATCH so both stores agree on what a
// pattern selects.
func MatchPattern(pattern, key string) bool {
	var pi, si int
	star, backtrack := -1, 0

	for si < len(key) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == key[si]):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			backtrack = si
			pi++
		case star >= 0:
			pi = star + 1
			backtrack++
			si = backtrack
		default:
			return false
		}
	}

	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// HasPatternMeta reports whether the string contains a `*` wildcard and
// therefore needs a scan rather than a direct key lookup. `?` does not
// count: keys carry it as the query separator.
func HasPatternMeta(s string) bool {
	return strings.ContainsRune(s, '*')
}
