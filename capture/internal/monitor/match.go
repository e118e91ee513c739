package monitor

import "strings"

// matchGlob reports whether s matches a shell-style pattern where '*'
// matches any run of characters including '/' and '?' matches one.
// path.Match is unsuitable here: its '*' stops at path separators, and
// the block patterns are written against full URLs.
func matchGlob(pattern, s string) bool {
	p, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[si]):
			p++
			si++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = si
			p++
		case star >= 0:
			p = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// urlFilter decides which URLs the network monitor ignores entirely.
type urlFilter struct {
	blockPatterns  []string
	staticSuffixes []string
}

// blocked reports whether the URL matches the block list or is a browser
// internal page. Matching is case-insensitive.
func (f *urlFilter) blocked(url string) bool {
	if url == "" {
		return false
	}
	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "chrome://") || strings.HasPrefix(lower, "devtools://") {
		return true
	}
	for _, pat := range f.blockPatterns {
		if matchGlob(pat, lower) {
			return true
		}
	}
	return false
}

// static reports whether the URL looks like a static asset by suffix.
func (f *urlFilter) static(url string) bool {
	if url == "" {
		return false
	}
	lower := strings.ToLower(url)
	for _, suffix := range f.staticSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
