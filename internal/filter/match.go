package filter

import (
	"regexp"
	"strings"
)

type matcher interface {
	match(relPath string, isDir bool) bool
}

type regexpMatcher struct {
	re *regexp.Regexp
}

func (m regexpMatcher) match(relPath string, _ bool) bool {
	return m.re.MatchString(relPath)
}

// globMatcher matches rsync-style globs. A leading or embedded slash anchors
// the pattern to the root; a trailing slash restricts it to directories.
type globMatcher struct {
	re       *regexp.Regexp
	anchored bool
	dirOnly  bool
}

func compileGlob(pattern string) (*globMatcher, error) {
	g := &globMatcher{}
	if p, ok := strings.CutSuffix(pattern, "/"); ok {
		g.dirOnly = true
		pattern = p
	}
	if p, ok := strings.CutPrefix(pattern, "/"); ok {
		g.anchored = true
		pattern = p
	} else if strings.Contains(pattern, "/") {
		g.anchored = true
	}

	expr := globToRegexp(pattern) + "$"
	if g.anchored {
		expr = "^" + expr
	} else {
		expr = "(^|/)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	g.re = re
	return g, nil
}

func (g *globMatcher) match(relPath string, isDir bool) bool {
	if g.dirOnly && !isDir {
		return false
	}
	return g.re.MatchString(relPath)
}

// globToRegexp translates glob syntax: "**/" spans any number of directories,
// "**" anything, "*" and "?" stay within one component, and bracket classes
// pass through with "!" negation.
func globToRegexp(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); {
		rest := pattern[i:]
		switch {
		case strings.HasPrefix(rest, "**/"):
			b.WriteString("(.*/)?")
			i += 3
		case strings.HasPrefix(rest, "**"):
			b.WriteString(".*")
			i += 2
		case rest[0] == '*':
			b.WriteString("[^/]*")
			i++
		case rest[0] == '?':
			b.WriteString("[^/]")
			i++
		case rest[0] == '[':
			if cls, n, ok := bracketClass(rest); ok {
				b.WriteString(cls)
				i += n
				continue
			}
			b.WriteString(`\[`)
			i++
		default:
			b.WriteString(regexp.QuoteMeta(rest[:1]))
			i++
		}
	}
	return b.String()
}

// bracketClass parses a [...] class at the start of s, returning the regexp
// form and the number of bytes consumed.
func bracketClass(s string) (string, int, bool) {
	j := 1
	if j < len(s) && s[j] == '!' {
		j++
	}
	if j < len(s) && s[j] == ']' {
		j++
	}
	end := strings.IndexByte(s[j:], ']')
	if end < 0 {
		return "", 0, false
	}
	end += j
	cls := s[1:end]
	if rest, ok := strings.CutPrefix(cls, "!"); ok {
		cls = "^" + rest
	}
	return "[" + cls + "]", end + 1, true
}
