// Package filter decides which source paths take part in a backup.
package filter

import (
	"fmt"
	"regexp"

	"github.com/bamsammich/backtrack/internal/meta"
)

// Rule is a single include or exclude rule. The first rule that matches a
// path decides its fate.
type Rule struct {
	Matcher matcher
	Include bool
}

// Chain holds an ordered list of rules plus kind and size exclusions. A nil
// *Chain allows everything.
type Chain struct {
	rules        []Rule
	excludeKinds map[meta.Kind]bool
	minSize      int64
	maxSize      int64
}

// NewChain creates an empty filter chain.
func NewChain() *Chain {
	return &Chain{excludeKinds: make(map[meta.Kind]bool)}
}

// AddExclude adds an exclude rule for a shell glob.
func (c *Chain) AddExclude(pattern string) error {
	return c.addGlob(pattern, false)
}

// AddInclude adds an include rule for a shell glob.
func (c *Chain) AddInclude(pattern string) error {
	return c.addGlob(pattern, true)
}

// AddExcludeRegexp adds an exclude rule for a regular expression matched
// against the slash-separated relative path.
func (c *Chain) AddExcludeRegexp(expr string) error {
	return c.addRegexp(expr, false)
}

// AddIncludeRegexp adds an include rule for a regular expression.
func (c *Chain) AddIncludeRegexp(expr string) error {
	return c.addRegexp(expr, true)
}

// ExcludeKind drops every object of kind k, e.g. sockets or device files.
func (c *Chain) ExcludeKind(k meta.Kind) {
	c.excludeKinds[k] = true
}

// SetMinSize sets the minimum regular file size.
func (c *Chain) SetMinSize(n int64) {
	c.minSize = n
}

// SetMaxSize sets the maximum regular file size.
func (c *Chain) SetMaxSize(n int64) {
	c.maxSize = n
}

// Empty reports whether the chain has no rules and no exclusions.
func (c *Chain) Empty() bool {
	return c == nil ||
		len(c.rules) == 0 && len(c.excludeKinds) == 0 && c.minSize == 0 && c.maxSize == 0
}

// Allow reports whether rec should be backed up. The root is always allowed.
func (c *Chain) Allow(rec *meta.Record) bool {
	if c == nil || len(rec.Index) == 0 {
		return true
	}
	if c.excludeKinds[rec.Kind] {
		return false
	}
	return c.Match(rec.Index.String(), rec.Kind == meta.KindDir, rec.Size)
}

// Match returns true if the path should be included. relPath is
// slash-separated and relative to the backup root; size is ignored for
// directories.
func (c *Chain) Match(relPath string, isDir bool, size int64) bool {
	if c == nil {
		return true
	}
	if !isDir {
		if c.minSize > 0 && size < c.minSize {
			return false
		}
		if c.maxSize > 0 && size > c.maxSize {
			return false
		}
	}

	for _, rule := range c.rules {
		if rule.Matcher.match(relPath, isDir) {
			return rule.Include
		}
	}
	return true
}

func (c *Chain) addGlob(pattern string, include bool) error {
	g, err := compileGlob(pattern)
	if err != nil {
		return fmt.Errorf("glob %q: %w", pattern, err)
	}
	c.rules = append(c.rules, Rule{Matcher: g, Include: include})
	return nil
}

func (c *Chain) addRegexp(expr string, include bool) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return fmt.Errorf("regexp %q: %w", expr, err)
	}
	c.rules = append(c.rules, Rule{Matcher: regexpMatcher{re: re}, Include: include})
	return nil
}
