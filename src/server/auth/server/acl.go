package server

import (
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	globlib "github.com/pachyderm/ohmyglob"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
)

// wildcard is how users spell the pattern and label that match everything.
const wildcard = "ALL"

func isWildcard(pattern string) bool {
	return pattern == "" || pattern == wildcard || pattern == "*"
}

// globs caches compiled ACL patterns; the same few patterns are matched on
// every request.
var globs = func() *lru.Cache[string, *globlib.Glob] {
	c, err := lru.New[string, *globlib.Glob](4096)
	if err != nil {
		panic(err)
	}
	return c
}()

// compilePattern compiles a trove name pattern.  Components are separated by
// ':', so a pattern without one never matches a component.
func compilePattern(pattern string) (*globlib.Glob, error) {
	if g, ok := globs.Get(pattern); ok {
		return g, nil
	}
	g, err := globlib.Compile(pattern, ':')
	if err != nil {
		return nil, errors.WithStack(&repoerr.ParseError{Msg: "bad trove pattern " + pattern + ": " + err.Error()})
	}
	globs.Add(pattern, g)
	return g, nil
}

// checkTrove reports whether pattern grants access to the trove called name.
// An empty name is matched by every pattern.
func checkTrove(pattern, name string) bool {
	if name == "" || isWildcard(pattern) {
		return true
	}
	g, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return g.Match(name)
}

const literalScore = 1 << 20

// specificity ranks patterns: exact names first, then globs by the number of
// literal characters they pin down, then the wildcard.
func specificity(pattern string) int {
	if isWildcard(pattern) {
		return -1
	}
	if !strings.ContainsAny(pattern, `*?[]{}\`) {
		return literalScore + len(pattern)
	}
	n := 0
	for _, r := range pattern {
		if !strings.ContainsRune(`*?[]{}!,\`, r) {
			n++
		}
	}
	return n
}

type patternEntry struct {
	pattern string
	glob    *globlib.Glob
	score   int
}

// patternSet is the set of trove patterns granted to a caller, sorted by
// specificity.  Patterns of equal specificity keep the order they were
// added in.
type patternSet struct {
	entries []patternEntry
	seen    map[string]bool
}

func newPatternSet() *patternSet {
	return &patternSet{seen: make(map[string]bool)}
}

func (s *patternSet) add(pattern string) error {
	if isWildcard(pattern) {
		pattern = wildcard
	}
	if s.seen[pattern] {
		return nil
	}
	e := patternEntry{pattern: pattern, score: specificity(pattern)}
	if e.score >= 0 {
		g, err := compilePattern(pattern)
		if err != nil {
			return err
		}
		e.glob = g
	}
	s.seen[pattern] = true
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].score < e.score })
	s.entries = append(s.entries, patternEntry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
	return nil
}

func (s *patternSet) len() int { return len(s.entries) }

// match returns the most specific pattern granting name.
func (s *patternSet) match(name string) (string, bool) {
	for _, e := range s.entries {
		if name == "" || e.glob == nil || e.glob.Match(name) {
			return e.pattern, true
		}
	}
	return "", false
}

func (s *patternSet) patterns() []string {
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.pattern
	}
	return out
}
