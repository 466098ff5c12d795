package deps

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
)

var (
	flavorRegexp = regexp.MustCompile(`^(use:)? *([^:]*?) *(?:(is:) *([^:]*?))? *(?:(target:) *([^:]*?))? *$`)
	identRegexp  = regexp.MustCompile(`^[0-9A-Za-z_-]+$`)
	useRegexp    = regexp.MustCompile(`^[0-9A-Za-z_-]+(?:\.[0-9A-Za-z_-]+)?$`)
)

const parseCacheSize = 4096

var parseCache = func() *lru.Cache[string, Flavor] {
	c, err := lru.New[string, Flavor](parseCacheSize)
	if err != nil {
		panic(err)
	}
	return c
}()

func parseErrorf(format string, args ...interface{}) error {
	return errors.WithStack(&repoerr.ParseError{Msg: fmt.Sprintf(format, args...)})
}

// Parse reads a flavor in the form written by Flavor.String, e.g.
// "~builddocs,!ssl is: x86(i486,i586) x86_64 target: x86".  The empty string
// is the empty flavor.  Parsed flavors are cached; they are immutable.
func Parse(s string) (Flavor, error) {
	if f, ok := parseCache.Get(s); ok {
		return f, nil
	}
	f, err := parse(s)
	if err != nil {
		return Flavor{}, err
	}
	parseCache.Add(s, f)
	return f, nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(s string) Flavor {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

func parse(s string) (Flavor, error) {
	m := flavorRegexp.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Flavor{}, parseErrorf("invalid flavor '%s'", s)
	}
	b := newBuilder()
	switch {
	case m[2] != "":
		flags, err := parseFlags(m[2], useRegexp)
		if err != nil {
			return Flavor{}, parseErrorf("invalid flavor '%s': %v", s, err)
		}
		if err := b.addDep(ClassUse, Dep{Name: useDepName, Flags: flags}, MergeNormal); err != nil {
			return Flavor{}, parseErrorf("invalid flavor '%s': %v", s, err)
		}
	case m[1] != "":
		b.addClass(ClassUse)
	}
	for _, sec := range []struct {
		marker, body string
		class        Class
	}{
		{m[3], m[4], ClassInstructionSet},
		{m[5], m[6], ClassTargetInstructionSet},
	} {
		if sec.marker == "" {
			continue
		}
		b.addClass(sec.class)
		deps, err := parseArchGroup(sec.body)
		if err != nil {
			return Flavor{}, parseErrorf("invalid flavor '%s': %v", s, err)
		}
		for _, d := range deps {
			if err := b.addDep(sec.class, d, MergeNormal); err != nil {
				return Flavor{}, parseErrorf("invalid flavor '%s': %v", s, err)
			}
		}
	}
	return b.flavor(), nil
}

// parseFlags reads a comma separated flag list with optional sense prefixes.
func parseFlags(s string, name *regexp.Regexp) (map[string]Sense, error) {
	flags := make(map[string]Sense)
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		sense := SenseRequired
		switch {
		case strings.HasPrefix(f, "~!"):
			sense, f = SensePreferNot, f[2:]
		case strings.HasPrefix(f, "~"):
			sense, f = SensePreferred, f[1:]
		case strings.HasPrefix(f, "!"):
			sense, f = SenseDisallowed, f[1:]
		}
		if !name.MatchString(f) {
			return nil, errors.Errorf("bad flag %q", f)
		}
		if old, ok := flags[f]; ok && old != sense {
			return nil, errors.Errorf("flag %s given twice", f)
		}
		flags[f] = sense
	}
	return flags, nil
}

// parseArchGroup reads space separated architectures, each with an optional
// parenthesized flag list: "x86(i486,i586) x86_64".
func parseArchGroup(s string) ([]Dep, error) {
	var deps []Dep
	for s = strings.TrimSpace(s); s != ""; s = strings.TrimSpace(s) {
		end := strings.IndexAny(s, " (")
		if end == -1 {
			end = len(s)
		}
		name := s[:end]
		if !identRegexp.MatchString(name) {
			return nil, errors.Errorf("bad architecture %q", name)
		}
		s = strings.TrimLeft(s[end:], " ")
		d := Dep{Name: name, Flags: map[string]Sense{}}
		if strings.HasPrefix(s, "(") {
			closing := strings.Index(s, ")")
			if closing == -1 {
				return nil, errors.Errorf("unterminated flags for %s", name)
			}
			flags, err := parseFlags(s[1:closing], identRegexp)
			if err != nil {
				return nil, err
			}
			d.Flags = flags
			s = s[closing+1:]
		}
		deps = append(deps, d)
	}
	return deps, nil
}
