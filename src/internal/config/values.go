package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	globlib "github.com/pachyderm/ohmyglob"

	"github.com/pachyderm/troverepo/src/internal/deps"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/versions"
)

// Kind is the type of a configuration value.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindInt
	KindPath
	KindStringList
	KindLabel
	KindLabelList
	KindFlavor
	KindServerMap
	KindSize
	KindDuration
)

var kindNames = map[Kind]string{
	KindString:     "string",
	KindBool:       "bool",
	KindInt:        "int",
	KindPath:       "path",
	KindStringList: "string list",
	KindLabel:      "label",
	KindLabelList:  "label list",
	KindFlavor:     "flavor",
	KindServerMap:  "server map",
	KindSize:       "size",
	KindDuration:   "duration",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// isList kinds accumulate: every line or sequence item adds to the value.
func (k Kind) isList() bool {
	return k == KindStringList || k == KindLabelList || k == KindServerMap
}

// Value is one parsed configuration value.  The concrete types are the
// exported types in this file.
type Value interface {
	Kind() Kind
	// String formats the value so that Parse(v.Kind(), v.String()) returns
	// an equal value.
	String() string
	isValue()
}

type (
	String     string
	Bool       bool
	Int        int64
	Path       string
	StringList []string
	Label      versions.Label
	LabelList  []versions.Label
	Flavor     struct{ deps.Flavor }
	Size       int64
	Duration   time.Duration
)

// ServerMap maps server name globs to repository URLs, in the order they were
// configured.
type ServerMap []ServerMapping

type ServerMapping struct {
	Pattern string
	URL     string
}

func (String) Kind() Kind     { return KindString }
func (Bool) Kind() Kind       { return KindBool }
func (Int) Kind() Kind        { return KindInt }
func (Path) Kind() Kind       { return KindPath }
func (StringList) Kind() Kind { return KindStringList }
func (Label) Kind() Kind      { return KindLabel }
func (LabelList) Kind() Kind  { return KindLabelList }
func (Flavor) Kind() Kind     { return KindFlavor }
func (ServerMap) Kind() Kind  { return KindServerMap }
func (Size) Kind() Kind       { return KindSize }
func (Duration) Kind() Kind   { return KindDuration }

func (String) isValue()     {}
func (Bool) isValue()       {}
func (Int) isValue()        {}
func (Path) isValue()       {}
func (StringList) isValue() {}
func (Label) isValue()      {}
func (LabelList) isValue()  {}
func (Flavor) isValue()     {}
func (ServerMap) isValue()  {}
func (Size) isValue()       {}
func (Duration) isValue()   {}

func (v String) String() string     { return string(v) }
func (v Bool) String() string       { return strconv.FormatBool(bool(v)) }
func (v Int) String() string        { return strconv.FormatInt(int64(v), 10) }
func (v Path) String() string       { return string(v) }
func (v StringList) String() string { return strings.Join(v, " ") }
func (v Label) String() string      { return versions.Label(v).String() }
func (v Flavor) String() string     { return v.Flavor.String() }
func (v Size) String() string       { return units.BytesSize(float64(v)) }
func (v Duration) String() string   { return time.Duration(v).String() }

func (v LabelList) String() string {
	parts := make([]string, len(v))
	for i, l := range v {
		parts[i] = l.String()
	}
	return strings.Join(parts, " ")
}

func (v ServerMap) String() string {
	parts := make([]string, len(v))
	for i, m := range v {
		parts[i] = m.Pattern + " " + m.URL
	}
	return strings.Join(parts, "\n")
}

// Lookup returns the URL of the first mapping whose pattern matches server.
func (v ServerMap) Lookup(server string) (string, bool) {
	for _, m := range v {
		if g, err := globlib.Compile(m.Pattern, '.'); err == nil && g.Match(server) {
			return m.URL, true
		}
	}
	return "", false
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	}
	return false, errors.Errorf("expected true or false, got %q", s)
}

// Parse reads one value of kind k.  List kinds parse a single entry; use
// Append to add it to an existing list.
func Parse(k Kind, s string) (Value, error) {
	s = strings.TrimSpace(s)
	switch k {
	case KindString:
		return String(s), nil
	case KindBool:
		b, err := parseBool(s)
		return Bool(b), err
	case KindInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Errorf("expected an integer, got %q", s)
		}
		return Int(i), nil
	case KindPath:
		if s == "" {
			return Path(""), nil
		}
		return Path(filepath.Clean(s)), nil
	case KindStringList:
		return StringList(strings.Fields(s)), nil
	case KindLabel:
		l, err := versions.ParseLabel(s)
		return Label(l), err
	case KindLabelList:
		var out LabelList
		for _, f := range strings.Fields(s) {
			l, err := versions.ParseLabel(f)
			if err != nil {
				return nil, err
			}
			out = append(out, l)
		}
		return out, nil
	case KindFlavor:
		f, err := deps.Parse(s)
		return Flavor{f}, err
	case KindServerMap:
		var out ServerMap
		for _, line := range strings.Split(s, "\n") {
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if len(fields) != 2 {
				return nil, errors.Errorf("expected \"<server glob> <url>\", got %q", line)
			}
			if _, err := globlib.Compile(fields[0], '.'); err != nil {
				return nil, errors.Errorf("bad server glob %q", fields[0])
			}
			out = append(out, ServerMapping{Pattern: fields[0], URL: fields[1]})
		}
		return out, nil
	case KindSize:
		n, err := units.RAMInBytes(s)
		if err != nil {
			return nil, errors.EnsureStack(err)
		}
		return Size(n), nil
	case KindDuration:
		if n, err := strconv.Atoi(s); err == nil {
			// bare numbers are seconds
			return Duration(time.Duration(n) * time.Second), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, errors.Errorf("expected a duration, got %q", s)
		}
		return Duration(d), nil
	}
	return nil, errors.Errorf("unknown config kind %v", k)
}

// Append adds the entries of next to the list value v.  Non-list values are
// replaced.
func Append(v, next Value) Value {
	switch cur := v.(type) {
	case StringList:
		if n, ok := next.(StringList); ok {
			return append(append(StringList(nil), cur...), n...)
		}
	case LabelList:
		if n, ok := next.(LabelList); ok {
			return append(append(LabelList(nil), cur...), n...)
		}
	case ServerMap:
		if n, ok := next.(ServerMap); ok {
			return append(append(ServerMap(nil), cur...), n...)
		}
	}
	return next
}
