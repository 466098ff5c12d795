// Package deps implements flavors: sets of instruction set and use flag
// dependencies, each flag carrying a sense.  A system flavor scores a trove
// flavor to decide whether, and how well, the trove fits the system.
package deps

import (
	"sort"
	"strings"
)

// Sense is the strength and direction of a flag.
type Sense int

const (
	SenseUnspecified Sense = iota
	SenseRequired
	SensePreferred
	SensePreferNot
	SenseDisallowed
)

func (s Sense) prefix() string {
	switch s {
	case SensePreferred:
		return "~"
	case SensePreferNot:
		return "~!"
	case SenseDisallowed:
		return "!"
	}
	return ""
}

func (s Sense) strong() Sense {
	switch s {
	case SensePreferred:
		return SenseRequired
	case SensePreferNot:
		return SenseDisallowed
	}
	return s
}

func (s Sense) weak() Sense {
	switch s {
	case SenseRequired:
		return SensePreferred
	case SenseDisallowed:
		return SensePreferNot
	}
	return s
}

func (s Sense) isStrong() bool { return s == SenseRequired || s == SenseDisallowed }

// Class identifies a dependency class within a flavor.  The values match the
// class tags used in frozen dependency sets.
type Class int

const (
	ClassInstructionSet       Class = 1
	ClassUse                  Class = 5
	ClassTargetInstructionSet Class = 15
)

var classOrder = []Class{ClassInstructionSet, ClassUse, ClassTargetInstructionSet}

func (c Class) String() string {
	switch c {
	case ClassInstructionSet:
		return "is"
	case ClassUse:
		return "use"
	case ClassTargetInstructionSet:
		return "target"
	}
	return "unknown"
}

// nameSignificant is false for the use class, which is defined only by its
// flags.  For the other classes a dependency missing from the system cannot be
// satisfied.
func (c Class) nameSignificant() bool { return c != ClassUse }

// useDepName is the name of the single dependency in the use class.
const useDepName = "use"

// Dep is one dependency of a class with its flags.
type Dep struct {
	Name  string
	Flags map[string]Sense
}

func (d Dep) String() string {
	if len(d.Flags) == 0 {
		return d.Name
	}
	return d.Name + "(" + d.flagString() + ")"
}

func (d Dep) flagString() string {
	names := make([]string, 0, len(d.Flags))
	for n := range d.Flags {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = d.Flags[n].prefix() + n
	}
	return strings.Join(parts, ",")
}

func (d Dep) equal(o Dep) bool {
	if d.Name != o.Name || len(d.Flags) != len(o.Flags) {
		return false
	}
	for f, s := range d.Flags {
		if os, ok := o.Flags[f]; !ok || os != s {
			return false
		}
	}
	return true
}

func (d Dep) copy() Dep {
	flags := make(map[string]Sense, len(d.Flags))
	for f, s := range d.Flags {
		flags[f] = s
	}
	return Dep{Name: d.Name, Flags: flags}
}

// Flavor is an immutable set of dependency classes.  A class may be present
// and empty, which is distinct from being absent: "is:" names an empty
// instruction set class.  The zero value is the empty flavor.
type Flavor struct {
	classes map[Class]map[string]Dep
}

// Empty is the flavor with no classes.
var Empty = Flavor{}

// IsEmpty is true if f has no classes at all.
func (f Flavor) IsEmpty() bool { return len(f.classes) == 0 }

// HasClass reports whether c is present, even if empty.
func (f Flavor) HasClass(c Class) bool {
	_, ok := f.classes[c]
	return ok
}

// Deps returns the dependencies of class c sorted by name.
func (f Flavor) Deps(c Class) []Dep {
	m := f.classes[c]
	result := make([]Dep, 0, len(m))
	for _, d := range m {
		result = append(result, d.copy())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// UseFlags returns the use flags of f.
func (f Flavor) UseFlags() map[string]Sense {
	return f.classes[ClassUse][useDepName].copy().Flags
}

// Equal compares class membership, dependencies, and flags.
func (f Flavor) Equal(o Flavor) bool {
	if len(f.classes) != len(o.classes) {
		return false
	}
	for c, deps := range f.classes {
		odeps, ok := o.classes[c]
		if !ok || len(deps) != len(odeps) {
			return false
		}
		for name, d := range deps {
			od, ok := odeps[name]
			if !ok || !d.equal(od) {
				return false
			}
		}
	}
	return true
}

func (f Flavor) classString(c Class) string {
	deps := f.Deps(c)
	parts := make([]string, len(deps))
	for i, d := range deps {
		parts[i] = d.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

// String formats f so that Parse reads it back: use flags first, then "is:"
// and "target:" instruction sets.  Empty classes are not written.
func (f Flavor) String() string {
	var parts []string
	if d, ok := f.classes[ClassUse][useDepName]; ok && len(d.Flags) > 0 {
		parts = append(parts, d.flagString())
	}
	if s := f.classString(ClassInstructionSet); s != "" {
		parts = append(parts, "is: "+s)
	}
	if s := f.classString(ClassTargetInstructionSet); s != "" {
		parts = append(parts, "target: "+s)
	}
	return strings.Join(parts, " ")
}

// MarshalText implements encoding.TextMarshaler.
func (f Flavor) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Flavor) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// builder accumulates a flavor; Flavor values are never mutated once returned.
type builder struct {
	classes map[Class]map[string]Dep
}

func newBuilder() *builder { return &builder{classes: make(map[Class]map[string]Dep)} }

func (b *builder) addClass(c Class) map[string]Dep {
	m, ok := b.classes[c]
	if !ok {
		m = make(map[string]Dep)
		b.classes[c] = m
	}
	return m
}

func (b *builder) addDep(c Class, d Dep, mt MergeType) error {
	m := b.addClass(c)
	if old, ok := m[d.Name]; ok {
		merged, err := mergeFlags(old, d, mt)
		if err != nil {
			return err
		}
		d = merged
	} else {
		d = d.copy()
	}
	m[d.Name] = d
	return nil
}

func (b *builder) flavor() Flavor {
	if len(b.classes) == 0 {
		return Flavor{}
	}
	return Flavor{classes: b.classes}
}

func (f Flavor) builder() *builder {
	b := newBuilder()
	for c, deps := range f.classes {
		m := b.addClass(c)
		for n, d := range deps {
			m[n] = d.copy()
		}
	}
	return b
}

// InstructionSetFlavor returns only the architectures of f, without their
// flags.
func InstructionSetFlavor(f Flavor) Flavor {
	b := newBuilder()
	for _, c := range []Class{ClassInstructionSet, ClassTargetInstructionSet} {
		for _, d := range f.Deps(c) {
			b.addClass(c)[d.Name] = Dep{Name: d.Name, Flags: map[string]Sense{}}
		}
	}
	return b.flavor()
}
