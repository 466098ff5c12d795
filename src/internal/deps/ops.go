package deps

import (
	"github.com/pachyderm/troverepo/src/internal/errors"
)

// MergeType controls how conflicting flag senses combine in Union.
type MergeType int

const (
	// MergeNormal keeps the stronger of two compatible senses and fails on
	// conflicts.
	MergeNormal MergeType = iota
	// MergeOverride lets the new sense win.
	MergeOverride
	// MergePrefs is like MergeOverride, except that a new strong sense loses
	// to an old weak sense in the same direction.
	MergePrefs
	// MergeDropConflicts removes conflicting flags.
	MergeDropConflicts
)

func mergeFlags(d, o Dep, mt MergeType) (Dep, error) {
	result := d.copy()
	for flag, otherSense := range o.Flags {
		thisSense, ok := result.Flags[flag]
		if mt == MergeOverride || !ok {
			result.Flags[flag] = otherSense
			continue
		}
		if thisSense == otherSense {
			continue
		}
		thisStrong, otherStrong := thisSense.isStrong(), otherSense.isStrong()
		if thisStrong == otherStrong {
			switch mt {
			case MergeDropConflicts:
				delete(result.Flags, flag)
				continue
			case MergePrefs:
				result.Flags[flag] = otherSense
				continue
			}
			return Dep{}, errors.Errorf("invalid flag combination in merge: %s%s and %s%s",
				thisSense.prefix(), flag, otherSense.prefix(), flag)
		}
		switch {
		case mt == MergePrefs:
			if thisStrong && otherSense.strong() == thisSense {
				continue
			}
			result.Flags[flag] = otherSense.weak()
		case thisStrong:
		case otherStrong:
			result.Flags[flag] = otherSense
		}
	}
	return result, nil
}

// Union merges o into f.  Conflicting flags are handled according to mt; with
// MergeNormal they are an error.
func Union(f, o Flavor, mt MergeType) (Flavor, error) {
	b := f.builder()
	for c, deps := range o.classes {
		b.addClass(c)
		for _, d := range deps {
			if err := b.addDep(c, d, mt); err != nil {
				return Flavor{}, err
			}
		}
		if mt == MergeDropConflicts && c == ClassUse {
			if u := b.classes[c][useDepName]; len(u.Flags) == 0 {
				delete(b.classes, c)
			}
		}
	}
	return b.flavor(), nil
}

func intersectDep(d, o Dep, strict bool) Dep {
	flags := make(map[string]Sense)
	for flag, sense := range o.Flags {
		mine, ok := d.Flags[flag]
		switch {
		case !ok:
		case strict && mine == sense:
			flags[flag] = sense
		case !strict && mine.strong() == sense.strong():
			flags[flag] = sense.strong()
		}
	}
	return Dep{Name: d.Name, Flags: flags}
}

// Intersection keeps the classes and dependencies present in both flavors and,
// within them, the flags with the same sense.  When strict is false "~foo"
// and "foo" count as the same flag and the strong sense is kept.
func (f Flavor) Intersection(o Flavor, strict bool) Flavor {
	b := newBuilder()
	for c, deps := range f.classes {
		odeps, ok := o.classes[c]
		if !ok {
			continue
		}
		found := false
		m := make(map[string]Dep)
		for name, d := range deps {
			od, ok := odeps[name]
			if !ok {
				continue
			}
			found = true
			m[name] = intersectDep(d, od, strict)
		}
		if found {
			b.classes[c] = m
		}
	}
	return b.flavor()
}

// Difference removes from f the flags that o has with the same sense.  When
// strict is false flags that differ only in strength are removed as well.
func (f Flavor) Difference(o Flavor, strict bool) Flavor {
	b := newBuilder()
	for c, deps := range f.classes {
		odeps, ok := o.classes[c]
		if !ok {
			m := b.addClass(c)
			for n, d := range deps {
				m[n] = d.copy()
			}
			continue
		}
		m := make(map[string]Dep)
		for name, d := range deps {
			od, ok := odeps[name]
			if !ok {
				m[name] = d.copy()
				continue
			}
			diff := d.copy()
			for flag, sense := range od.Flags {
				mine, ok := diff.Flags[flag]
				if !ok {
					continue
				}
				if (strict && mine == sense) || (!strict && mine.strong() == sense.strong()) {
					delete(diff.Flags, flag)
				}
			}
			if len(diff.Flags) > 0 {
				m[name] = diff
			}
		}
		if len(m) > 0 {
			b.classes[c] = m
		}
	}
	return b.flavor()
}

// ToStrong replaces preferences with requirements: "~foo" becomes "foo" and
// "~!foo" becomes "!foo".
func (f Flavor) ToStrong() Flavor {
	b := f.builder()
	for _, deps := range b.classes {
		for _, d := range deps {
			for flag, sense := range d.Flags {
				d.Flags[flag] = sense.strong()
			}
		}
	}
	return b.flavor()
}
