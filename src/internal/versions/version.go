// Package versions implements trove versions: labels, revisions, branches and shadows, with
// their string forms and the arithmetic used to number new builds.
//
// A version is a path of labels and revisions, written "/host@ns:tag/1.0-1-1".  Two labels in a
// row make a shadow (written with an empty path element, "/a@ns:1//b@ns:2/1.0-1"); a label after
// a revision makes a branch.  Versions and branches are immutable; every operation that changes
// one returns a new value.
package versions

import (
	"strings"
	"time"
)

// item is one element of a version path: a label when rev is nil, otherwise a revision.
type item struct {
	label Label
	rev   *Revision
}

func (i item) isLabel() bool { return i.rev == nil }

// now returns the current time as float seconds.
var now = func() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Version is a path ending in a revision.
type Version struct {
	items []item
}

// Branch is a path ending in a label.
type Branch struct {
	items []item
}

func copyItems(items []item) []item {
	result := make([]item, len(items))
	for i, it := range items {
		result[i] = it
		if it.rev != nil {
			result[i].rev = it.rev.Copy()
		}
	}
	return result
}

func parseItems(s string, frozen bool) ([]item, error) {
	if !strings.HasPrefix(s, "/") {
		return nil, parseErrorf("version %q is not fully qualified", s)
	}
	var (
		items        []item
		lastRev      *Revision
		lastLabel    *Label
		expectLabel  = true
		justShadowed bool
		shadowCount  int
	)
	for _, part := range strings.Split(s[1:], "/") {
		switch {
		case expectLabel:
			l, err := parseLabel(part, lastLabel)
			if err != nil {
				return nil, err
			}
			if l.IsStatic() {
				lastLabel = nil
			} else {
				lastLabel = l
			}
			items = append(items, item{label: *l})
			expectLabel = false
			if justShadowed {
				justShadowed = false
			} else {
				shadowCount = 0
			}
		case part == "":
			expectLabel = true
			shadowCount++
			justShadowed = true
		default:
			expectLabel = true
			r, err := parseRevision(part, lastRev, frozen)
			if err != nil {
				return nil, err
			}
			if r.ShadowCount() > shadowCount {
				return nil, parseErrorf("too many shadow serial numbers in '%s'", part)
			}
			items = append(items, item{rev: r})
			lastRev = r
		}
	}
	if justShadowed {
		return nil, parseErrorf("version %q ends with a shadow marker", s)
	}
	return items, nil
}

func formatItems(items []item, frozen bool) string {
	strL := []string{""}
	var lastLabel *Label
	var lastRev *Revision
	expectLabel := true
	for i := range items {
		it := items[i]
		if it.isLabel() {
			if !expectLabel {
				strL = append(strL, "")
			}
			strL = append(strL, it.label.asString(lastLabel))
			if it.label.IsStatic() {
				lastLabel = nil
			} else {
				lastLabel = &items[i].label
			}
			expectLabel = false
		} else {
			strL = append(strL, it.rev.asString(lastRev, frozen))
			lastRev = it.rev
			expectLabel = true
		}
	}
	return strings.Join(strL, "/")
}

func itemsEqual(a, b []item) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].isLabel() != b[i].isLabel() {
			return false
		}
		if a[i].isLabel() {
			if a[i].label != b[i].label {
				return false
			}
		} else if !a[i].rev.Equal(b[i].rev) {
			return false
		}
	}
	return true
}

func newVersion(s string, frozen bool) (*Version, error) {
	items, err := parseItems(s, frozen)
	if err != nil {
		return nil, err
	}
	if items[len(items)-1].isLabel() {
		return nil, parseErrorf("%q is a branch, not a version", s)
	}
	return &Version{items: items}, nil
}

func newBranch(s string) (*Branch, error) {
	items, err := parseItems(s, false)
	if err != nil {
		return nil, err
	}
	if !items[len(items)-1].isLabel() {
		return nil, parseErrorf("%q is a version, not a branch", s)
	}
	return &Branch{items: items}, nil
}

// String returns the version without timestamps.
func (v *Version) String() string { return formatItems(v.items, false) }

// Freeze returns the version with timestamps; ThawVersion reverses it.
func (v *Version) Freeze() string { return formatItems(v.items, true) }

// MarshalText implements encoding.TextMarshaler using the frozen form.
func (v *Version) MarshalText() ([]byte, error) { return []byte(v.Freeze()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.  Both frozen and plain forms are accepted.
func (v *Version) UnmarshalText(b []byte) error {
	s := string(b)
	parsed, err := newVersion(s, true)
	if err != nil {
		if parsed, err = newVersion(s, false); err != nil {
			return err
		}
	}
	*v = *parsed
	return nil
}

// Equal compares versions ignoring timestamps.
func (v *Version) Equal(o *Version) bool {
	if v == nil || o == nil {
		return v == o
	}
	return itemsEqual(v.items, o.items)
}

// Copy returns a deep copy of v.
func (v *Version) Copy() *Version { return &Version{items: copyItems(v.items)} }

// TrailingRevision returns a copy of the last revision.
func (v *Version) TrailingRevision() *Revision { return v.items[len(v.items)-1].rev.Copy() }

func (v *Version) trailing() *Revision { return v.items[len(v.items)-1].rev }

// TrailingLabel returns the label the version lives on.
func (v *Version) TrailingLabel() Label { return v.items[len(v.items)-2].label }

// Host is the repository host of the trailing label.
func (v *Version) Host() string { return v.TrailingLabel().Host }

// IsOnLocalHost is true if the version lives on a local label.
func (v *Version) IsOnLocalHost() bool { return v.TrailingLabel().IsOnLocalHost() }

// IsLocal is true if the version is on the local branch.
func (v *Version) IsLocal() bool { return v.TrailingLabel() == LocalLabel }

// Branch returns the branch the version is on.
func (v *Version) Branch() *Branch {
	return &Branch{items: copyItems(v.items[:len(v.items)-1])}
}

// IsSourceVersion is true if the version has no build count.
func (v *Version) IsSourceVersion() bool { return v.trailing().BuildCount == nil }

// Timestamp is the trailing revision's timestamp.
func (v *Version) Timestamp() float64 { return v.trailing().Timestamp }

// Timestamps returns the timestamp of every revision, in order.
func (v *Version) Timestamps() []float64 {
	var ts []float64
	for _, it := range v.items {
		if it.rev != nil {
			ts = append(ts, it.rev.Timestamp)
		}
	}
	return ts
}

// WithTimestamps returns a copy of v with the given revision timestamps.
func (v *Version) WithTimestamps(ts []float64) (*Version, error) {
	nv := v.Copy()
	i := 0
	for _, it := range nv.items {
		if it.rev != nil {
			if i >= len(ts) {
				return nil, parseErrorf("too few timestamps for %s", v)
			}
			it.rev.Timestamp = ts[i]
			i++
		}
	}
	if i != len(ts) {
		return nil, parseErrorf("too many timestamps for %s", v)
	}
	return nv, nil
}

// ResetTimestamp returns a copy of v whose trailing revision is stamped with the current time.
func (v *Version) ResetTimestamp() *Version {
	nv := v.Copy()
	nv.trailing().Timestamp = now()
	return nv
}

// IsAfter compares trailing timestamps.
func (v *Version) IsAfter(o *Version) bool {
	return v.trailing().Timestamp > o.trailing().Timestamp
}

// Compare orders two versions on the same branch by timestamp; versions on different branches
// cannot be ordered.
func Compare(a, b *Version) (int, error) {
	if !itemsEqual(a.items[:len(a.items)-1], b.items[:len(b.items)-1]) {
		return 0, ErrUnorderable
	}
	switch {
	case a.IsAfter(b):
		return 1, nil
	case b.IsAfter(a):
		return -1, nil
	}
	return 0, nil
}

// ShadowLength is the shadow depth since the last branch.
func (v *Version) ShadowLength() int {
	count := 0
	expectVersion := false
	for i := len(v.items) - 2; i >= 0; i-- {
		switch {
		case expectVersion && !v.items[i].isLabel():
			return count
		case expectVersion:
			count++
		default:
			expectVersion = true
		}
	}
	return count
}

// HasParentVersion is true for branched or shadowed sources and binaries.  Binaries built on a
// branch or shadow have no parent version: on a shadow they carry a count at the shadow's depth,
// and on a branch the revision they branched from has a zero build count.
func (v *Version) HasParentVersion() bool {
	n := len(v.items)
	if n < 3 {
		return false
	}
	tr := v.trailing()
	if tr.BuildCount == nil {
		return true
	}
	if sl := v.ShadowLength(); sl > 0 {
		return tr.SourceCount.ShadowCount() < sl && tr.BuildCount.ShadowCount() < sl
	}
	prev := v.items[n-3].rev
	return prev.BuildCount != nil && !prev.BuildCount.isBranchPoint() &&
		prev.BuildCount.ShadowCount() == tr.BuildCount.ShadowCount()
}

// parentVersion returns the parent, sharing revisions with v where a branch is undone.
func (v *Version) parentVersion() *Version {
	n := len(v.items)
	if !v.items[n-3].isLabel() {
		return &Version{items: v.items[: n-2 : n-2]}
	}
	items := append(append([]item(nil), v.items[:n-2]...), item{rev: v.trailing().Copy()})
	shadowCount := v.ShadowLength() - 1
	last := items[len(items)-1].rev
	last.SourceCount = last.SourceCount.Truncate(shadowCount)
	if last.BuildCount != nil {
		last.BuildCount = last.BuildCount.Truncate(shadowCount)
	}
	return &Version{items: items}
}

// ParentVersion undoes the last branch or shadow.  It returns nil if there is no parent.
func (v *Version) ParentVersion() *Version {
	if !v.HasParentVersion() {
		return nil
	}
	return v.parentVersion().Copy()
}

// CanonicalVersion strips shadows that did not modify the version, returning the version it
// was originally committed as.
func (v *Version) CanonicalVersion() *Version {
	nv := v.Copy()
	tr := nv.trailing()
	shadowCount := tr.SourceCount.ShadowCount()
	if tr.BuildCount != nil && tr.BuildCount.ShadowCount() > shadowCount {
		shadowCount = tr.BuildCount.ShadowCount()
	}
	for i := nv.ShadowLength() - shadowCount; i > 0 && nv.HasParentVersion(); i-- {
		nv = nv.parentVersion().Copy()
	}
	return nv
}

// IsShadow is true if the version's label was reached by shadowing.
func (v *Version) IsShadow() bool {
	n := len(v.items)
	return n >= 3 && v.items[n-2].isLabel() && v.items[n-3].isLabel()
}

// IsModifiedShadow is true for a shadow whose counts were bumped on the shadow itself.
func (v *Version) IsModifiedShadow() bool {
	if !v.IsShadow() {
		return false
	}
	sl := v.ShadowLength()
	tr := v.trailing()
	return tr.SourceCount.ShadowCount() == sl || (tr.BuildCount != nil && tr.BuildCount.ShadowCount() == sl)
}

// IsBranchedBinary is true for a binary that was branched or shadowed rather than built.
func (v *Version) IsBranchedBinary() bool {
	return v.trailing().BuildCount != nil && v.HasParentVersion()
}

// IncrementSourceCount returns v with the next source count for its shadow depth and a fresh
// timestamp.
func (v *Version) IncrementSourceCount() *Version {
	nv := v.Copy()
	tr := nv.trailing()
	tr.SourceCount = tr.SourceCount.Increment(nv.ShadowLength())
	tr.Timestamp = now()
	return nv
}

// IncrementBuildCount returns v with the next build count and a fresh timestamp.  A source
// count already at this shadow depth bumps the build count in place; otherwise the build count
// is lengthened to the shadow depth.
func (v *Version) IncrementBuildCount() *Version {
	nv := v.Copy()
	shadowLength := nv.ShadowLength()
	tr := nv.trailing()
	switch {
	case tr.SourceCount.ShadowCount() == shadowLength && tr.BuildCount != nil:
		tr.BuildCount = tr.BuildCount.Increment(tr.BuildCount.ShadowCount())
	case tr.SourceCount.ShadowCount() == shadowLength:
		tr.BuildCount = SerialNumber{1}
	case tr.BuildCount != nil:
		tr.BuildCount = tr.BuildCount.Increment(shadowLength)
	default:
		bc := make(SerialNumber, shadowLength+1)
		bc[shadowLength] = 1
		tr.BuildCount = bc
	}
	tr.Timestamp = now()
	return nv
}

// CreateShadow returns v shadowed onto label.
func (v *Version) CreateShadow(label Label) *Version {
	items := copyItems(v.items[:len(v.items)-1])
	rev := v.TrailingRevision()
	rev.Timestamp = now()
	items = append(items, item{label: label}, item{rev: rev})
	return &Version{items: items}
}

// CreateBranch returns a new branch off v onto label.
func (v *Version) CreateBranch(label Label) *Branch {
	return &Branch{items: append(copyItems(v.items), item{label: label})}
}

// CreateBranchVersion returns v branched onto label, keeping its revision.
func (v *Version) CreateBranchVersion(label Label) *Version {
	items := append(copyItems(v.items), item{label: label}, item{rev: v.TrailingRevision()})
	return &Version{items: items}
}

// SourceVersion returns the source version a binary was built from.
func (v *Version) SourceVersion() *Version {
	nv := v.Copy()
	for _, it := range nv.items {
		if it.rev != nil {
			it.rev.BuildCount = nil
		}
	}
	return nv
}

// BinaryVersion returns the version binaries built from the source version v start from: every
// revision v was branched from gets a zero build count.
func (v *Version) BinaryVersion() *Version {
	nv := v.Copy()
	var parents []*Version
	for cur := nv; cur.HasParentVersion(); {
		cur = cur.parentVersion()
		parents = append(parents, cur)
	}
	for _, p := range parents {
		p.trailing().BuildCount = SerialNumber{0}
	}
	return nv
}

// String returns the branch path.
func (b *Branch) String() string { return formatItems(b.items, false) }

// MarshalText implements encoding.TextMarshaler.
func (b *Branch) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Branch) UnmarshalText(text []byte) error {
	parsed, err := newBranch(string(text))
	if err != nil {
		return err
	}
	*b = *parsed
	return nil
}

// Equal compares branches.
func (b *Branch) Equal(o *Branch) bool {
	if b == nil || o == nil {
		return b == o
	}
	return itemsEqual(b.items, o.items)
}

// Label returns the label at the end of the branch.
func (b *Branch) Label() Label { return b.items[len(b.items)-1].label }

// HasParentBranch is true if the branch was created from another branch or by shadowing.
func (b *Branch) HasParentBranch() bool { return len(b.items) > 1 }

// ParentBranch returns the branch b was created from, or nil for a top level branch.
func (b *Branch) ParentBranch() *Branch {
	items := b.items[:len(b.items)-1]
	if len(items) > 0 && !items[len(items)-1].isLabel() {
		items = items[:len(items)-1]
	}
	if len(items) == 0 {
		return nil
	}
	return &Branch{items: copyItems(items)}
}

// IsShadow is true if the branch ends in a shadow.
func (b *Branch) IsShadow() bool {
	n := len(b.items)
	return n >= 2 && b.items[n-2].isLabel()
}

// CreateVersion returns the version with revision rev on b, stamped with the current time.
func (b *Branch) CreateVersion(rev *Revision) *Version {
	r := rev.Copy()
	r.Timestamp = now()
	return &Version{items: append(copyItems(b.items), item{rev: r})}
}

// CreateShadow returns b shadowed onto label.
func (b *Branch) CreateShadow(label Label) *Branch {
	return &Branch{items: append(copyItems(b.items), item{label: label})}
}

// NewBranch returns the top level branch for a label.
func NewBranch(l Label) *Branch {
	return &Branch{items: []item{{label: l}}}
}
