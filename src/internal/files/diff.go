package files

import (
	"reflect"
	"sort"

	"github.com/pachyderm/troverepo/src/internal/errors"
)

// diffMarker starts a relative file diff; absolute diffs are plain frozen
// streams.
const diffMarker = '\x01'

// fields is the changed part of a relative diff.  Nil means unchanged.
type fields struct {
	Inode     *Inode    `json:"inode,omitempty"`
	Flags     *Flags    `json:"flags,omitempty"`
	Flavor    *string   `json:"flavor,omitempty"`
	Tags      *[]string `json:"tags,omitempty"`
	Contents  *Contents `json:"contents,omitempty"`
	LinkGroup *string   `json:"linkGroup,omitempty"`
	Target    *string   `json:"target,omitempty"`
	Device    *Device   `json:"device,omitempty"`
}

// IsDiff reports whether stream is a relative diff rather than a frozen file.
func IsDiff(stream []byte) bool {
	return len(stream) > 0 && stream[0] == diffMarker
}

// Diff returns the diff that turns old into f.  If there is no old file, or
// its type differs, the diff is f's frozen stream.
func Diff(old, f *File) ([]byte, error) {
	if old == nil || old.Type != f.Type {
		return f.Freeze()
	}
	var d fields
	if old.Inode != f.Inode {
		in := f.Inode
		d.Inode = &in
	}
	if old.Flags != f.Flags {
		fl := f.Flags
		d.Flags = &fl
	}
	if old.Flavor != f.Flavor {
		fv := f.Flavor
		d.Flavor = &fv
	}
	if !reflect.DeepEqual(normTags(old.Tags), normTags(f.Tags)) {
		tags := normTags(f.Tags)
		d.Tags = &tags
	}
	if !reflect.DeepEqual(old.Contents, f.Contents) && f.Contents != nil {
		c := *f.Contents
		d.Contents = &c
	}
	if old.LinkGroup != f.LinkGroup {
		lg := f.LinkGroup
		d.LinkGroup = &lg
	}
	if old.Target != f.Target {
		tg := f.Target
		d.Target = &tg
	}
	if !reflect.DeepEqual(old.Device, f.Device) && f.Device != nil {
		dv := *f.Device
		d.Device = &dv
	}
	body, err := streamAPI.Marshal(&d)
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	return append([]byte{diffMarker, byte(f.Type)}, body...), nil
}

func normTags(tags []string) []string {
	if len(tags) == 0 {
		return []string{}
	}
	return tags
}

func parseDiff(diff []byte) (Type, *fields, error) {
	if !IsDiff(diff) || len(diff) < 2 {
		return 0, nil, errors.New("not a relative file diff")
	}
	var d fields
	if err := streamAPI.Unmarshal(diff[2:], &d); err != nil {
		return 0, nil, errors.Wrap(err, "parse file diff")
	}
	return Type(diff[1]), &d, nil
}

// ApplyDiff returns base with diff applied.  An absolute diff is thawed and
// replaces base entirely.
func ApplyDiff(base *File, diff []byte) (*File, error) {
	if !IsDiff(diff) {
		return Thaw(diff, base.PathID)
	}
	return ThreeWayMerge(base, base, diff)
}

// ThreeWayMerge applies diff, which was made against base, to f.  A field
// that differs between f and base and is also changed by the diff is a
// conflict.
func ThreeWayMerge(f, base *File, diff []byte) (*File, error) {
	t, d, err := parseDiff(diff)
	if err != nil {
		return nil, err
	}
	if t != base.Type || t != f.Type {
		return nil, errors.Errorf("file diff of type %q cannot apply to type %q", t, f.Type)
	}
	result := f.Copy()
	var conflicts []string
	merge := func(name string, mine, theirs interface{}, set func()) {
		if !reflect.DeepEqual(mine, theirs) {
			conflicts = append(conflicts, name)
			return
		}
		set()
	}
	if d.Inode != nil {
		// mtime never conflicts.
		mine, theirs := f.Inode, base.Inode
		mine.Mtime, theirs.Mtime = 0, 0
		merge("inode", mine, theirs, func() { result.Inode = *d.Inode })
	}
	if d.Flags != nil {
		merge("flags", f.Flags, base.Flags, func() { result.Flags = *d.Flags })
	}
	if d.Flavor != nil {
		merge("flavor", f.Flavor, base.Flavor, func() { result.Flavor = *d.Flavor })
	}
	if d.Tags != nil {
		merge("tags", normTags(f.Tags), normTags(base.Tags), func() { result.Tags = append([]string(nil), (*d.Tags)...) })
	}
	if d.Contents != nil {
		merge("contents", f.Contents, base.Contents, func() {
			c := *d.Contents
			result.Contents = &c
		})
	}
	if d.LinkGroup != nil {
		merge("linkGroup", f.LinkGroup, base.LinkGroup, func() { result.LinkGroup = *d.LinkGroup })
	}
	if d.Target != nil {
		merge("target", f.Target, base.Target, func() { result.Target = *d.Target })
	}
	if d.Device != nil {
		merge("device", f.Device, base.Device, func() {
			dv := *d.Device
			result.Device = &dv
		})
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return nil, errors.Errorf("file merge conflict in %v", conflicts)
	}
	return result, nil
}

// ContentsChanged reports whether a diff changes a regular file's contents.
// Absolute diffs always count as changed.
func ContentsChanged(diff []byte) (bool, error) {
	if !IsDiff(diff) {
		return FrozenHasContents(diff), nil
	}
	t, d, err := parseDiff(diff)
	if err != nil {
		return false, err
	}
	return t == TypeRegular && d.Contents != nil, nil
}

// FieldsChanged names the fields a diff changes, or "type" for an absolute
// diff.
func FieldsChanged(diff []byte) ([]string, error) {
	if !IsDiff(diff) {
		return []string{"type"}, nil
	}
	_, d, err := parseDiff(diff)
	if err != nil {
		return nil, err
	}
	var names []string
	for name, set := range map[string]bool{
		"inode":     d.Inode != nil,
		"flags":     d.Flags != nil,
		"flavor":    d.Flavor != nil,
		"tags":      d.Tags != nil,
		"contents":  d.Contents != nil,
		"linkGroup": d.LinkGroup != nil,
		"target":    d.Target != nil,
		"device":    d.Device != nil,
	} {
		if set {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
