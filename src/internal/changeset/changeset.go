// Package changeset implements the changeset container exchanged between
// clients and the repository: trove diffs, file stream diffs and file
// contents, along with the troves to erase and the primary troves the
// changeset was requested for.
package changeset

import (
	"sort"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
)

// Format is the changeset container format.
type Format int

const (
	// FormatV0 cannot carry removed troves.
	FormatV0 Format = 0
	// FormatV1 adds removed-trove markers.
	FormatV1 Format = 1
)

// Latest is the newest format this package writes.
const Latest = FormatV1

func (f Format) String() string {
	switch f {
	case FormatV0:
		return "v0"
	case FormatV1:
		return "v1"
	}
	return "unknown"
}

// ContentType says how a content entry is stored.
type ContentType int

const (
	// ContentFile holds the complete contents.
	ContentFile ContentType = iota
	// ContentDiff holds a patch against the contents of the old version of
	// a config file.
	ContentDiff
	// ContentPtr holds no data; the contents are those of another entry in
	// the same changeset.
	ContentPtr
)

func (t ContentType) String() string {
	switch t {
	case ContentFile:
		return "file"
	case ContentDiff:
		return "diff"
	case ContentPtr:
		return "ptr"
	}
	return "unknown"
}

// Key identifies a content entry.
type Key struct {
	PathID string `json:"pathId"`
	FileID string `json:"fileId"`
}

// Content is one file contents entry.
type Content struct {
	Type   ContentType `json:"type"`
	Config bool        `json:"config,omitempty"`
	Data   []byte      `json:"data,omitempty"`
	// Ptr is the entry a ContentPtr refers to.
	Ptr *Key `json:"ptr,omitempty"`
}

type fileDiffKey struct {
	oldID, newID string
}

// ChangeSet is an in-memory changeset.  The zero value is not usable; call
// New.
type ChangeSet struct {
	Format Format

	troves    map[string]*trove.Diff
	oldTroves map[string]trove.NVF
	fileDiffs map[fileDiffKey][]byte
	contents  map[Key]Content
	primary   []trove.NVF
}

// New returns an empty changeset in the latest format.
func New() *ChangeSet {
	return &ChangeSet{
		Format:    Latest,
		troves:    make(map[string]*trove.Diff),
		oldTroves: make(map[string]trove.NVF),
		fileDiffs: make(map[fileDiffKey][]byte),
		contents:  make(map[Key]Content),
	}
}

// IsEmpty is true when the changeset carries no troves.
func (cs *ChangeSet) IsEmpty() bool { return len(cs.troves) == 0 && len(cs.oldTroves) == 0 }

// AddTrove adds a trove diff, replacing any earlier diff for the same new trove.
func (cs *ChangeSet) AddTrove(d *trove.Diff) { cs.troves[d.NewNVF().Key()] = d }

// Trove returns the diff producing n.
func (cs *ChangeSet) Trove(n trove.NVF) (*trove.Diff, bool) {
	d, ok := cs.troves[n.Key()]
	return d, ok
}

// NewTroves returns every trove diff, ordered by new trove.
func (cs *ChangeSet) NewTroves() []*trove.Diff {
	keys := make([]string, 0, len(cs.troves))
	for k := range cs.troves {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*trove.Diff, 0, len(keys))
	for _, k := range keys {
		out = append(out, cs.troves[k])
	}
	return out
}

// RemovedTroves lists the troves this changeset marks as removed.
func (cs *ChangeSet) RemovedTroves() []trove.NVF {
	var out []trove.NVF
	for _, d := range cs.NewTroves() {
		if d.Type == trove.TypeRemoved {
			out = append(out, d.NewNVF())
		}
	}
	return out
}

// AddOldTrove records a trove the changeset erases.
func (cs *ChangeSet) AddOldTrove(n trove.NVF) { cs.oldTroves[n.Key()] = n }

// OldTroves returns the troves the changeset erases.
func (cs *ChangeSet) OldTroves() []trove.NVF {
	out := make([]trove.NVF, 0, len(cs.oldTroves))
	for _, n := range cs.oldTroves {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// AddPrimary records n as one of the troves the changeset was built for.
func (cs *ChangeSet) AddPrimary(n trove.NVF) { cs.primary = append(cs.primary, n) }

// Primary returns the primary troves in the order they were added.
func (cs *ChangeSet) Primary() []trove.NVF { return append([]trove.NVF(nil), cs.primary...) }

// AddFileDiff stores the stream turning file oldFileID into newFileID.  An
// empty oldFileID means the stream is absolute.
func (cs *ChangeSet) AddFileDiff(oldFileID, newFileID string, stream []byte) {
	cs.fileDiffs[fileDiffKey{oldFileID, newFileID}] = stream
}

// FileDiff returns the stream turning oldFileID into newFileID.  An
// absolute stream for newFileID is returned when there is no relative one.
func (cs *ChangeSet) FileDiff(oldFileID, newFileID string) ([]byte, bool) {
	if s, ok := cs.fileDiffs[fileDiffKey{oldFileID, newFileID}]; ok {
		return s, true
	}
	if oldFileID != "" {
		if s, ok := cs.fileDiffs[fileDiffKey{"", newFileID}]; ok {
			return s, true
		}
	}
	return nil, false
}

// AddContents stores file contents for (pathID, fileID).
func (cs *ChangeSet) AddContents(pathID, fileID string, c Content) error {
	if c.Type == ContentPtr && c.Ptr == nil {
		return errors.Errorf("pointer contents for %s,%s have no target", pathID, fileID)
	}
	cs.contents[Key{pathID, fileID}] = c
	return nil
}

// Contents returns the contents for (pathID, fileID).
func (cs *ChangeSet) Contents(pathID, fileID string) (Content, bool) {
	c, ok := cs.contents[Key{pathID, fileID}]
	return c, ok
}

// ContentKeys lists the keys of every content entry, sorted.
func (cs *ChangeSet) ContentKeys() []Key {
	out := make([]Key, 0, len(cs.contents))
	for k := range cs.contents {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

// ConfigFileIsDiff is true when the contents for (pathID, fileID) are a
// config file patch.
func (cs *ChangeSet) ConfigFileIsDiff(pathID, fileID string) bool {
	c, ok := cs.contents[Key{pathID, fileID}]
	return ok && c.Config && c.Type == ContentDiff
}

// Merge adds everything in o to cs.  Entries in o replace entries in cs.
func (cs *ChangeSet) Merge(o *ChangeSet) {
	for k, d := range o.troves {
		cs.troves[k] = d
	}
	for k, n := range o.oldTroves {
		cs.oldTroves[k] = n
	}
	for k, s := range o.fileDiffs {
		cs.fileDiffs[k] = s
	}
	for k, c := range o.contents {
		cs.contents[k] = c
	}
	cs.primary = append(cs.primary, o.primary...)
	if o.Format > cs.Format {
		cs.Format = o.Format
	}
}

// Downgrade rewrites cs in place so it can be written in format f.  Going to
// FormatV0, removed troves flagged missing become plain empty troves; a trove
// that really was removed cannot be represented and yields TroveMissing.
func (cs *ChangeSet) Downgrade(f Format) error {
	if f >= cs.Format {
		return nil
	}
	if f != FormatV0 {
		return errors.Errorf("cannot convert changeset from %v to %v", cs.Format, f)
	}
	for k, d := range cs.troves {
		if d.Type != trove.TypeRemoved {
			continue
		}
		if !d.Info.Flags.Missing {
			return errors.WithStack(&repoerr.TroveMissing{Name: d.Name, Version: d.NewVersion.String()})
		}
		newTrove := trove.New(d.Name, d.NewVersion, d.NewFlavor, trove.TypeNormal)
		var oldTrove *trove.Trove
		if d.OldVersion != nil {
			oldTrove = trove.New(d.Name, d.OldVersion, d.OldFlavor, trove.TypeNormal)
		}
		cs.troves[k] = newTrove.MakeDiff(oldTrove, false)
	}
	cs.Format = f
	return nil
}

func sortKeys(ks []Key) {
	sort.Slice(ks, func(i, j int) bool {
		if ks[i].PathID != ks[j].PathID {
			return ks[i].PathID < ks[j].PathID
		}
		return ks[i].FileID < ks[j].FileID
	})
}
