package trove

import (
	"sort"

	"github.com/pachyderm/troverepo/src/internal/deps"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/versions"
)

// Diff is the change from one trove to another.  An absolute diff has no old
// version and describes the new trove completely.
type Diff struct {
	Name         string            `json:"name"`
	OldVersion   *versions.Version `json:"oldVersion,omitempty"`
	OldFlavor    deps.Flavor       `json:"oldFlavor"`
	NewVersion   *versions.Version `json:"newVersion"`
	NewFlavor    deps.Flavor       `json:"newFlavor"`
	Absolute     bool              `json:"absolute,omitempty"`
	Type         Type              `json:"type"`
	NewFiles     []FileRef         `json:"newFiles,omitempty"`
	ChangedFiles []FileRef         `json:"changedFiles,omitempty"`
	OldFiles     []string          `json:"oldFiles,omitempty"`
	NewTroves    []Ref             `json:"newTroves,omitempty"`
	OldTroves    []NVF             `json:"oldTroves,omitempty"`
	Info         Info              `json:"info"`
}

// NewNVF is the trove the diff produces.
func (d *Diff) NewNVF() NVF { return NVF{Name: d.Name, Version: d.NewVersion, Flavor: d.NewFlavor} }

// OldNVF is the trove the diff applies to; ok is false for absolute diffs.
func (d *Diff) OldNVF() (n NVF, ok bool) {
	if d.OldVersion == nil {
		return NVF{}, false
	}
	return NVF{Name: d.Name, Version: d.OldVersion, Flavor: d.OldFlavor}, true
}

// IsRollbackFence is true when applying the diff to a trove of compatibility
// class oldClass changes the class, which invalidates existing rollbacks.
func (d *Diff) IsRollbackFence(oldClass int) bool {
	return oldClass != 0 && d.Info.CompatibilityClass != 0 && oldClass != d.Info.CompatibilityClass
}

// MakeDiff returns the diff from old to t.  If old is nil or absolute is set
// the diff is absolute.
func (t *Trove) MakeDiff(old *Trove, absolute bool) *Diff {
	d := &Diff{
		Name:       t.Name,
		NewVersion: t.Version,
		NewFlavor:  t.Flavor,
		Type:       t.Type,
		Info:       t.Info.copy(),
	}
	if old == nil || absolute {
		d.Absolute = true
		d.NewFiles = t.Files()
		d.NewTroves = t.Troves(true, true)
		return d
	}
	d.OldVersion, d.OldFlavor = old.Version, old.Flavor
	for _, f := range t.Files() {
		of, ok := old.files[f.PathID]
		switch {
		case !ok:
			d.NewFiles = append(d.NewFiles, f)
		case of.Path != f.Path || of.FileID != f.FileID || !of.Version.Equal(f.Version):
			d.ChangedFiles = append(d.ChangedFiles, f)
		}
	}
	for pathID := range old.files {
		if _, ok := t.files[pathID]; !ok {
			d.OldFiles = append(d.OldFiles, pathID)
		}
	}
	sort.Strings(d.OldFiles)
	for _, r := range t.Troves(true, true) {
		if or, ok := old.troves[r.Key()]; !ok || or.ByDefault != r.ByDefault || or.Weak != r.Weak {
			d.NewTroves = append(d.NewTroves, r)
		}
	}
	for _, r := range old.Troves(true, true) {
		if _, ok := t.troves[r.Key()]; !ok {
			d.OldTroves = append(d.OldTroves, r.NVF)
		}
	}
	return d
}

// FileChange records what a file looked like before a diff changed it.  Old
// is false for files the diff added.
type FileChange struct {
	Old        bool
	OldPath    string
	OldFileID  string
	OldVersion *versions.Version
}

// ApplyDiff applies d to t in place and returns the files it added or
// changed, keyed by pathID.  A diff of a newer schema than SchemaVersion is
// accepted only with allowIncomplete; the trove is then marked incomplete and
// the information it cannot represent is dropped.
func (t *Trove) ApplyDiff(d *Diff, allowIncomplete bool) (map[string]FileChange, error) {
	if d.Name != t.Name {
		return nil, errors.Errorf("diff for %s applied to %s", d.Name, t.Name)
	}
	integrity := func(msg string) error {
		return errors.WithStack(&repoerr.TroveIntegrityError{
			Name: d.Name, Version: d.NewVersion.String(), Flavor: d.NewFlavor.String(), Msg: msg,
		})
	}
	if d.Info.TroveVersion > SchemaVersion && !allowIncomplete {
		return nil, integrity("trove schema version is newer than this repository understands")
	}
	changes := make(map[string]FileChange)
	for _, pathID := range d.OldFiles {
		if _, ok := t.files[pathID]; !ok {
			return nil, integrity("diff removes a file the trove does not have")
		}
		delete(t.files, pathID)
	}
	for _, f := range d.NewFiles {
		if _, ok := t.files[f.PathID]; ok && !d.Absolute {
			return nil, integrity("diff adds a file the trove already has")
		}
		changes[f.PathID] = FileChange{}
		t.files[f.PathID] = f
	}
	for _, f := range d.ChangedFiles {
		of, ok := t.files[f.PathID]
		if !ok {
			return nil, integrity("diff changes a file the trove does not have")
		}
		changes[f.PathID] = FileChange{Old: true, OldPath: of.Path, OldFileID: of.FileID, OldVersion: of.Version}
		t.files[f.PathID] = f
	}
	for _, n := range d.OldTroves {
		delete(t.troves, n.Key())
	}
	for _, r := range d.NewTroves {
		t.troves[r.Key()] = r
	}
	t.Version, t.Flavor, t.Type = d.NewVersion, d.NewFlavor, d.Type
	t.Info = d.Info.copy()
	if t.Info.TroveVersion > SchemaVersion {
		t.Info.Incomplete = true
		t.Info.Unknown = nil
	}
	return changes, nil
}

// FromDiff builds a new trove from an absolute diff.
func FromDiff(d *Diff) (*Trove, error) {
	if !d.Absolute && d.OldVersion != nil {
		return nil, errors.Errorf("diff for %s is relative to %s", d.Name, d.OldVersion)
	}
	t := New(d.Name, d.NewVersion, d.NewFlavor, d.Type)
	if _, err := t.ApplyDiff(d, true); err != nil {
		return nil, err
	}
	return t, nil
}
