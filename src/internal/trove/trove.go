// Package trove implements troves: named, versioned, flavored collections of
// files and references to other troves, together with their TroveInfo.
package trove

import (
	"sort"
	"strings"

	"github.com/pachyderm/troverepo/src/internal/deps"
	"github.com/pachyderm/troverepo/src/internal/versions"
)

// SchemaVersion is the trove schema this implementation understands.  Troves
// with a newer schema carry information that is dropped on commit.
const SchemaVersion = 10

// Type distinguishes regular troves from redirects and removal markers.
type Type int

const (
	TypeNormal Type = iota
	TypeRedirect
	TypeRemoved
)

func (t Type) String() string {
	switch t {
	case TypeRedirect:
		return "redirect"
	case TypeRemoved:
		return "removed"
	}
	return "normal"
}

// NVF names one trove: name, version and flavor.
type NVF struct {
	Name    string            `json:"name"`
	Version *versions.Version `json:"version"`
	Flavor  deps.Flavor       `json:"flavor"`
}

// Key is a string form of n usable as a map key.
func (n NVF) Key() string {
	return n.Name + "=" + n.Version.String() + "[" + n.Flavor.String() + "]"
}

func (n NVF) String() string { return n.Key() }

func (n NVF) less(o NVF) bool { return n.Key() < o.Key() }

// FileRef is a trove's reference to one version of a file.
type FileRef struct {
	PathID  string            `json:"pathId"`
	Path    string            `json:"path"`
	FileID  string            `json:"fileId"`
	Version *versions.Version `json:"version"`
}

// Ref is a reference from a collection to another trove.
type Ref struct {
	NVF
	ByDefault bool `json:"byDefault"`
	Weak      bool `json:"weak,omitempty"`
}

// DigitalSignature is one signature over a trove's digest.
type DigitalSignature struct {
	KeyID     string `json:"keyId"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature"`
}

// Signatures holds the trove digest and the signatures over it.
type Signatures struct {
	SHA1    string             `json:"sha1,omitempty"`
	Digital []DigitalSignature `json:"digital,omitempty"`
}

// InfoFlags are boolean TroveInfo flags.
type InfoFlags struct {
	Missing    bool `json:"missing,omitempty"`
	Collection bool `json:"collection,omitempty"`
}

// Info is the TroveInfo attached to a trove.
type Info struct {
	SourceName         string            `json:"sourceName,omitempty"`
	BuildTime          int64             `json:"buildTime,omitempty"`
	Size               int64             `json:"size,omitempty"`
	ClonedFrom         *versions.Version `json:"clonedFrom,omitempty"`
	LoadedTroves       []NVF             `json:"loadedTroves,omitempty"`
	BuildReqs          []NVF             `json:"buildReqs,omitempty"`
	LabelPath          []versions.Label  `json:"labelPath,omitempty"`
	Sigs               Signatures        `json:"sigs"`
	CompatibilityClass int               `json:"compatibilityClass,omitempty"`
	TroveVersion       int               `json:"troveVersion"`
	Flags              InfoFlags         `json:"flags"`
	Incomplete         bool              `json:"incomplete,omitempty"`
	// Unknown holds TroveInfo from newer schemas, by tag.
	Unknown map[string][]byte `json:"unknown,omitempty"`
}

func copyNVFs(l []NVF) []NVF {
	if l == nil {
		return nil
	}
	return append([]NVF(nil), l...)
}

func (i Info) copy() Info {
	c := i
	c.LoadedTroves = copyNVFs(i.LoadedTroves)
	c.BuildReqs = copyNVFs(i.BuildReqs)
	if i.LabelPath != nil {
		c.LabelPath = append([]versions.Label(nil), i.LabelPath...)
	}
	if i.Sigs.Digital != nil {
		c.Sigs.Digital = append([]DigitalSignature(nil), i.Sigs.Digital...)
	}
	if i.Unknown != nil {
		c.Unknown = make(map[string][]byte, len(i.Unknown))
		for k, v := range i.Unknown {
			c.Unknown[k] = v
		}
	}
	return c
}

// Trove is a mutable trove object.  Troves read from the repository are
// copied before they are changed.
type Trove struct {
	Name    string
	Version *versions.Version
	Flavor  deps.Flavor
	Type    Type
	Info    Info

	files  map[string]FileRef
	troves map[string]Ref
}

// New returns an empty trove at the current schema version.
func New(name string, version *versions.Version, flavor deps.Flavor, typ Type) *Trove {
	return &Trove{
		Name:    name,
		Version: version,
		Flavor:  flavor,
		Type:    typ,
		Info:    Info{TroveVersion: SchemaVersion},
		files:   make(map[string]FileRef),
		troves:  make(map[string]Ref),
	}
}

// NVF returns the trove's name, version and flavor.
func (t *Trove) NVF() NVF { return NVF{Name: t.Name, Version: t.Version, Flavor: t.Flavor} }

// Copy returns a deep copy of t.
func (t *Trove) Copy() *Trove {
	c := *t
	c.Info = t.Info.copy()
	c.files = make(map[string]FileRef, len(t.files))
	for k, v := range t.files {
		c.files[k] = v
	}
	c.troves = make(map[string]Ref, len(t.troves))
	for k, v := range t.troves {
		c.troves[k] = v
	}
	return &c
}

// AddFile adds or replaces the file at pathID.
func (t *Trove) AddFile(pathID, path, fileID string, version *versions.Version) {
	t.files[pathID] = FileRef{PathID: pathID, Path: path, FileID: fileID, Version: version}
}

// RemoveFile removes the file at pathID.
func (t *Trove) RemoveFile(pathID string) { delete(t.files, pathID) }

// File returns the file at pathID.
func (t *Trove) File(pathID string) (FileRef, bool) {
	f, ok := t.files[pathID]
	return f, ok
}

// Files returns the files sorted by pathID.
func (t *Trove) Files() []FileRef {
	result := make([]FileRef, 0, len(t.files))
	for _, f := range t.files {
		result = append(result, f)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PathID < result[j].PathID })
	return result
}

// AddTrove adds a reference to another trove.
func (t *Trove) AddTrove(n NVF, byDefault, weak bool) {
	t.troves[n.Key()] = Ref{NVF: n, ByDefault: byDefault, Weak: weak}
}

// RemoveTrove removes a reference.
func (t *Trove) RemoveTrove(n NVF) { delete(t.troves, n.Key()) }

// HasTrove reports whether t references n.
func (t *Trove) HasTrove(n NVF) bool {
	_, ok := t.troves[n.Key()]
	return ok
}

// Troves returns the references selected by strong and weak, sorted.
func (t *Trove) Troves(strong, weak bool) []Ref {
	var result []Ref
	for _, r := range t.troves {
		if (r.Weak && weak) || (!r.Weak && strong) {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].less(result[j].NVF) })
	return result
}

// IsRedirect is true for redirect troves.
func (t *Trove) IsRedirect() bool { return t.Type == TypeRedirect }

// IsRemoved is true for removal markers.
func (t *Trove) IsRemoved() bool { return t.Type == TypeRemoved }

// IsCollection is true for packages and groups.
func (t *Trove) IsCollection() bool { return !IsComponent(t.Name) }

// IsComponent is true for names of the form "pkg:comp".
func IsComponent(name string) bool { return strings.Contains(name, ":") }

// PackageName strips the component from a trove name.
func PackageName(name string) string {
	pkg, _, _ := strings.Cut(name, ":")
	return pkg
}

// IsSource is true for source component names.
func IsSource(name string) bool { return strings.HasSuffix(name, ":source") }

// IsGroup is true for group names.
func IsGroup(name string) bool { return strings.HasPrefix(name, "group-") }

// IsFileset is true for fileset names.
func IsFileset(name string) bool { return strings.HasPrefix(name, "fileset-") }
