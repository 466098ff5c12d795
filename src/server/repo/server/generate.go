package server

import (
	"context"
	"fmt"

	"github.com/pachyderm/troverepo/src/internal/changeset"
	"github.com/pachyderm/troverepo/src/internal/contentstore"
	"github.com/pachyderm/troverepo/src/internal/deps"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/files"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/internal/versions"
)

// VF is a version and flavor of a job.
type VF struct {
	Version *versions.Version `json:"version"`
	Flavor  deps.Flavor       `json:"flavor"`
}

// Job asks for the change of one trove.  Old is nil for a changeset that
// installs New from scratch; New is nil for one that erases Old.
type Job struct {
	Name     string `json:"name"`
	Old      *VF    `json:"old,omitempty"`
	New      *VF    `json:"new,omitempty"`
	Absolute bool   `json:"absolute,omitempty"`
}

func (j Job) nvf(vf *VF) *trove.NVF {
	if vf == nil || vf.Version == nil {
		return nil
	}
	return &trove.NVF{Name: j.Name, Version: vf.Version, Flavor: vf.Flavor}
}

func (j Job) oldNVF() *trove.NVF { return j.nvf(j.Old) }
func (j Job) newNVF() *trove.NVF { return j.nvf(j.New) }

func (j Job) key() string {
	k := j.Name
	for _, n := range []*trove.NVF{j.oldNVF(), j.newNVF()} {
		k += " "
		if n != nil {
			k += n.Key()
		}
	}
	return fmt.Sprintf("%s %t", k, j.Absolute)
}

func (j Job) check() error {
	if j.Name == "" || (j.oldNVF() == nil && j.newNVF() == nil) {
		return errors.WithStack(&repoerr.ParseError{Msg: fmt.Sprintf("incomplete job for %q", j.Name)})
	}
	return nil
}

// FileNeeded is a file stream a changeset refers to that lives on another
// repository.
type FileNeeded struct {
	PathID  string            `json:"pathId"`
	FileID  string            `json:"fileId"`
	Version *versions.Version `json:"version"`
}

// jobResult is what a generated changeset reports besides its file.  It is
// stored as the value of the changeset's cache entry.
type jobResult struct {
	// Included lists every trove the changeset carries, for the access
	// check made on each request.
	Included     []trove.NVF  `json:"included"`
	TrovesNeeded []Job        `json:"trovesNeeded,omitempty"`
	FilesNeeded  []FileNeeded `json:"filesNeeded,omitempty"`
	Removed      []trove.NVF  `json:"removed,omitempty"`
}

type generateOptions struct {
	Recurse           bool `json:"recurse"`
	WithFiles         bool `json:"withFiles"`
	WithFileContents  bool `json:"withFileContents"`
	ExcludeAutoSource bool `json:"excludeAutoSource"`
}

// generator builds one changeset from the store.
type generator struct {
	tx       trovedb.Tx
	contents contentstore.Store
	opts     generateOptions
	// local reports whether a version lives in this repository.
	local func(*versions.Version) bool

	cs   *changeset.ChangeSet
	res  jobResult
	seen map[string]bool
	// sha1s maps contents already added to the changeset to their entry.
	sha1s map[string]changeset.Key
}

func newGenerator(tx trovedb.Tx, contents contentstore.Store, opts generateOptions, local func(*versions.Version) bool) *generator {
	return &generator{
		tx:       tx,
		contents: contents,
		opts:     opts,
		local:    local,
		cs:       changeset.New(),
		seen:     make(map[string]bool),
		sha1s:    make(map[string]changeset.Key),
	}
}

func (g *generator) troves(ctx context.Context, nvfs ...*trove.NVF) ([]*trove.Trove, error) {
	var want []trove.NVF
	for _, n := range nvfs {
		if n != nil {
			want = append(want, *n)
		}
	}
	got, err := g.tx.GetTroves(ctx, want, true)
	if err != nil {
		return nil, err
	}
	out := make([]*trove.Trove, len(nvfs))
	i := 0
	for j, n := range nvfs {
		if n != nil {
			out[j] = got[i]
			i++
		}
	}
	return out, nil
}

// add generates job and, when recursing, the jobs for the troves it
// includes.
func (g *generator) add(ctx context.Context, job Job, primary bool) error {
	if g.seen[job.key()] {
		return nil
	}
	g.seen[job.key()] = true
	oldN, newN := job.oldNVF(), job.newNVF()
	if newN == nil {
		g.cs.AddOldTrove(*oldN)
		g.res.Included = append(g.res.Included, *oldN)
		return nil
	}
	ts, err := g.troves(ctx, newN, oldN)
	if err != nil {
		return err
	}
	newTrove, oldTrove := ts[0], ts[1]
	g.res.Included = append(g.res.Included, *newN)
	if newTrove == nil {
		missing := trove.New(newN.Name, newN.Version, newN.Flavor, trove.TypeRemoved)
		missing.Info.Flags.Missing = true
		g.cs.AddTrove(missing.MakeDiff(nil, true))
		if primary {
			g.cs.AddPrimary(*newN)
		}
		return nil
	}
	if oldN != nil && !job.Absolute {
		if oldTrove == nil {
			return errors.WithStack(&repoerr.TroveMissing{Name: oldN.Name, Version: oldN.Version.String()})
		}
		g.res.Included = append(g.res.Included, *oldN)
	} else {
		oldTrove = nil
	}
	if newTrove.IsRemoved() {
		g.res.Removed = append(g.res.Removed, *newN)
		oldTrove = nil
	}
	d := newTrove.MakeDiff(oldTrove, job.Absolute)
	g.cs.AddTrove(d)
	if primary {
		g.cs.AddPrimary(*newN)
	}
	if err := g.addFiles(ctx, d, oldTrove); err != nil {
		return err
	}
	if !g.opts.Recurse || !newTrove.IsCollection() {
		return nil
	}
	return g.recurse(ctx, job, newTrove, oldTrove)
}

// recurse adds a job for each trove newTrove includes, relative to the
// trove of the same name and flavor oldTrove included.
func (g *generator) recurse(ctx context.Context, job Job, newTrove, oldTrove *trove.Trove) error {
	oldRefs := make(map[string]trove.NVF)
	if oldTrove != nil {
		for _, r := range oldTrove.Troves(true, false) {
			oldRefs[r.Name+"["+r.Flavor.String()+"]"] = r.NVF
		}
	}
	for _, r := range newTrove.Troves(true, false) {
		sub := Job{Name: r.Name, New: &VF{Version: r.Version, Flavor: r.Flavor}, Absolute: job.Absolute}
		if o, ok := oldRefs[r.Name+"["+r.Flavor.String()+"]"]; ok {
			if o.Version.Equal(r.Version) {
				continue
			}
			sub.Old = &VF{Version: o.Version, Flavor: o.Flavor}
		}
		if !g.local(r.Version) {
			g.res.TrovesNeeded = append(g.res.TrovesNeeded, sub)
			continue
		}
		if err := g.add(ctx, sub, false); err != nil {
			return err
		}
	}
	return nil
}

func (g *generator) stream(ctx context.Context, fileID string) ([]byte, error) {
	streams, err := g.tx.FileStreams(ctx, []string{fileID})
	if err != nil {
		return nil, err
	}
	return streams[0], nil
}

// addFiles adds the file diffs and contents for the files d adds or
// changes.
func (g *generator) addFiles(ctx context.Context, d *trove.Diff, oldTrove *trove.Trove) error {
	if !g.opts.WithFiles && !g.opts.WithFileContents {
		return nil
	}
	refs := append(append([]trove.FileRef(nil), d.NewFiles...), d.ChangedFiles...)
	for _, ref := range refs {
		stream, err := g.stream(ctx, ref.FileID)
		if err != nil {
			return err
		}
		if len(stream) == 0 {
			g.res.FilesNeeded = append(g.res.FilesNeeded, FileNeeded{PathID: ref.PathID, FileID: ref.FileID, Version: ref.Version})
			continue
		}
		newFile, err := files.Thaw(stream, ref.PathID)
		if err != nil {
			return err
		}
		var oldFile *files.File
		oldFileID := ""
		if oldTrove != nil {
			if oldRef, ok := oldTrove.File(ref.PathID); ok {
				oldStream, err := g.stream(ctx, oldRef.FileID)
				if err != nil {
					return err
				}
				if len(oldStream) > 0 {
					if oldFile, err = files.Thaw(oldStream, ref.PathID); err != nil {
						return err
					}
					oldFileID = oldRef.FileID
				}
			}
		}
		if g.opts.WithFiles {
			diff, err := files.Diff(oldFile, newFile)
			if err != nil {
				return err
			}
			g.cs.AddFileDiff(oldFileID, ref.FileID, diff)
		}
		if g.opts.WithFileContents {
			if err := g.addContents(ctx, ref, newFile, oldFile); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *generator) addContents(ctx context.Context, ref trove.FileRef, newFile, oldFile *files.File) error {
	if !newFile.HasContents() || newFile.Contents == nil {
		return nil
	}
	if g.opts.ExcludeAutoSource && newFile.Flags.IsAutoSource() {
		return nil
	}
	config := newFile.Flags.IsConfig()
	if oldFile != nil && oldFile.Contents != nil && oldFile.Contents.SHA1 == newFile.Contents.SHA1 &&
		!(config && !oldFile.Flags.IsConfig()) {
		return nil
	}
	sha1 := newFile.Contents.SHA1
	if k, ok := g.sha1s[sha1]; ok {
		return g.cs.AddContents(ref.PathID, ref.FileID, changeset.Content{Type: changeset.ContentPtr, Config: config, Ptr: &k})
	}
	data, err := g.read(ctx, ref, sha1)
	if err != nil {
		return err
	}
	c := changeset.Content{Type: changeset.ContentFile, Config: config, Data: data}
	if config && oldFile != nil && oldFile.Flags.IsConfig() && oldFile.Contents != nil {
		old, err := g.read(ctx, ref, oldFile.Contents.SHA1)
		if err != nil {
			return err
		}
		c = changeset.Content{Type: changeset.ContentDiff, Config: true, Data: files.MakePatch(old, data)}
	} else {
		g.sha1s[sha1] = changeset.Key{PathID: ref.PathID, FileID: ref.FileID}
	}
	return g.cs.AddContents(ref.PathID, ref.FileID, c)
}

func (g *generator) read(ctx context.Context, ref trove.FileRef, sha1 string) ([]byte, error) {
	data, err := contentstore.Get(ctx, g.contents, sha1)
	if errors.Is(err, contentstore.ErrNotExist) {
		return nil, errors.WithStack(&repoerr.FileContentsNotFound{FileID: ref.FileID, Version: ref.Version.String()})
	}
	return data, err
}
