// Package clone builds changesets that copy troves onto another branch.
//
// Cloning gives each trove a version on the target branch, rewrites the
// versions it refers to (loaded recipes, build requirements and included
// troves) to their counterparts on the target branch, and emits the result
// as absolute trove diffs.  Troves already cloned from the same version are
// reused rather than cloned again.
package clone

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pachyderm/troverepo/src/internal/changeset"
	"github.com/pachyderm/troverepo/src/internal/deps"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/files"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/nextversion"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
	"github.com/pachyderm/troverepo/src/internal/versions"
)

// Repository is what the cloner reads.
type Repository interface {
	nextversion.Repository
	// GetTroves fails with TroveMissing if any trove does not exist.
	GetTroves(ctx context.Context, troves []trove.NVF, withFiles bool) ([]*trove.Trove, error)
	// TroveVersionsByBranch lists the versions of name on branch, oldest
	// first.
	TroveVersionsByBranch(ctx context.Context, name string, branch *versions.Branch) ([]*versions.Version, error)
	// TroveLeafByBranch returns the newest version of name on branch in
	// exactly flavor, or nil.
	TroveLeafByBranch(ctx context.Context, name string, branch *versions.Branch, flavor deps.Flavor) (*versions.Version, error)
	FileStreams(ctx context.Context, fileIDs []string) ([][]byte, error)
	FileContents(ctx context.Context, sha1 string) ([]byte, error)
}

// Options control CreateCloneChangeSet.
type Options struct {
	// UpdateBuildInfo rewrites loaded recipes and build requirements too.
	UpdateBuildInfo bool
	// FullRecurse clones packages included by the requested troves, not
	// just their components.
	FullRecurse bool
	// CloneSources clones the source trove of every binary.
	CloneSources bool
	// TrackClone records the cloned version in clonedFrom.
	TrackClone bool
	// InfoOnly skips signatures and file data.  The changeset is not
	// committable.
	InfoOnly bool
}

type refKind int

const (
	kindLoaded refKind = iota
	kindBuildReq
	kindRef
	kindFile
)

func (k refKind) String() string {
	switch k {
	case kindLoaded:
		return "loadRecipe"
	case kindBuildReq:
		return "build requirement"
	case kindRef:
		return "referenced trove"
	}
	return "file"
}

type cloneJob struct {
	from trove.NVF
	to   *versions.Version
}

// Cloner creates clone changesets.
type Cloner struct {
	repo Repository
}

func New(repo Repository) *Cloner {
	return &Cloner{repo: repo}
}

type cloneState struct {
	opts   Options
	target *versions.Branch
	// all holds every trove being considered, by key.
	all map[string]*trove.Trove
	// versionMap maps a trove to the version it is cloned to, or was
	// cloned to before.
	versionMap map[string]*versions.Version
	// leafMap maps a trove to the newest trove of the same name and flavor
	// on the branch it is cloned to.
	leafMap map[string]trove.NVF
	jobs    []cloneJob
}

func sourceName(t *trove.Trove) string {
	if t.Info.SourceName != "" {
		return t.Info.SourceName
	}
	return trove.PackageName(t.Name) + ":source"
}

// CreateCloneChangeSet clones troves onto target.
func (c *Cloner) CreateCloneChangeSet(ctx context.Context, target *versions.Branch, troves []trove.NVF, opts Options) (_ *changeset.ChangeSet, retErr error) {
	ctx, end := log.SpanContext(ctx, "createCloneChangeSet", zap.Stringer("target", target), zap.Int("troves", len(troves)))
	defer end(log.Errorp(&retErr))
	s := &cloneState{
		opts:       opts,
		target:     target,
		all:        make(map[string]*trove.Trove),
		versionMap: make(map[string]*versions.Version),
		leafMap:    make(map[string]trove.NVF),
	}
	if err := c.closure(ctx, s, troves); err != nil {
		return nil, err
	}
	var sources, binaries []trove.NVF
	for _, t := range s.all {
		if trove.IsSource(t.Name) {
			sources = append(sources, t.NVF())
		} else {
			binaries = append(binaries, t.NVF())
		}
	}
	sortNVFs(sources)
	sortNVFs(binaries)
	if err := c.sourceVersions(ctx, s, sources); err != nil {
		return nil, err
	}
	if err := c.binaryVersions(ctx, s, binaries); err != nil {
		return nil, err
	}
	for _, j := range s.jobs {
		if !isUphill(j.from.Version.Branch(), j.to.Branch()) && !isSibling(j.from.Version.Branch(), j.to.Branch()) {
			return nil, errors.WithStack(&repoerr.CloneError{Msg: "clone only supports cloning troves to parent and sibling branches"})
		}
	}
	if len(s.jobs) == 0 {
		return nil, errors.WithStack(&repoerr.CloneError{Msg: "nothing to clone"})
	}
	return c.rewrite(ctx, s)
}

func sortNVFs(l []trove.NVF) {
	sort.Slice(l, func(i, j int) bool { return l[i].Key() < l[j].Key() })
}

// closure collects the requested troves and the troves they include.
func (c *Cloner) closure(ctx context.Context, s *cloneState, troves []trove.NVF) error {
	requested := make(map[string]bool)
	for _, n := range troves {
		requested[n.Key()] = true
	}
	seen := make(map[string]bool)
	toClone := troves
	for len(toClone) > 0 {
		var needed []trove.NVF
		for _, n := range toClone {
			if trove.IsFileset(n.Name) {
				return errors.WithStack(&repoerr.CloneError{Msg: "File sets cannot be cloned"})
			}
			if !seen[n.Key()] {
				seen[n.Key()] = true
				needed = append(needed, n)
			}
		}
		if len(needed) == 0 {
			break
		}
		got, err := c.repo.GetTroves(ctx, needed, false)
		if err != nil {
			return err
		}
		var next []trove.NVF
		for _, t := range got {
			if !trove.IsSource(t.Name) {
				src := sourceName(t)
				if !trove.IsComponent(t.Name) && !s.opts.FullRecurse {
					parent := trove.NVF{Name: trove.PackageName(src), Version: t.Version, Flavor: t.Flavor}
					if !requested[parent.Key()] {
						continue
					}
				}
				if s.opts.CloneSources {
					next = append(next, trove.NVF{Name: src, Version: t.Version.SourceVersion(), Flavor: deps.Empty})
				}
			}
			s.all[t.NVF().Key()] = t
			for _, r := range t.Troves(true, false) {
				next = append(next, r.NVF)
			}
		}
		toClone = next
	}
	return nil
}

// createSourceVersion picks the version a source is cloned to: its revision
// on target, with shadow counts truncated to the target's depth, never
// ending in a zero count, and bumped past versions already on target.
func createSourceVersion(target *versions.Branch, existing []*versions.Version, source *versions.Version) *versions.Version {
	rev := source.TrailingRevision()
	desired := target.CreateVersion(rev)
	if desired.ShadowLength() < rev.ShadowCount() {
		rev.SourceCount = rev.SourceCount.Truncate(desired.ShadowLength())
		desired = target.CreateVersion(rev)
	}
	if rev.SourceCount[len(rev.SourceCount)-1] == 0 {
		desired = desired.IncrementSourceCount()
	}
	for containsVersion(existing, desired) {
		desired = desired.IncrementSourceCount()
	}
	return desired
}

func containsVersion(l []*versions.Version, v *versions.Version) bool {
	for _, x := range l {
		if x.Equal(v) {
			return true
		}
	}
	return false
}

func (c *Cloner) latestTrove(ctx context.Context, name string, branch *versions.Branch) (*trove.Trove, error) {
	existing, err := c.repo.TroveVersionsByBranch(ctx, name, branch)
	if err != nil || len(existing) == 0 {
		return nil, err
	}
	got, err := c.repo.GetTroves(ctx, []trove.NVF{{Name: name, Version: existing[len(existing)-1], Flavor: deps.Empty}}, false)
	if err != nil {
		return nil, err
	}
	return got[0], nil
}

func (c *Cloner) sourceVersions(ctx context.Context, s *cloneState, sources []trove.NVF) error {
	for _, n := range sources {
		existing, err := c.repo.TroveVersionsByBranch(ctx, n.Name, s.target)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			latest := existing[len(existing)-1]
			s.leafMap[n.Key()] = trove.NVF{Name: n.Name, Version: latest, Flavor: n.Flavor}
			got, err := c.repo.GetTroves(ctx, []trove.NVF{{Name: n.Name, Version: latest, Flavor: deps.Empty}}, false)
			if err != nil {
				return err
			}
			if cf := got[0].Info.ClonedFrom; cf != nil && cf.Equal(n.Version) {
				s.versionMap[n.Key()] = got[0].Version
				continue
			}
		}
		v := createSourceVersion(s.target, existing, n.Version)
		s.versionMap[n.Key()] = v
		s.jobs = append(s.jobs, cloneJob{from: n, to: v})
	}
	return nil
}

// newSourceVersion finds the version of a source on the target branch when
// the source is not being cloned along with its binaries.
func (c *Cloner) newSourceVersion(ctx context.Context, s *cloneState, name string, source *versions.Version) (*versions.Version, error) {
	if v, ok := s.versionMap[trove.NVF{Name: name, Version: source, Flavor: deps.Empty}.Key()]; ok {
		return v, nil
	}
	if s.target.Equal(source.Branch()) {
		return source, nil
	}
	if source.IsShadow() && !source.IsModifiedShadow() {
		if p := source.ParentVersion(); p != nil && p.Branch().Equal(s.target) {
			return p, nil
		}
	}
	latest, err := c.latestTrove(ctx, name, s.target)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, errors.WithStack(&repoerr.CloneError{Msg: fmt.Sprintf("No versions of %s exist on branch %s.", name, s.target)})
	}
	if cf := latest.Info.ClonedFrom; cf != nil && cf.Equal(source) {
		return latest.Version, nil
	}
	return nil, errors.WithStack(&repoerr.CloneError{Msg: fmt.Sprintf("Cannot find cloned source for %s=%s", name, source)})
}

type sourceGroup struct {
	version  *versions.Version
	binaries []trove.NVF
}

func (c *Cloner) binaryVersions(ctx context.Context, s *cloneState, binaries []trove.NVF) error {
	bySource := make(map[string]*sourceGroup)
	var names []string
	for _, n := range binaries {
		t := s.all[n.Key()]
		src := sourceName(t)
		sv := t.Version.SourceVersion()
		g, ok := bySource[src]
		if !ok {
			g = &sourceGroup{version: sv}
			bySource[src] = g
			names = append(names, src)
		}
		if !g.version.Equal(sv) {
			return errors.WithStack(&repoerr.CloneError{Msg: fmt.Sprintf("Clone operation needs multiple versions of %s", src)})
		}
		g.binaries = append(g.binaries, n)
	}
	sort.Strings(names)
	for _, src := range names {
		g := bySource[src]
		newSource, err := c.newSourceVersion(ctx, s, src, g.version)
		if err != nil {
			return err
		}
		byFlavor := make(map[string][]trove.NVF)
		var flavors []string
		for _, n := range g.binaries {
			k := n.Flavor.String()
			if _, ok := byFlavor[k]; !ok {
				flavors = append(flavors, k)
			}
			byFlavor[k] = append(byFlavor[k], n)
		}
		sort.Strings(flavors)
		for _, f := range flavors {
			toClone, v, err := c.flavorVersion(ctx, s, newSource, byFlavor[f])
			if err != nil {
				return err
			}
			for _, n := range toClone {
				s.versionMap[n.Key()] = v
				s.jobs = append(s.jobs, cloneJob{from: n, to: v})
			}
		}
	}
	return nil
}

func nvfNames(l []trove.NVF) []string {
	out := make([]string, len(l))
	for i, n := range l {
		out[i] = n.Name
	}
	return out
}

// flavorVersion picks the version binaries of a single flavor, built from
// one source, are cloned to.  Binaries already cloned from the same versions
// are dropped from the returned list when every one of them agrees on the
// version.
func (c *Cloner) flavorVersion(ctx context.Context, s *cloneState, newSource *versions.Version, infos []trove.NVF) ([]trove.NVF, *versions.Version, error) {
	flavor := infos[0].Flavor
	branch := newSource.Branch()
	var dups []trove.NVF
	for _, n := range infos {
		leaf, err := c.repo.TroveLeafByBranch(ctx, n.Name, branch, flavor)
		if err != nil {
			return nil, nil, err
		}
		if leaf == nil {
			continue
		}
		s.leafMap[n.Key()] = trove.NVF{Name: n.Name, Version: leaf, Flavor: flavor}
		if leaf.SourceVersion().Equal(newSource) {
			dups = append(dups, trove.NVF{Name: n.Name, Version: leaf, Flavor: flavor})
		}
	}
	remaining := append([]trove.NVF(nil), infos...)
	var alreadyCloned []trove.NVF
	var clonedVer *versions.Version
	if len(dups) > 0 {
		existing, err := c.repo.GetTroves(ctx, dups, false)
		if err != nil {
			return nil, nil, err
		}
		for _, t := range existing {
			if t.Info.ClonedFrom == nil {
				continue
			}
			info := trove.NVF{Name: t.Name, Version: t.Info.ClonedFrom, Flavor: t.Flavor}
			idx := -1
			for i, r := range remaining {
				if r.Key() == info.Key() {
					idx = i
				}
			}
			if idx < 0 {
				continue
			}
			if clonedVer != nil && !clonedVer.Equal(t.Version) {
				if t.Version.IsAfter(clonedVer) {
					clonedVer = t.Version
					remaining = append(remaining, alreadyCloned...)
					alreadyCloned = nil
				}
				continue
			}
			clonedVer = t.Version
			remaining = append(remaining[:idx], remaining[idx+1:]...)
			alreadyCloned = append(alreadyCloned, info)
		}
	}
	if len(remaining) == 0 {
		for _, n := range alreadyCloned {
			s.versionMap[n.Key()] = clonedVer
		}
		return nil, nil, nil
	}
	flavors := []deps.Flavor{flavor}
	v, err := nextversion.NextVersion(ctx, c.repo, nil, nvfNames(remaining), newSource, flavors, nextversion.Options{})
	if err != nil {
		return nil, nil, err
	}
	if clonedVer != nil && !v.Equal(clonedVer) {
		remaining = append(remaining, alreadyCloned...)
		if v, err = nextversion.NextVersion(ctx, c.repo, nil, nvfNames(remaining), newSource, flavors, nextversion.Options{}); err != nil {
			return nil, nil, err
		}
	} else {
		for _, n := range alreadyCloned {
			s.versionMap[n.Key()] = clonedVer
		}
	}
	return remaining, v, nil
}

func isUphill(b, uphill *versions.Branch) bool {
	for {
		if b.Equal(uphill) {
			return true
		}
		if !b.HasParentBranch() {
			return false
		}
		b = b.ParentBranch()
	}
}

func isSibling(a, b *versions.Branch) bool {
	switch {
	case a.HasParentBranch() && b.HasParentBranch():
		return a.ParentBranch().Equal(b.ParentBranch())
	case !a.HasParentBranch() && !b.HasParentBranch():
		return true
	}
	return false
}

// needsRewrite reports whether a reference of kind to ref, found in a trove
// cloned from sourceBranch, must be moved to the target branch.
func (s *cloneState) needsRewrite(sourceBranch *versions.Branch, ref trove.NVF, kind refKind) bool {
	if kind == kindRef {
		_, ok := s.all[ref.Key()]
		return s.opts.FullRecurse || ok
	}
	if sourceBranch.Equal(s.target) {
		return false
	}
	return ref.Version.Branch().Equal(sourceBranch)
}

type mark struct {
	kind refKind
	ref  trove.NVF
}

// references lists every version in t that may need rewriting, except file
// versions and t's own version.
func references(t *trove.Trove, withInfo bool) []mark {
	var out []mark
	if withInfo {
		for _, n := range t.Info.LoadedTroves {
			out = append(out, mark{kindLoaded, n})
		}
		for _, n := range t.Info.BuildReqs {
			out = append(out, mark{kindBuildReq, n})
		}
	}
	for _, r := range t.Troves(true, true) {
		out = append(out, mark{kindRef, r.NVF})
	}
	return out
}

func replaceNVF(l []trove.NVF, old trove.NVF, v *versions.Version) {
	for i, n := range l {
		if n.Key() == old.Key() {
			l[i].Version = v
		}
	}
}

func (c *Cloner) resolveNeeds(ctx context.Context, s *cloneState, troves []*trove.Trove) error {
	needs := make(map[string][]mark)
	var order []string
	for i, t := range troves {
		sourceBranch := s.jobs[i].from.Version.Branch()
		for _, m := range references(t, s.opts.UpdateBuildInfo) {
			if !s.needsRewrite(sourceBranch, m.ref, m.kind) {
				continue
			}
			k := m.ref.Key()
			if _, ok := s.versionMap[k]; ok {
				continue
			}
			if _, ok := needs[k]; !ok {
				order = append(order, k)
			}
			needs[k] = append(needs[k], m)
		}
	}
	var missing []repoerr.CloneNeed
	for _, k := range order {
		ref := needs[k][0].ref
		leaf, err := c.repo.TroveLeafByBranch(ctx, ref.Name, s.target, ref.Flavor)
		if err != nil {
			return err
		}
		if leaf != nil {
			got, err := c.repo.GetTroves(ctx, []trove.NVF{{Name: ref.Name, Version: leaf, Flavor: ref.Flavor}}, false)
			if err != nil {
				return err
			}
			if cf := got[0].Info.ClonedFrom; leaf.Equal(ref.Version) || (cf != nil && cf.Equal(ref.Version)) {
				s.versionMap[k] = leaf
				continue
			}
		}
		for _, m := range needs[k] {
			missing = append(missing, repoerr.CloneNeed{
				Kind: m.kind.String(), Name: ref.Name, Version: ref.Version.String(), Flavor: ref.Flavor.String(),
			})
		}
	}
	if len(missing) > 0 {
		return errors.WithStack(&repoerr.CloneIncomplete{Needs: missing})
	}
	return nil
}

// rewriteLabelPath moves the cloned trove's label to the position of its old
// label in the label path.
func rewriteLabelPath(path []versions.Label, oldLabel, newLabel versions.Label) []versions.Label {
	oldIdx, newIdx := -1, -1
	for i, l := range path {
		if l == oldLabel && oldIdx < 0 {
			oldIdx = i
		}
		if l == newLabel && newIdx < 0 {
			newIdx = i
		}
	}
	if oldIdx < 0 {
		return path
	}
	out := append([]versions.Label(nil), path...)
	switch {
	case newIdx < 0:
		out[oldIdx] = newLabel
	case oldIdx > newIdx:
		out = append(out[:oldIdx], out[oldIdx+1:]...)
	default:
		out[oldIdx] = newLabel
		out = append(out[:newIdx], out[newIdx+1:]...)
	}
	return out
}

type neededFile struct {
	pathID, fileID string
}

func (c *Cloner) rewrite(ctx context.Context, s *cloneState) (*changeset.ChangeSet, error) {
	froms := make([]trove.NVF, len(s.jobs))
	for i, j := range s.jobs {
		froms[i] = j.from
	}
	troves, err := c.repo.GetTroves(ctx, froms, true)
	if err != nil {
		return nil, err
	}
	if err := c.resolveNeeds(ctx, s, troves); err != nil {
		return nil, err
	}
	cs := changeset.New()
	var needed []neededFile
	seenFiles := make(map[neededFile]bool)
	for i, t := range troves {
		j := s.jobs[i]
		sourceBranch := j.from.Version.Branch()
		newHost := j.to.Host()
		if t.Info.ClonedFrom == nil && s.opts.TrackClone {
			t.Info.ClonedFrom = t.Version
		}
		if len(t.Info.LabelPath) > 0 {
			t.Info.LabelPath = rewriteLabelPath(t.Info.LabelPath, t.Version.Branch().Label(), j.to.Branch().Label())
		}
		t.Version = j.to

		for _, f := range t.Files() {
			if f.Version.Host() != newHost {
				nf := neededFile{f.PathID, f.FileID}
				if !seenFiles[nf] {
					seenFiles[nf] = true
					needed = append(needed, nf)
				}
			}
		}
		for _, m := range references(t, s.opts.UpdateBuildInfo) {
			if !s.needsRewrite(sourceBranch, m.ref, m.kind) {
				continue
			}
			nv := s.versionMap[m.ref.Key()]
			switch m.kind {
			case kindLoaded:
				replaceNVF(t.Info.LoadedTroves, m.ref, nv)
			case kindBuildReq:
				replaceNVF(t.Info.BuildReqs, m.ref, nv)
			case kindRef:
				for _, r := range t.Troves(true, true) {
					if r.Key() == m.ref.Key() {
						t.RemoveTrove(r.NVF)
						t.AddTrove(trove.NVF{Name: r.Name, Version: nv, Flavor: r.Flavor}, r.ByDefault, r.Weak)
					}
				}
			}
		}

		var reversion []trove.FileRef
		for _, f := range t.Files() {
			if s.needsRewrite(sourceBranch, trove.NVF{Name: t.Name, Version: f.Version}, kindFile) {
				reversion = append(reversion, f)
			}
		}
		if len(reversion) > 0 {
			leafFiles := make(map[neededFile]*versions.Version)
			if leaf, ok := s.leafMap[j.from.Key()]; ok {
				got, err := c.repo.GetTroves(ctx, []trove.NVF{leaf}, true)
				if err != nil {
					return nil, err
				}
				for _, f := range got[0].Files() {
					leafFiles[neededFile{f.PathID, f.FileID}] = f.Version
				}
			}
			for _, f := range reversion {
				v, ok := leafFiles[neededFile{f.PathID, f.FileID}]
				if !ok {
					v = j.to
				}
				t.AddFile(f.PathID, f.Path, f.FileID, v)
			}
		}

		t.Info.Sigs = trove.Signatures{}
		if !s.opts.InfoOnly {
			if err := t.ComputeDigests(); err != nil {
				return nil, err
			}
		}
		cs.AddTrove(t.MakeDiff(nil, true))
		if !trove.IsComponent(t.Name) {
			cs.AddPrimary(t.NVF())
		}
		log.Debug(ctx, "cloned trove", log.Trove(t.Name, t.Version.String(), t.Flavor.String()), zap.Stringer("from", j.from.Version))
	}
	if s.opts.InfoOnly {
		return cs, nil
	}
	if err := c.addFiles(ctx, cs, needed); err != nil {
		return nil, err
	}
	return cs, nil
}

// addFiles copies the streams and contents of files that live on another
// host into cs.
func (c *Cloner) addFiles(ctx context.Context, cs *changeset.ChangeSet, needed []neededFile) error {
	if len(needed) == 0 {
		return nil
	}
	ids := make([]string, len(needed))
	for i, f := range needed {
		ids[i] = f.fileID
	}
	streams, err := c.repo.FileStreams(ctx, ids)
	if err != nil {
		return err
	}
	for i, f := range needed {
		stream := streams[i]
		if len(stream) == 0 {
			return errors.WithStack(&repoerr.FileStreamMissing{FileID: f.fileID})
		}
		cs.AddFileDiff("", f.fileID, stream)
		if !files.FrozenHasContents(stream) {
			continue
		}
		contents, err := files.FrozenContents(stream)
		if err != nil {
			return err
		}
		flags, err := files.FrozenFlags(stream)
		if err != nil {
			return err
		}
		data, err := c.repo.FileContents(ctx, contents.SHA1)
		if err != nil {
			return err
		}
		if err := cs.AddContents(f.pathID, f.fileID, changeset.Content{
			Type: changeset.ContentFile, Config: flags.IsConfig(), Data: data,
		}); err != nil {
			return err
		}
	}
	log.Info(ctx, "added files from other hosts to clone", zap.Int("files", len(needed)))
	return nil
}
