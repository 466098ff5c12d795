// Package commit applies a changeset to a trove store.
//
// A Job walks the trove diffs of a changeset, rebuilds each new trove from
// its pristine predecessor, resolves the file streams the diff refers to,
// stages file contents in a content store, and writes the trove.  Removed
// troves are marked last so that diffs relative to them can still be
// applied.  Any error aborts the job; the caller's transaction rolls back
// every row written.
package commit

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pachyderm/troverepo/src/internal/changeset"
	"github.com/pachyderm/troverepo/src/internal/contentstore"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/files"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/internal/versions"
)

// State is the phase a Job is in.
type State int

const (
	StateParsingInput State = iota
	StateResolvingFileDiffs
	StateStagingContent
	StateValidatingIntegrity
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateParsingInput:
		return "parsing input"
	case StateResolvingFileDiffs:
		return "resolving file diffs"
	case StateStagingContent:
		return "staging content"
	case StateValidatingIntegrity:
		return "validating integrity"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options control a Job.
type Options struct {
	// FileHostFilter, when set, limits the file streams taken from the
	// changeset to files whose version lives on one of these hosts.  Other
	// files are recorded as placeholders.
	FileHostFilter []string
	// ResetTimestamps stamps every new version with the commit time.
	ResetTimestamps bool
	// AllowIncomplete accepts troves of a newer schema than this repository
	// understands.
	AllowIncomplete bool
	// Hidden troves are not visible until presented.
	Hidden bool
	// Mirror always restores contents, even when they did not change.
	Mirror bool

	// CheckCompleteness and CheckSignatures run on each rebuilt trove
	// before anything for it is written.
	CheckCompleteness func(*trove.Trove) error
	CheckSignatures   func(*trove.Trove) error
	// OldTrove is called with the pristine predecessor of each relative diff
	// and with every trove on the changeset's old-trove list.
	OldTrove func(ctx context.Context, t *trove.Trove) error
}

// Result describes a committed changeset.
type Result struct {
	Added   []trove.NVF
	Removed []trove.NVF
	// InvalidateRollbacks is set when a trove changed compatibility class.
	InvalidateRollbacks bool
	// ContentsStored counts the contents written to the content store.
	ContentsStored int
	BytesStored    int64
}

// Job applies one changeset.
type Job struct {
	contents contentstore.Store
	opts     Options
	state    State
}

func NewJob(contents contentstore.Store, opts Options) *Job {
	return &Job{contents: contents, opts: opts}
}

// State returns the phase the job reached.
func (j *Job) State() State { return j.state }

func (j *Job) setState(ctx context.Context, s State) {
	j.state = s
	log.Debug(ctx, "commit job state", zap.Stringer("state", s))
}

// restore is a file whose contents must be stored.
type restore struct {
	pathID  string
	fileID  string
	sha1    string
	config  bool
	oldFile *files.File
}

// Apply commits cs through tx.
func (j *Job) Apply(rctx context.Context, tx trovedb.Tx, cs *changeset.ChangeSet) (_ *Result, retErr error) {
	ctx, end := log.SpanContext(rctx, "commitJob")
	defer end(log.Errorp(&retErr))
	defer func() {
		if retErr != nil {
			j.setState(ctx, StateAborted)
		}
	}()
	j.setState(ctx, StateParsingInput)
	res := &Result{}
	diffs := cs.NewTroves()
	retime := j.retimer(diffs)

	var restores []restore
	for _, d := range diffs {
		if d.Type == trove.TypeRemoved {
			continue
		}
		r, err := j.applyDiff(ctx, tx, cs, d, retime, res)
		if err != nil {
			return nil, err
		}
		restores = append(restores, r...)
	}

	j.setState(ctx, StateStagingContent)
	if err := j.stageContents(ctx, cs, restores, res); err != nil {
		return nil, err
	}

	j.setState(ctx, StateValidatingIntegrity)
	for _, d := range diffs {
		if d.Type != trove.TypeRemoved {
			continue
		}
		if err := j.markRemoved(ctx, tx, d, retime); err != nil {
			return nil, err
		}
		res.Removed = append(res.Removed, d.NewNVF())
	}
	if j.opts.OldTrove != nil {
		for _, n := range cs.OldTroves() {
			got, err := tx.GetTroves(ctx, []trove.NVF{n}, true)
			if err != nil {
				return nil, err
			}
			if got[0] == nil {
				return nil, errors.WithStack(&repoerr.TroveMissing{Name: n.Name, Version: n.Version.String()})
			}
			if err := j.opts.OldTrove(ctx, got[0]); err != nil {
				return nil, err
			}
		}
	}
	j.setState(ctx, StateCommitted)
	log.Info(ctx, "committed changeset",
		zap.Int("added", len(res.Added)),
		zap.Int("removed", len(res.Removed)),
		zap.Int("contents", res.ContentsStored),
		log.Size("stored", res.BytesStored))
	return res, nil
}

// retimer returns the function that maps versions to the versions they are
// committed under.  Without ResetTimestamps it is the identity.
func (j *Job) retimer(diffs []*trove.Diff) func(*versions.Version) *versions.Version {
	if !j.opts.ResetTimestamps {
		return func(v *versions.Version) *versions.Version { return v }
	}
	reset := make(map[string]*versions.Version)
	for _, d := range diffs {
		k := d.NewVersion.String()
		if _, ok := reset[k]; !ok {
			reset[k] = d.NewVersion.ResetTimestamp()
		}
	}
	return func(v *versions.Version) *versions.Version {
		if v == nil {
			return nil
		}
		if nv, ok := reset[v.String()]; ok {
			return nv
		}
		return v
	}
}

func integrityErr(d *trove.Diff, msg string) error {
	return errors.WithStack(&repoerr.TroveIntegrityError{
		Name: d.Name, Version: d.NewVersion.String(), Flavor: d.NewFlavor.String(), Msg: msg,
	})
}

func (j *Job) hostAllowed(v *versions.Version) bool {
	for _, h := range j.opts.FileHostFilter {
		if v.Host() == h {
			return true
		}
	}
	return false
}

// applyDiff rebuilds and stores the trove d produces.  It returns the files
// whose contents still need to be stored.
func (j *Job) applyDiff(ctx context.Context, tx trovedb.Tx, cs *changeset.ChangeSet, d *trove.Diff, retime func(*versions.Version) *versions.Version, res *Result) ([]restore, error) {
	newNVF := d.NewNVF()
	has, err := tx.HasTroves(ctx, []trove.NVF{newNVF})
	if err != nil {
		return nil, err
	}
	if has[0] {
		return nil, errors.WithStack(&repoerr.CommitError{Msg: fmt.Sprintf("version %s of %s already exists", d.NewVersion, d.Name)})
	}

	var t *trove.Trove
	allowIncomplete := j.opts.AllowIncomplete
	if oldNVF, ok := d.OldNVF(); ok {
		got, err := tx.GetTroves(ctx, []trove.NVF{oldNVF}, true)
		if err != nil {
			return nil, err
		}
		if got[0] == nil {
			return nil, errors.WithStack(&repoerr.TroveMissing{Name: oldNVF.Name, Version: oldNVF.Version.String()})
		}
		if j.opts.OldTrove != nil {
			if err := j.opts.OldTrove(ctx, got[0]); err != nil {
				return nil, err
			}
		}
		if d.IsRollbackFence(got[0].Info.CompatibilityClass) {
			res.InvalidateRollbacks = true
		}
		t = got[0].Copy()
	} else {
		t = trove.New(d.Name, d.NewVersion, d.NewFlavor, d.Type)
		allowIncomplete = true
	}
	changes, err := t.ApplyDiff(d, allowIncomplete)
	if err != nil {
		return nil, err
	}
	if t.Info.Incomplete {
		log.Info(ctx, "trove uses a newer schema; dropping information this repository does not understand",
			log.Trove(t.Name, t.Version.String(), t.Flavor.String()),
			zap.Int("troveVersion", t.Info.TroveVersion),
			zap.Int("schemaVersion", trove.SchemaVersion))
	}
	j.retime(t, retime)

	if j.opts.CheckCompleteness != nil {
		if err := j.opts.CheckCompleteness(t); err != nil {
			return nil, err
		}
	}
	if j.opts.CheckSignatures != nil {
		if err := j.opts.CheckSignatures(t); err != nil {
			return nil, err
		}
	}

	j.setState(ctx, StateResolvingFileDiffs)
	var restores []restore
	for _, f := range t.Files() {
		change, changed := changes[f.PathID]
		r, err := j.resolveFile(ctx, tx, cs, d, f, change, changed)
		if err != nil {
			return nil, err
		}
		if r != nil {
			restores = append(restores, *r)
		}
	}
	if err := tx.AddTrove(ctx, t, trovedb.AddOptions{Hidden: j.opts.Hidden}); err != nil {
		return nil, err
	}
	res.Added = append(res.Added, t.NVF())
	log.Debug(ctx, "added trove", log.Trove(t.Name, t.Version.String(), t.Flavor.String()))
	return restores, nil
}

// retime moves t, its files, and its references to the versions they are
// committed under.
func (j *Job) retime(t *trove.Trove, retime func(*versions.Version) *versions.Version) {
	if !j.opts.ResetTimestamps {
		return
	}
	t.Version = retime(t.Version)
	for _, f := range t.Files() {
		t.AddFile(f.PathID, f.Path, f.FileID, retime(f.Version))
	}
	for _, r := range t.Troves(true, true) {
		nv := retime(r.Version)
		if nv == r.Version {
			continue
		}
		t.RemoveTrove(r.NVF)
		t.AddTrove(trove.NVF{Name: r.Name, Version: nv, Flavor: r.Flavor}, r.ByDefault, r.Weak)
	}
}

func (j *Job) oldFile(ctx context.Context, tx trovedb.Tx, pathID, fileID string) (*files.File, error) {
	streams, err := tx.FileStreams(ctx, []string{fileID})
	if err != nil {
		return nil, err
	}
	if len(streams[0]) == 0 {
		return nil, errors.WithStack(&repoerr.FileStreamMissing{FileID: fileID})
	}
	return files.Thaw(streams[0], pathID)
}

// resolveFile stores the stream of one file of the new trove and reports the
// contents it needs, if any.
func (j *Job) resolveFile(ctx context.Context, tx trovedb.Tx, cs *changeset.ChangeSet, d *trove.Diff, f trove.FileRef, change trove.FileChange, changed bool) (*restore, error) {
	filtered := len(j.opts.FileHostFilter) > 0
	if filtered && !j.hostAllowed(f.Version) {
		return nil, errors.EnsureStack(tx.AddFileStream(ctx, f.FileID, nil))
	}
	if !changed || (change.Old && change.OldVersion.Equal(f.Version) && change.OldFileID == f.FileID) {
		return nil, nil
	}
	oldFileID := ""
	if change.Old {
		oldFileID = change.OldFileID
	}
	diff, ok := cs.FileDiff(oldFileID, f.FileID)
	if !ok {
		if !filtered {
			return nil, errors.WithStack(&repoerr.IntegrityError{
				Msg: fmt.Sprintf("Incomplete changeset specified: missing file diff for pathId %s fileId %s", f.PathID, f.FileID),
			})
		}
		streams, err := tx.FileStreams(ctx, []string{f.FileID})
		if err != nil {
			return nil, err
		}
		if len(streams[0]) == 0 {
			return nil, errors.WithStack(&repoerr.IntegrityError{
				Msg: fmt.Sprintf("Incomplete changeset specified: missing pathId %s fileId %s", f.PathID, f.FileID),
			})
		}
		return nil, nil
	}

	var fileObj, oldFile *files.File
	restoreContents := true
	switch {
	case files.IsDiff(diff):
		if !change.Old {
			return nil, integrityErr(d, "relative file diff for a new file")
		}
		var err error
		if oldFile, err = j.oldFile(ctx, tx, f.PathID, change.OldFileID); err != nil {
			return nil, err
		}
		if fileObj, err = files.ApplyDiff(oldFile, diff); err != nil {
			return nil, integrityErr(d, err.Error())
		}
		if !j.opts.Mirror && fileObj.HasContents() && oldFile.Contents != nil && fileObj.Contents.SHA1 == oldFile.Contents.SHA1 &&
			!(fileObj.Flags.IsConfig() && !oldFile.Flags.IsConfig()) {
			restoreContents = false
		}
	default:
		var err error
		if fileObj, err = files.Thaw(diff, f.PathID); err != nil {
			return nil, integrityErr(d, err.Error())
		}
	}
	fileID, err := fileObj.FileID()
	if err != nil {
		return nil, err
	}
	if fileID != f.FileID {
		return nil, integrityErr(d, "fileObj.fileId() != fileId in changeset")
	}
	stream, err := fileObj.Freeze()
	if err != nil {
		return nil, err
	}
	if err := tx.AddFileStream(ctx, f.FileID, stream); err != nil {
		return nil, err
	}
	if !restoreContents || !fileObj.HasContents() || fileObj.Contents == nil {
		return nil, nil
	}
	return &restore{
		pathID:  f.PathID,
		fileID:  f.FileID,
		sha1:    fileObj.Contents.SHA1,
		config:  fileObj.Flags.IsConfig(),
		oldFile: oldFile,
	}, nil
}

// stageContents stores the contents of every restore.  Pointer contents are
// resolved after everything else is stored, against the digests the first
// pass made available.
func (j *Job) stageContents(ctx context.Context, cs *changeset.ChangeSet, restores []restore, res *Result) error {
	sort.SliceStable(restores, func(a, b int) bool {
		if restores[a].pathID != restores[b].pathID {
			return restores[a].pathID < restores[b].pathID
		}
		return restores[a].fileID < restores[b].fileID
	})
	var ptrs []restore
	var last changeset.Key
	for _, r := range restores {
		k := changeset.Key{PathID: r.pathID, FileID: r.fileID}
		if k == last {
			continue
		}
		last = k
		have, err := j.contents.Has(ctx, r.sha1)
		if err != nil {
			return err
		}
		if have {
			continue
		}
		var data []byte
		switch {
		case r.config && cs.ConfigFileIsDiff(r.pathID, r.fileID):
			if data, err = j.patchConfig(ctx, cs, r); err != nil {
				return err
			}
		default:
			c, ok := cs.Contents(r.pathID, r.fileID)
			if !ok {
				return errors.WithStack(&repoerr.IntegrityError{
					Msg: fmt.Sprintf("Missing file contents for pathId %s, fileId %s", r.pathID, r.fileID),
				})
			}
			if c.Type == changeset.ContentPtr {
				ptrs = append(ptrs, r)
				continue
			}
			if c.Type != changeset.ContentFile {
				return errors.WithStack(&repoerr.IntegrityError{
					Msg: fmt.Sprintf("contents for pathId %s, fileId %s are a %v, not a file", r.pathID, r.fileID, c.Type),
				})
			}
			data = c.Data
		}
		if err := j.put(ctx, r.sha1, data, res); err != nil {
			return err
		}
	}
	for _, r := range ptrs {
		have, err := j.contents.Has(ctx, r.sha1)
		if err != nil {
			return err
		}
		if !have {
			return errors.WithStack(&repoerr.IntegrityError{
				Msg: fmt.Sprintf("unresolved contents pointer for pathId %s, fileId %s", r.pathID, r.fileID),
			})
		}
	}
	return nil
}

func (j *Job) put(ctx context.Context, sha1 string, data []byte, res *Result) error {
	n, err := j.contents.Put(ctx, sha1, bytes.NewReader(data))
	if errors.Is(err, contentstore.ErrDigestMismatch) {
		return errors.WithStack(&repoerr.IntegrityError{Msg: fmt.Sprintf("contents do not match sha1 %s", sha1)})
	}
	if err != nil {
		return err
	}
	res.ContentsStored++
	res.BytesStored += n
	return nil
}

// patchConfig applies a config file patch from the changeset to the
// contents of the file's previous version.
func (j *Job) patchConfig(ctx context.Context, cs *changeset.ChangeSet, r restore) ([]byte, error) {
	missing := errors.WithStack(&repoerr.IntegrityError{
		Msg: fmt.Sprintf("Missing file contents for pathId %s, fileId %s", r.pathID, r.fileID),
	})
	if r.oldFile == nil || r.oldFile.Contents == nil {
		return nil, missing
	}
	old, err := contentstore.Get(ctx, j.contents, r.oldFile.Contents.SHA1)
	if errors.Is(err, contentstore.ErrNotExist) {
		return nil, missing
	}
	if err != nil {
		return nil, err
	}
	c, _ := cs.Contents(r.pathID, r.fileID)
	patched, err := files.ApplyPatch(old, c.Data)
	if err != nil {
		return nil, errors.WithStack(&repoerr.IntegrityError{
			Msg: fmt.Sprintf("config patch for pathId %s, fileId %s failed: %v", r.pathID, r.fileID, err),
		})
	}
	if got := files.ContentSHA1(patched); got != r.sha1 {
		return nil, errors.WithStack(&repoerr.IntegrityError{
			Msg: fmt.Sprintf("patched config for pathId %s, fileId %s has sha1 %s, expected %s\n%s",
				r.pathID, r.fileID, got, r.sha1, files.UnifiedDiff("old", "patched", old, patched)),
		})
	}
	return patched, nil
}

// markRemoved records a removed trove.  A removed trove the store has never
// seen is added as a removed instance.
func (j *Job) markRemoved(ctx context.Context, tx trovedb.Tx, d *trove.Diff, retime func(*versions.Version) *versions.Version) error {
	n := d.NewNVF()
	has, err := tx.HasTroves(ctx, []trove.NVF{n})
	if err != nil {
		return err
	}
	if has[0] {
		return tx.MarkTroveRemoved(ctx, n)
	}
	t, err := trove.FromDiff(d)
	if err != nil {
		return err
	}
	t.Version = retime(t.Version)
	return tx.AddTrove(ctx, t, trovedb.AddOptions{Hidden: j.opts.Hidden})
}
