package server

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/pachyderm/troverepo/src/internal/changeset"
	"github.com/pachyderm/troverepo/src/internal/cmdutil"
	"github.com/pachyderm/troverepo/src/internal/commit"
	"github.com/pachyderm/troverepo/src/internal/cscache"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/internal/versions"
	"github.com/pachyderm/troverepo/src/server/auth"
)

const changesetPath = "changeset"

// Suffixes of the files clients move through the changeset URL.
const (
	UploadSuffix   = ".ccs-in"
	DownloadSuffix = ".ccs-out"
)

// ChangeSetInfo is the answer to getChangeSet.  URLs and Sizes have one
// entry per job.
type ChangeSetInfo struct {
	URLs         []string     `json:"urls"`
	Sizes        []int64      `json:"sizes"`
	TrovesNeeded []Job        `json:"trovesNeeded"`
	FilesNeeded  []FileNeeded `json:"filesNeeded"`
	// RemovedTroves is only sent to clients that understand removed
	// troves.
	RemovedTroves []trove.NVF `json:"removedTroves,omitempty"`
}

func (a *APIServer) isLocal(v *versions.Version) bool {
	for _, s := range a.env.Config.ServerNames {
		if s == v.Host() {
			return true
		}
	}
	return false
}

func (a *APIServer) changesetPrefix() string {
	base := a.env.Config.BaseURI
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + changesetPath + "?"
}

// changesetURL is the URL a changeset file is downloaded from or uploaded
// to.
func (a *APIServer) changesetURL(path string) string {
	return a.changesetPrefix() + filepath.Base(path)
}

func cacheKey(job Job, opts generateOptions) cscache.Key {
	var k cscache.Key
	if n := job.newNVF(); n != nil {
		k = cscache.KeyFor(job.oldNVF(), *n, job.Absolute)
	} else {
		o := job.oldNVF()
		k = cscache.Key{Name: o.Name, OldVersion: o.Version.String(), OldFlavor: o.Flavor.String(), Absolute: job.Absolute, Format: changeset.Latest}
	}
	k.Recurse = opts.Recurse
	k.WithFiles = opts.WithFiles
	k.WithFileContents = opts.WithFileContents
	k.ExcludeAutoSource = opts.ExcludeAutoSource
	return k
}

func flightKey(k cscache.Key) string {
	return strconv.FormatUint(xxh3.HashString(fmt.Sprintf("%+v", k)), 16)
}

// cached returns the cache entry for k, building it with gen on a miss.
// Concurrent misses for one key build it once.
func (a *APIServer) cached(ctx context.Context, k cscache.Key, gen func() (*changeset.ChangeSet, *jobResult, error)) (*cscache.Entry, *jobResult, error) {
	build := func() (interface{}, error) {
		e, err := a.env.Cache.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if e != nil {
			return e, nil
		}
		cs, res, err := gen()
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(res)
		if err != nil {
			return nil, errors.EnsureStack(err)
		}
		if e, err = a.env.Cache.Add(ctx, k, value); err != nil {
			return nil, err
		}
		if e.Size, err = cs.WriteFile(e.Path); err != nil {
			return nil, err
		}
		if err := a.env.Cache.SetSize(ctx, e.Row, e.Size); err != nil {
			return nil, err
		}
		log.Debug(ctx, "generated changeset", zap.String("trove", k.Name), zap.String("new", k.NewVersion), log.Size("size", e.Size))
		return e, nil
	}
	var v interface{}
	var err error
	if _, null := a.env.Cache.(*cscache.NullCache); null {
		// uncached files are removed once downloaded, so they cannot be shared
		v, err = build()
	} else {
		v, err, _ = a.flight.Do(flightKey(k), build)
	}
	if err != nil {
		return nil, nil, err
	}
	e := v.(*cscache.Entry)
	res := new(jobResult)
	if err := json.Unmarshal(e.Value, res); err != nil {
		return nil, nil, errors.Wrapf(err, "cached changeset %d", e.Row)
	}
	return e, res, nil
}

func (a *APIServer) generate(ctx context.Context, job Job, opts generateOptions) (cs *changeset.ChangeSet, res *jobResult, _ error) {
	err := a.env.Store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		g := newGenerator(tx, a.env.Contents, opts, a.isLocal)
		if err := g.add(ctx, job, true); err != nil {
			return err
		}
		cs, res = g.cs, &g.res
		return nil
	})
	return cs, res, err
}

// changeSetFor returns the changeset file for job in the format the client
// reads.
func (a *APIServer) changeSetFor(ctx context.Context, job Job, opts generateOptions, clientVersion int) (*cscache.Entry, *jobResult, error) {
	k := cacheKey(job, opts)
	latest := func() (*changeset.ChangeSet, *jobResult, error) { return a.generate(ctx, job, opts) }
	if clientVersion >= removedTrovesVersion {
		return a.cached(ctx, k, latest)
	}
	old := k
	old.Format = changeset.FormatV0
	return a.cached(ctx, old, func() (*changeset.ChangeSet, *jobResult, error) {
		e, res, err := a.cached(ctx, k, latest)
		if err != nil {
			return nil, nil, err
		}
		cs, err := changeset.ReadFile(e.Path)
		if err != nil {
			return nil, nil, err
		}
		if err := cs.Downgrade(changeset.FormatV0); err != nil {
			return nil, nil, err
		}
		return cs, res, nil
	})
}

func jobTroves(jobs []Job) []trove.NVF {
	var out []trove.NVF
	for _, j := range jobs {
		for _, n := range []*trove.NVF{j.oldNVF(), j.newNVF()} {
			if n != nil {
				out = append(out, *n)
			}
		}
	}
	return out
}

// checkAll fails unless tok may access every trove.
func (a *APIServer) checkAll(ctx context.Context, tok auth.Token, troves []trove.NVF, write, remove bool) error {
	if len(troves) == 0 {
		return nil
	}
	ok, err := a.env.Auth.BatchCheck(ctx, tok, troves, write, remove)
	if err != nil {
		return err
	}
	for _, b := range ok {
		if !b {
			return denied(tok)
		}
	}
	return nil
}

func (a *APIServer) getChangeSet(ctx context.Context, c *call) (interface{}, error) {
	var args struct {
		Jobs []Job `json:"jobs"`
		generateOptions
	}
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	for _, j := range args.Jobs {
		if err := j.check(); err != nil {
			return nil, err
		}
	}
	if err := a.checkAll(ctx, c.tok, jobTroves(args.Jobs), false, false); err != nil {
		return nil, err
	}
	info := &ChangeSetInfo{URLs: []string{}, Sizes: []int64{}, TrovesNeeded: []Job{}, FilesNeeded: []FileNeeded{}}
	for _, j := range args.Jobs {
		e, res, err := a.changeSetFor(ctx, j, args.generateOptions, c.clientVersion)
		if err != nil {
			return nil, err
		}
		// cached entries are checked again; permissions may have changed
		if err := a.checkAll(ctx, c.tok, res.Included, false, false); err != nil {
			return nil, err
		}
		info.URLs = append(info.URLs, a.changesetURL(e.Path))
		info.Sizes = append(info.Sizes, e.Size)
		info.TrovesNeeded = append(info.TrovesNeeded, res.TrovesNeeded...)
		info.FilesNeeded = append(info.FilesNeeded, res.FilesNeeded...)
		if c.clientVersion >= removedTrovesVersion {
			info.RemovedTroves = append(info.RemovedTroves, res.Removed...)
		}
	}
	return info, nil
}

// prepareChangeSet checks the caller may commit jobs and hands out a URL to
// upload the changeset to.
func (a *APIServer) prepareChangeSet(ctx context.Context, c *call) (interface{}, error) {
	var args struct {
		Jobs   []Job `json:"jobs"`
		Mirror bool  `json:"mirror"`
	}
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	var news []trove.NVF
	for _, j := range args.Jobs {
		if err := j.check(); err != nil {
			return nil, err
		}
		if n := j.newNVF(); n != nil {
			news = append(news, *n)
		}
	}
	if args.Mirror {
		ok, err := a.env.Auth.Check(ctx, c.tok, auth.CheckOptions{Mirror: true})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, denied(c.tok)
		}
	}
	if err := a.checkAll(ctx, c.tok, news, true, false); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.env.Config.TmpDir, 0o755); err != nil {
		return nil, errors.EnsureStack(err)
	}
	path := filepath.Join(a.env.Config.TmpDir, uuid.NewString()+UploadSuffix)
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	if err := f.Close(); err != nil {
		return nil, errors.EnsureStack(err)
	}
	return a.changesetURL(path), nil
}

// uploadPath maps an upload URL handed out by prepareChangeSet back to its
// file.
func (a *APIServer) uploadPath(url string) (string, error) {
	name := strings.TrimPrefix(url, a.changesetPrefix())
	if name == url || name == "" || strings.ContainsAny(name, "/\\") || !strings.HasSuffix(name, UploadSuffix) {
		return "", errors.WithStack(&repoerr.CommitError{Msg: "changeset was not uploaded to this repository"})
	}
	return filepath.Join(a.env.Config.TmpDir, name), nil
}

// commitChangeSet commits a changeset uploaded to a URL from
// prepareChangeSet, retrying the job while the database is locked.  The
// upload is removed once the commit succeeds or finally fails.
func (a *APIServer) commitChangeSet(ctx context.Context, c *call) (_ interface{}, retErr error) {
	var args struct {
		URL    string `json:"url"`
		Mirror bool   `json:"mirror"`
		Hidden bool   `json:"hidden"`
	}
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	path, err := a.uploadPath(args.URL)
	if err != nil {
		return nil, err
	}
	ctx, end := log.SpanContext(ctx, "CommitChangeSet", zap.String("upload", filepath.Base(path)))
	defer end(log.Errorp(&retErr))
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Error(ctx, "could not remove uploaded changeset", zap.Error(err))
		}
	}()
	cs, err := readUpload(path)
	if err != nil {
		return nil, err
	}
	if err := a.checkCommit(ctx, c.tok, cs, args.Mirror || args.Hidden); err != nil {
		return nil, err
	}

	opts := commit.Options{Hidden: args.Hidden, Mirror: args.Mirror}
	if a.env.Config.RequireSigs {
		opts.CheckSignatures = requireSignature
	}
	var res *commit.Result
	attempt := 0
	if err := a.retryLocked(ctx, "commit", func() error {
		attempt++
		// a rolled back job may have consumed the changeset
		if attempt > 1 {
			if cs, err = readUpload(path); err != nil {
				return err
			}
		}
		return a.env.Store.WithTx(ctx, false, func(ctx context.Context, tx trovedb.Tx) error {
			var err error
			res, err = commit.NewJob(a.env.Contents, opts).Apply(ctx, tx, cs)
			return err
		})
	}); err != nil {
		if errors.As(err, new(*repoerr.DatabaseLocked)) {
			return nil, errors.WithStack(&repoerr.CommitError{Msg: "DeadlockError"})
		}
		return nil, err
	}
	log.Info(ctx, "committed changeset", zap.Int("added", len(res.Added)), zap.Int("removed", len(res.Removed)), log.Size("stored", res.BytesStored))
	for _, n := range append(append([]trove.NVF(nil), res.Removed...), res.Added...) {
		// changesets built before the commit may show the trove as missing
		if err := a.env.Cache.Invalidate(ctx, n); err != nil {
			log.Error(ctx, "could not invalidate cached changesets", zap.Stringer("trove", n), zap.Error(err))
		}
	}
	a.runCommitAction(ctx, c.tok, res)
	return true, nil
}

func readUpload(path string) (*changeset.ChangeSet, error) {
	cs, err := changeset.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(&repoerr.CommitError{Msg: "cannot read changeset: " + err.Error()})
	}
	return cs, nil
}

// checkCommit checks write access to every trove the changeset adds or
// relates to, and remove access to every trove it removes.
func (a *APIServer) checkCommit(ctx context.Context, tok auth.Token, cs *changeset.ChangeSet, mirror bool) error {
	if mirror {
		ok, err := a.env.Auth.Check(ctx, tok, auth.CheckOptions{Mirror: true})
		if err != nil {
			return err
		}
		if !ok {
			return denied(tok)
		}
	}
	var writes, removes []trove.NVF
	for _, d := range cs.NewTroves() {
		if d.Type == trove.TypeRemoved && !d.Info.Flags.Missing {
			removes = append(removes, d.NewNVF())
			continue
		}
		writes = append(writes, d.NewNVF())
		if o, ok := d.OldNVF(); ok {
			writes = append(writes, o)
		}
	}
	if err := a.checkAll(ctx, tok, writes, true, false); err != nil {
		return err
	}
	for _, n := range removes {
		l := n.Version.TrailingLabel()
		ok, err := a.env.Auth.Check(ctx, tok, auth.CheckOptions{Remove: true, Label: &l, Trove: n.Name})
		if err != nil {
			return err
		}
		if !ok {
			return denied(tok)
		}
	}
	return nil
}

func requireSignature(t *trove.Trove) error {
	if len(t.Info.Sigs.Digital) == 0 {
		return errors.WithStack(&repoerr.CommitError{Msg: fmt.Sprintf("%s=%s[%s] is not signed", t.Name, t.Version, t.Flavor)})
	}
	return nil
}

// runCommitAction runs the configured command with the committed troves on
// its standard input, each trove as a name line, a frozen version line and
// a flavor line.  Failures are
// only logged; the commit already happened.
func (a *APIServer) runCommitAction(ctx context.Context, tok auth.Token, res *commit.Result) {
	action := a.env.Config.CommitAction
	if action == "" || len(res.Added) == 0 {
		return
	}
	var stdin strings.Builder
	for _, n := range res.Added {
		fmt.Fprintf(&stdin, "%s\n%s\n%s\n", n.Name, n.Version.Freeze(), n.Flavor.String())
	}
	var out strings.Builder
	ioObj := cmdutil.IO{
		Stdin:   strings.NewReader(stdin.String()),
		Stdout:  &out,
		Stderr:  &out,
		Environ: append(os.Environ(), "TROVEREPO_USER="+tok.User),
	}
	if err := cmdutil.RunIO(ctx, ioObj, "sh", "-c", action); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Error(ctx, "commit action failed", zap.Int("exitCode", exitErr.ExitCode()), zap.String("output", out.String()))
			return
		}
		log.Error(ctx, "commit action failed", zap.Error(err), zap.String("output", out.String()))
	}
}
