package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pachyderm/troverepo/src/internal/changeset"
	"github.com/pachyderm/troverepo/src/internal/deps"
	"github.com/pachyderm/troverepo/src/internal/files"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
)

var (
	binData  = []byte("#!/bin/sh\necho foo\n")
	confData = []byte("a=1\nb=2\n")
)

func regular(pathID string, data []byte, flags files.Flags) *files.File {
	return &files.File{
		PathID:   pathID,
		Type:     files.TypeRegular,
		Inode:    files.Inode{Perms: 0o644, Owner: "root", Group: "root"},
		Flags:    flags,
		Contents: &files.Contents{Size: int64(len(data)), SHA1: files.ContentSHA1(data)},
	}
}

type runtimeTrove struct {
	trove        *trove.Trove
	binID, conID string
}

// commitRuntime commits foo:runtime at v1 with a binary and a config file.
func (f *fixture) commitRuntime(t *testing.T) runtimeTrove {
	t.Helper()
	bin, conf := regular("p1", binData, 0), regular("p2", confData, files.FlagConfig)
	binID, err := bin.FileID()
	require.NoError(t, err)
	confID, err := conf.FileID()
	require.NoError(t, err)
	tr := newTrove(t, "foo:runtime", v1, "ssl")
	tr.AddFile("p1", "/usr/bin/foo", binID, tr.Version)
	tr.AddFile("p2", "/etc/foo.conf", confID, tr.Version)

	cs := changeset.New()
	cs.AddTrove(tr.MakeDiff(nil, true))
	binStream, err := bin.Freeze()
	require.NoError(t, err)
	confStream, err := conf.Freeze()
	require.NoError(t, err)
	cs.AddFileDiff("", binID, binStream)
	cs.AddFileDiff("", confID, confStream)
	require.NoError(t, cs.AddContents("p1", binID, changeset.Content{Type: changeset.ContentFile, Data: binData}))
	require.NoError(t, cs.AddContents("p2", confID, changeset.Content{Type: changeset.ContentFile, Config: true, Data: confData}))
	f.commit(t, alice, cs)
	return runtimeTrove{trove: tr, binID: binID, conID: confID}
}

// download reads the file a changeset URL names.
func (f *fixture) download(t *testing.T, url string) string {
	t.Helper()
	name := strings.TrimPrefix(url, "http://repo.example.com/changeset?")
	require.NotEqual(t, url, name)
	return filepath.Join(f.cfg.TmpDir, name)
}

func TestGetChangeSet(t *testing.T) {
	f := newFixture(t)
	rt := f.commitRuntime(t)
	n := rt.trove.NVF()

	got := f.ok(t, anonymous, "getChangeSet", map[string]interface{}{
		"jobs":             []Job{{Name: n.Name, New: &VF{Version: n.Version, Flavor: n.Flavor}, Absolute: true}},
		"withFiles":        true,
		"withFileContents": true,
	})
	info := got.(*ChangeSetInfo)
	require.Len(t, info.URLs, 1)
	require.Empty(t, info.TrovesNeeded)
	require.Empty(t, info.FilesNeeded)

	path := f.download(t, info.URLs[0])
	st, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, st.Size(), info.Sizes[0])

	cs, err := changeset.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, cs.NewTroves(), 1)
	require.Len(t, cs.Primary(), 1)
	require.Equal(t, n.Key(), cs.Primary()[0].Key())
	c, ok := cs.Contents("p1", rt.binID)
	require.True(t, ok)
	require.Equal(t, binData, c.Data)
	c, ok = cs.Contents("p2", rt.conID)
	require.True(t, ok)
	require.True(t, c.Config)
	_, ok = cs.FileDiff("", rt.binID)
	require.True(t, ok)
}

func TestGetChangeSetMissingTrove(t *testing.T) {
	f := newFixture(t)
	v := version(t, v2)
	got := f.ok(t, alice, "getChangeSet", map[string]interface{}{
		"jobs": []Job{{Name: "foo", New: &VF{Version: v, Flavor: deps.Empty}, Absolute: true}},
	})
	info := got.(*ChangeSetInfo)
	cs, err := changeset.ReadFile(f.download(t, info.URLs[0]))
	require.NoError(t, err)
	require.Len(t, cs.NewTroves(), 1)
	d := cs.NewTroves()[0]
	require.Equal(t, trove.TypeRemoved, d.Type)
	require.True(t, d.Info.Flags.Missing)
}

func TestGetChangeSetDenied(t *testing.T) {
	f := newFixture(t)
	rt := f.commitRuntime(t)
	n := rt.trove.NVF()
	require.NoError(t, f.authz.DeleteAcl(f.ctx, "anonymous", "ALL", "ALL"))
	resp := f.call(t, anonymous, "getChangeSet", map[string]interface{}{
		"jobs": []Job{{Name: n.Name, New: &VF{Version: n.Version, Flavor: n.Flavor}, Absolute: true}},
	})
	requireKind(t, resp, new(*repoerr.InsufficientPermission))
}

func TestCommitChangeSet(t *testing.T) {
	actionOut := filepath.Join(t.TempDir(), "committed")
	f := newFixture(t, func(e *Env) { e.Config.CommitAction = "cat > " + actionOut })
	rt := f.commitRuntime(t)

	// the upload is gone once committed
	entries, err := filepath.Glob(filepath.Join(f.cfg.TmpDir, "*"+UploadSuffix))
	require.NoError(t, err)
	require.Empty(t, entries)

	out, err := os.ReadFile(actionOut)
	require.NoError(t, err)
	n := rt.trove.NVF()
	require.Equal(t, n.Name+"\n"+n.Version.Freeze()+"\n"+n.Flavor.String()+"\n", string(out))

	// committing the same trove again fails
	cs := changeset.New()
	cs.AddTrove(rt.trove.MakeDiff(nil, true))
	url := f.ok(t, alice, "prepareChangeSet", map[string]interface{}{"jobs": jobsFor(cs)}).(string)
	_, err = cs.WriteFile(f.download(t, url))
	require.NoError(t, err)
	requireKind(t, f.call(t, alice, "commitChangeSet", map[string]interface{}{"url": url}), new(*repoerr.CommitError))
}

func TestCommitChecks(t *testing.T) {
	f := newFixture(t)
	foo := newTrove(t, "foo", v1, "")
	cs := changeset.New()
	cs.AddTrove(foo.MakeDiff(nil, true))

	requireKind(t, f.call(t, anonymous, "prepareChangeSet", map[string]interface{}{"jobs": jobsFor(cs)}), new(*repoerr.InsufficientPermission))
	requireKind(t, f.call(t, alice, "prepareChangeSet", map[string]interface{}{"jobs": jobsFor(cs), "mirror": true}), new(*repoerr.InsufficientPermission))

	// URLs that prepareChangeSet did not hand out are refused
	for _, url := range []string{
		"http://elsewhere.example.com/changeset?x.ccs-in",
		"http://repo.example.com/changeset?../../etc/passwd",
		"http://repo.example.com/changeset?x.ccs-out",
	} {
		requireKind(t, f.call(t, alice, "commitChangeSet", map[string]interface{}{"url": url}), new(*repoerr.CommitError))
	}
}

func TestRequireSignatures(t *testing.T) {
	f := newFixture(t, func(e *Env) { e.Config.RequireSigs = true })
	foo := newTrove(t, "foo", v1, "")
	cs := changeset.New()
	cs.AddTrove(foo.MakeDiff(nil, true))
	url := f.ok(t, alice, "prepareChangeSet", map[string]interface{}{"jobs": jobsFor(cs)}).(string)
	_, err := cs.WriteFile(f.download(t, url))
	require.NoError(t, err)
	requireKind(t, f.call(t, alice, "commitChangeSet", map[string]interface{}{"url": url}), new(*repoerr.CommitError))
}

func TestFileAccess(t *testing.T) {
	f := newFixture(t)
	rt := f.commitRuntime(t)

	streams := f.ok(t, anonymous, "getFileVersions", map[string]interface{}{
		"files": []map[string]string{{"pathId": "p1", "fileId": rt.binID}},
	}).([][]byte)
	require.Len(t, streams, 1)
	require.True(t, files.FrozenHasContents(streams[0]))

	requireKind(t, f.call(t, anonymous, "getFileVersions", map[string]interface{}{
		"files": []map[string]string{{"pathId": "p9", "fileId": "0000"}},
	}), new(*repoerr.FileStreamMissing))

	info := f.ok(t, anonymous, "getFileContents", map[string]interface{}{
		"files": []map[string]interface{}{
			{"fileId": rt.binID, "version": rt.trove.Version},
			{"fileId": rt.conID, "version": rt.trove.Version},
		},
	}).(*FileContentsInfo)
	require.Equal(t, []int64{int64(len(binData)), int64(len(confData))}, info.Sizes)
	data, err := os.ReadFile(f.download(t, info.URL))
	require.NoError(t, err)
	require.Equal(t, string(binData)+string(confData), string(data))

	requireKind(t, f.call(t, anonymous, "getFileContents", map[string]interface{}{
		"files": []map[string]interface{}{{"fileId": rt.binID, "version": version(t, v2)}},
	}), new(*repoerr.FileStreamNotFound))

	require.NoError(t, f.authz.DeleteAcl(f.ctx, "anonymous", "ALL", "ALL"))
	requireKind(t, f.call(t, anonymous, "getFileVersions", map[string]interface{}{
		"files": []map[string]string{{"pathId": "p1", "fileId": rt.binID}},
	}), new(*repoerr.FileStreamMissing))
}

func TestSignatures(t *testing.T) {
	f := newFixture(t)
	foo := newTrove(t, "foo", v1, "")
	f.commitTroves(t, foo)
	sig := trove.DigitalSignature{KeyID: "k1", Timestamp: 1, Signature: []byte("sig")}
	args := map[string]interface{}{"trove": foo.NVF(), "signature": sig}

	requireKind(t, f.call(t, anonymous, "addNewSignature", args), new(*repoerr.InsufficientPermission))
	require.Equal(t, true, f.ok(t, alice, "addNewSignature", args))
	requireKind(t, f.call(t, alice, "addNewSignature", args), new(*repoerr.IntegrityError))

	infos := f.ok(t, anonymous, "getTroveInfo", map[string]interface{}{"troves": []trove.NVF{foo.NVF()}}).([]*trove.Info)
	require.Len(t, infos, 1)
	require.Equal(t, []trove.DigitalSignature{sig}, infos[0].Sigs.Digital)
}

func TestCommitLockRetry(t *testing.T) {
	for _, tc := range []struct {
		name       string
		failures   int
		wantWrites int
		wantErr    bool
	}{
		{name: "recovers", failures: 1, wantWrites: 2},
		{name: "gives up", failures: 10, wantWrites: 3, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var locked *lockedStore
			f := newFixture(t, func(e *Env) {
				locked = &lockedStore{Store: e.Store, failures: tc.failures, writesOnly: true}
				e.Store = locked
			})
			foo := newTrove(t, "foo", v1, "")
			cs := changeset.New()
			cs.AddTrove(foo.MakeDiff(nil, true))
			url := f.ok(t, alice, "prepareChangeSet", map[string]interface{}{"jobs": jobsFor(cs)}).(string)
			path := f.download(t, url)
			_, err := cs.WriteFile(path)
			require.NoError(t, err)

			resp := f.call(t, alice, "commitChangeSet", map[string]interface{}{"url": url})
			require.Equal(t, tc.wantWrites, locked.calls)
			_, err = os.Stat(path)
			require.True(t, os.IsNotExist(err), "upload should be removed")
			if tc.wantErr {
				var commitErr *repoerr.CommitError
				requireKind(t, resp, &commitErr)
				require.Equal(t, "DeadlockError", commitErr.Msg)
				return
			}
			require.NoError(t, resp.Err())
			infos := f.ok(t, anonymous, "getTroveInfo", map[string]interface{}{"troves": []trove.NVF{foo.NVF()}}).([]*trove.Info)
			require.Len(t, infos, 1)
		})
	}
}
