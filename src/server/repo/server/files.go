package server

import (
	"bufio"
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pachyderm/troverepo/src/internal/contentstore"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/files"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/internal/versions"
	"github.com/pachyderm/troverepo/src/server/auth"
)

// ContentsSuffix ends the names of file contents downloads.
const ContentsSuffix = ".cf-out"

// visibleFiles returns, per file id, whether some trove tok can read references
// the file, at version when it is set.
func (a *APIServer) visibleFiles(ctx context.Context, tok auth.Token, ids []string, fileVersions []*versions.Version) ([]bool, [][]byte, error) {
	var streams [][]byte
	owners := make([][]trovedb.FileOwner, len(ids))
	if err := a.env.Store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		var err error
		if streams, err = tx.FileStreams(ctx, ids); err != nil {
			return err
		}
		for i, id := range ids {
			if owners[i], err = tx.FileOwners(ctx, id); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, nil, err
	}
	var items []auth.Item
	for i, l := range owners {
		for _, o := range l {
			if fileVersions != nil && !o.FileVersion.Equal(fileVersions[i]) {
				continue
			}
			items = append(items, auth.Item{Name: o.Name, Label: o.Version.TrailingLabel()})
		}
	}
	readable, err := a.env.Auth.Readable(ctx, tok, items)
	if err != nil {
		return nil, nil, err
	}
	visible := make([]bool, len(ids))
	n := 0
	for i, l := range owners {
		for _, o := range l {
			if fileVersions != nil && !o.FileVersion.Equal(fileVersions[i]) {
				continue
			}
			visible[i] = visible[i] || readable[n]
			n++
		}
	}
	return visible, streams, nil
}

// getFileVersions returns the frozen streams of files.  Streams no readable
// trove references are reported missing.
func (a *APIServer) getFileVersions(ctx context.Context, c *call) (interface{}, error) {
	var args struct {
		Files []struct {
			PathID string `json:"pathId"`
			FileID string `json:"fileId"`
		} `json:"files"`
	}
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	ids := make([]string, len(args.Files))
	for i, f := range args.Files {
		ids[i] = f.FileID
	}
	visible, streams, err := a.visibleFiles(ctx, c.tok, ids, nil)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(ids))
	for i, id := range ids {
		if !visible[i] || len(streams[i]) == 0 {
			return nil, errors.WithStack(&repoerr.FileStreamMissing{FileID: id})
		}
		out[i] = streams[i]
	}
	return out, nil
}

// FileContentsInfo locates the contents returned by getFileContents: one
// file holding every requested contents back to back.
type FileContentsInfo struct {
	URL   string  `json:"url"`
	Sizes []int64 `json:"sizes"`
}

// getFileContents collects the contents of files at given versions into a
// download.
func (a *APIServer) getFileContents(ctx context.Context, c *call) (_ interface{}, retErr error) {
	var args struct {
		Files []struct {
			FileID  string            `json:"fileId"`
			Version *versions.Version `json:"version"`
		} `json:"files"`
	}
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	ids := make([]string, len(args.Files))
	vers := make([]*versions.Version, len(args.Files))
	for i, f := range args.Files {
		if f.Version == nil {
			return nil, errors.WithStack(&repoerr.ParseError{Msg: "file " + f.FileID + " has no version"})
		}
		ids[i], vers[i] = f.FileID, f.Version
	}
	visible, streams, err := a.visibleFiles(ctx, c.tok, ids, vers)
	if err != nil {
		return nil, err
	}
	sha1s := make([]string, len(ids))
	for i, id := range ids {
		if !visible[i] || len(streams[i]) == 0 {
			return nil, errors.WithStack(&repoerr.FileStreamNotFound{FileID: id, Version: vers[i].String()})
		}
		if !files.FrozenHasContents(streams[i]) {
			return nil, errors.WithStack(&repoerr.FileContentsNotFound{FileID: id, Version: vers[i].String()})
		}
		contents, err := files.FrozenContents(streams[i])
		if err != nil {
			return nil, err
		}
		sha1s[i] = contents.SHA1
	}

	if err := os.MkdirAll(a.env.Config.TmpDir, 0o755); err != nil {
		return nil, errors.EnsureStack(err)
	}
	path := filepath.Join(a.env.Config.TmpDir, uuid.NewString()+ContentsSuffix)
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	defer func() {
		errors.Close(&retErr, f, "close %v", path)
		if retErr != nil {
			os.Remove(path) //nolint:errcheck
		}
	}()
	w := bufio.NewWriter(f)
	info := &FileContentsInfo{URL: a.changesetURL(path), Sizes: make([]int64, len(ids))}
	for i, sha1 := range sha1s {
		data, err := contentstore.Get(ctx, a.env.Contents, sha1)
		if errors.Is(err, contentstore.ErrNotExist) {
			return nil, errors.WithStack(&repoerr.FileContentsNotFound{FileID: ids[i], Version: vers[i].String()})
		}
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, errors.EnsureStack(err)
		}
		info.Sizes[i] = int64(len(data))
	}
	if err := w.Flush(); err != nil {
		return nil, errors.EnsureStack(err)
	}
	return info, nil
}
