package contentstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
)

var _ Store = &FSStore{}

// FSStore keeps contents in a directory tree.  Writes go to a staging file
// that is renamed into place once its digest has been checked.
type FSStore struct {
	dir      string
	initOnce sync.Once
	initErr  error
}

func NewFSStore(dir string) *FSStore {
	return &FSStore{dir: dir}
}

func (s *FSStore) Has(ctx context.Context, sha1 string) (bool, error) {
	p, err := s.finalPathFor(sha1)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.EnsureStack(err)
	}
	return true, nil
}

func (s *FSStore) Put(ctx context.Context, sha1 string, r io.Reader) (_ int64, retErr error) {
	if err := s.ensureInit(ctx); err != nil {
		return 0, err
	}
	final, err := s.finalPathFor(sha1)
	if err != nil {
		return 0, err
	}
	staging := s.stagingPath()
	defer s.cleanupFile(ctx, &retErr, staging)
	f, err := os.OpenFile(staging, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, errors.EnsureStack(err)
	}
	vr := newVerifyingReader(r)
	if _, err := io.Copy(f, vr); err != nil {
		errors.Close(&err, f, "close staging file")
		return 0, errors.Wrap(err, "write staging file")
	}
	if err := f.Close(); err != nil {
		return 0, errors.Wrap(err, "close staging file")
	}
	if err := vr.check(sha1); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return 0, errors.EnsureStack(err)
	}
	if err := os.Rename(staging, final); err != nil {
		return 0, errors.EnsureStack(err)
	}
	log.Debug(ctx, "stored contents", zap.String("sha1", sha1), log.Size("size", vr.n))
	return vr.n, nil
}

func (s *FSStore) Open(ctx context.Context, sha1 string) (io.ReadCloser, error) {
	p, err := s.finalPathFor(sha1)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, s.transformError(err, sha1)
	}
	return f, nil
}

func (s *FSStore) Size(ctx context.Context, sha1 string) (int64, error) {
	p, err := s.finalPathFor(sha1)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return 0, s.transformError(err, sha1)
	}
	return info.Size(), nil
}

func (s *FSStore) stagingPath() string {
	return filepath.Join(s.dir, "staging", uuid.NewString())
}

func (s *FSStore) finalPathFor(sha1 string) (string, error) {
	rel, err := objectPath(sha1)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, "objects", filepath.FromSlash(rel)), nil
}

func (s *FSStore) ensureInit(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.init(ctx)
	})
	return s.initErr
}

func (s *FSStore) init(ctx context.Context) error {
	if err := os.RemoveAll(filepath.Join(s.dir, "staging")); err != nil {
		return errors.EnsureStack(err)
	}
	if err := os.MkdirAll(filepath.Join(s.dir, "staging"), 0o755); err != nil {
		return errors.EnsureStack(err)
	}
	if err := os.MkdirAll(filepath.Join(s.dir, "objects"), 0o755); err != nil {
		return errors.EnsureStack(err)
	}
	log.Info(ctx, "initialized content store", zap.String("root", s.dir))
	return nil
}

func (s *FSStore) transformError(err error, sha1 string) error {
	if os.IsNotExist(err) {
		return errors.Wrapf(ErrNotExist, "sha1 %s", sha1)
	}
	return errors.EnsureStack(err)
}

// cleanupFile removes a staging file left behind by a failed write.
func (s *FSStore) cleanupFile(ctx context.Context, retErr *error, p string) {
	err := os.Remove(p)
	if err == nil || os.IsNotExist(err) {
		return
	}
	if *retErr == nil {
		*retErr = errors.EnsureStack(err)
	} else {
		log.Error(ctx, "error deleting staging file", zap.Error(err))
	}
}
