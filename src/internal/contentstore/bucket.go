package contentstore

import (
	"context"
	"io"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	// Bucket URL schemes understood by OpenBucket.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
)

var _ Store = &BucketStore{}

// BucketStore keeps contents in an object storage bucket.
type BucketStore struct {
	bucket *blob.Bucket
	prefix string
}

// NewBucketStore stores contents in bucket under prefix.
func NewBucketStore(bucket *blob.Bucket, prefix string) *BucketStore {
	return &BucketStore{bucket: bucket, prefix: prefix}
}

// OpenBucket opens a bucket URL such as file:///srv/contents or mem://.
func OpenBucket(ctx context.Context, url string) (*BucketStore, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "open bucket %s", url)
	}
	return NewBucketStore(bucket, "contents/"), nil
}

// Close closes the underlying bucket.
func (s *BucketStore) Close() error {
	return errors.EnsureStack(s.bucket.Close())
}

func (s *BucketStore) key(sha1 string) (string, error) {
	rel, err := objectPath(sha1)
	if err != nil {
		return "", err
	}
	return s.prefix + rel, nil
}

func (s *BucketStore) Has(ctx context.Context, sha1 string) (bool, error) {
	key, err := s.key(sha1)
	if err != nil {
		return false, err
	}
	ok, err := s.bucket.Exists(ctx, key)
	return ok, errors.Wrapf(err, "check contents %s", sha1)
}

func (s *BucketStore) Put(ctx context.Context, sha1 string, r io.Reader) (_ int64, retErr error) {
	key, err := s.key(sha1)
	if err != nil {
		return 0, err
	}
	// Cancelling the writer's context before Close discards the object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := s.bucket.NewWriter(wctx, key, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "create writer for %s", sha1)
	}
	vr := newVerifyingReader(r)
	if _, err := io.Copy(w, vr); err != nil {
		cancel()
		errors.JoinInto(&err, w.Close())
		return 0, errors.Wrapf(err, "write contents %s", sha1)
	}
	if err := vr.check(sha1); err != nil {
		cancel()
		if cerr := w.Close(); cerr != nil {
			log.Debug(ctx, "discarded contents", zap.String("sha1", sha1), zap.Error(cerr))
		}
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, errors.Wrapf(err, "commit contents %s", sha1)
	}
	return vr.n, nil
}

func (s *BucketStore) Open(ctx context.Context, sha1 string) (io.ReadCloser, error) {
	key, err := s.key(sha1)
	if err != nil {
		return nil, err
	}
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, transformBucketError(err, sha1)
	}
	return r, nil
}

func (s *BucketStore) Size(ctx context.Context, sha1 string) (int64, error) {
	key, err := s.key(sha1)
	if err != nil {
		return 0, err
	}
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return 0, transformBucketError(err, sha1)
	}
	return attrs.Size, nil
}

func transformBucketError(err error, sha1 string) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return errors.Wrapf(ErrNotExist, "sha1 %s", sha1)
	}
	return errors.Wrapf(err, "read contents %s", sha1)
}
