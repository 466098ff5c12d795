// Package contentstore stores file contents keyed by their sha1.  Contents
// are immutable once written; writing the same digest twice is harmless.
package contentstore

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
	"path"
	"regexp"

	"github.com/pachyderm/troverepo/src/internal/errors"
)

// ErrNotExist is returned when no contents are stored under a digest.
var ErrNotExist = errors.New("contents do not exist")

// ErrDigestMismatch is returned by Put when the data does not hash to the
// digest it was stored under.
var ErrDigestMismatch = errors.New("contents do not match their sha1")

var digestRegexp = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Store is a sha1-keyed content store.
type Store interface {
	// Has reports whether contents are stored under sha1.
	Has(ctx context.Context, sha1 string) (bool, error)
	// Put stores r under sha1.  The data is verified against the digest
	// before it becomes visible.
	Put(ctx context.Context, sha1 string, r io.Reader) (int64, error)
	// Open returns the contents stored under sha1, or ErrNotExist.
	Open(ctx context.Context, sha1 string) (io.ReadCloser, error)
	// Size returns the size of the contents stored under sha1.
	Size(ctx context.Context, sha1 string) (int64, error)
}

// objectPath is the relative path contents with the given digest live at,
// sharded by the first two bytes of the digest.
func objectPath(digest string) (string, error) {
	if !digestRegexp.MatchString(digest) {
		return "", errors.Errorf("invalid sha1 %q", digest)
	}
	return path.Join(digest[:2], digest[2:4], digest[4:]), nil
}

// verifyingReader hashes what passes through it.
type verifyingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func newVerifyingReader(r io.Reader) *verifyingReader {
	h := sha1.New()
	return &verifyingReader{r: io.TeeReader(r, h), h: h}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	v.n += int64(n)
	return n, err
}

func (v *verifyingReader) check(digest string) error {
	if got := hex.EncodeToString(v.h.Sum(nil)); got != digest {
		return errors.Wrapf(ErrDigestMismatch, "expected %s, got %s", digest, got)
	}
	return nil
}

// Get reads all contents stored under sha1.
func Get(ctx context.Context, s Store, sha1 string) (_ []byte, retErr error) {
	rc, err := s.Open(ctx, sha1)
	if err != nil {
		return nil, err
	}
	defer errors.Close(&retErr, rc, "close contents %s", sha1)
	b, err := io.ReadAll(rc)
	return b, errors.EnsureStack(err)
}
