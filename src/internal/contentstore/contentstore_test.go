package contentstore

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
)

func digest(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func testStore(t *testing.T, newStore func(t testing.TB) Store) {
	t.Run("PutGet", func(t *testing.T) {
		ctx := log.Test(t)
		s := newStore(t)
		d := digest("hello world\n")
		n, err := s.Put(ctx, d, strings.NewReader("hello world\n"))
		require.NoError(t, err)
		require.Equal(t, int64(12), n)
		b, err := Get(ctx, s, d)
		require.NoError(t, err)
		require.Equal(t, "hello world\n", string(b))
		size, err := s.Size(ctx, d)
		require.NoError(t, err)
		require.Equal(t, int64(12), size)
	})
	t.Run("Has", func(t *testing.T) {
		ctx := log.Test(t)
		s := newStore(t)
		d := digest("x")
		ok, err := s.Has(ctx, d)
		require.NoError(t, err)
		require.False(t, ok)
		_, err = s.Open(ctx, d)
		require.True(t, errors.Is(err, ErrNotExist))
		_, err = s.Size(ctx, d)
		require.True(t, errors.Is(err, ErrNotExist))

		_, err = s.Put(ctx, d, strings.NewReader("x"))
		require.NoError(t, err)
		ok, err = s.Has(ctx, d)
		require.NoError(t, err)
		require.True(t, ok)
	})
	t.Run("DigestMismatch", func(t *testing.T) {
		ctx := log.Test(t)
		s := newStore(t)
		d := digest("expected")
		_, err := s.Put(ctx, d, strings.NewReader("something else"))
		require.True(t, errors.Is(err, ErrDigestMismatch))
		ok, err := s.Has(ctx, d)
		require.NoError(t, err)
		require.False(t, ok)
	})
	t.Run("IdempotentPut", func(t *testing.T) {
		ctx := log.Test(t)
		s := newStore(t)
		d := digest("same")
		for i := 0; i < 3; i++ {
			_, err := s.Put(ctx, d, strings.NewReader("same"))
			require.NoError(t, err)
		}
		b, err := Get(ctx, s, d)
		require.NoError(t, err)
		require.Equal(t, "same", string(b))
	})
	t.Run("InvalidDigest", func(t *testing.T) {
		ctx := log.Test(t)
		s := newStore(t)
		_, err := s.Put(ctx, "not-a-digest", strings.NewReader(""))
		require.ErrorContains(t, err, "invalid sha1")
	})
}

func TestFSStore(t *testing.T) {
	testStore(t, func(t testing.TB) Store { return NewFSStore(t.TempDir()) })
}

func TestBucketStore(t *testing.T) {
	testStore(t, func(t testing.TB) Store {
		s := NewBucketStore(memblob.OpenBucket(nil), "contents/")
		t.Cleanup(func() { require.NoError(t, s.Close()) })
		return s
	})
}

func TestFSStoreLayout(t *testing.T) {
	ctx := log.Test(t)
	dir := t.TempDir()
	s := NewFSStore(dir)
	d := digest("layout")
	_, err := s.Put(ctx, d, strings.NewReader("layout"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "objects", d[:2], d[2:4], d[4:]))
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(dir, "staging"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestOpenBucket(t *testing.T) {
	ctx := log.Test(t)
	s, err := OpenBucket(ctx, "file://"+filepath.ToSlash(t.TempDir()))
	require.NoError(t, err)
	defer s.Close()
	d := digest("file bucket")
	_, err = s.Put(ctx, d, strings.NewReader("file bucket"))
	require.NoError(t, err)
	ok, err := s.Has(ctx, d)
	require.NoError(t, err)
	require.True(t, ok)
}
