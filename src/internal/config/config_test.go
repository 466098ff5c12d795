package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/pachyderm/troverepo/src/internal/errors"
)

func TestParseFormat(t *testing.T) {
	for _, tc := range []struct {
		kind Kind
		in   string
		want string
	}{
		{KindString, " hello ", "hello"},
		{KindBool, "yes", "true"},
		{KindBool, "off", "false"},
		{KindInt, "42", "42"},
		{KindPath, "/srv//troverepo/", "/srv/troverepo"},
		{KindStringList, "a  b c", "a b c"},
		{KindLabel, "repo.example.com@rpl:devel", "repo.example.com@rpl:devel"},
		{KindLabelList, "repo.example.com@rpl:devel other.example.com@rpl:2", "repo.example.com@rpl:devel other.example.com@rpl:2"},
		{KindFlavor, "~!builddocs,ssl", "~!builddocs,ssl"},
		{KindServerMap, "*.example.com https://mirror.example.com/repo/", "*.example.com https://mirror.example.com/repo/"},
		{KindSize, "64MiB", "64MiB"},
		{KindDuration, "90", "1m30s"},
		{KindDuration, "2h", "2h0m0s"},
	} {
		t.Run(tc.kind.String()+"/"+tc.in, func(t *testing.T) {
			v, err := Parse(tc.kind, tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.kind, v.Kind())
			require.Equal(t, tc.want, v.String())
			again, err := Parse(tc.kind, v.String())
			require.NoError(t, err)
			require.Equal(t, v.String(), again.String())
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		kind Kind
		in   string
	}{
		{KindBool, "maybe"},
		{KindInt, "four"},
		{KindLabel, "no-at-sign"},
		{KindServerMap, "only-one-field"},
		{KindSize, "lots"},
		{KindDuration, "soon"},
	} {
		_, err := Parse(tc.kind, tc.in)
		require.Error(t, err, "%v %q", tc.kind, tc.in)
	}
}

func TestServerMapLookup(t *testing.T) {
	v, err := Parse(KindServerMap, "*.example.com https://a/\nrepo.other.org https://b/")
	require.NoError(t, err)
	m := v.(ServerMap)
	url, ok := m.Lookup("repo.example.com")
	require.True(t, ok)
	require.Equal(t, "https://a/", url)
	url, ok = m.Lookup("repo.other.org")
	require.True(t, ok)
	require.Equal(t, "https://b/", url)
	_, ok = m.Lookup("elsewhere.net")
	require.False(t, ok)
}

func TestDefaults(t *testing.T) {
	s, err := LoadServer("")
	require.NoError(t, err)
	require.Empty(t, s.ServerNames)
	require.Equal(t, 5, s.DeadlockRetry)
	require.Equal(t, 10*time.Second, s.ExternalTimeout)
	require.Equal(t, int64(2<<30), s.UploadLimit)
	require.True(t, s.CacheChangesets)
	require.True(t, s.DefaultFlavor.IsEmpty())
}

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "troverepo.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`serverName:
  - repo.example.com
  - mirror.example.com
contentsDir: /data/contents/
readOnlyRepository: yes
authCacheTimeout: 300
deadlockRetry: 2
uploadLimit: 512m
defaultFlavor: "ssl is: x86_64"
repositoryMap:
  "*.example.com": https://repo.example.com/
`), 0o644))
	s, err := LoadServer(p)
	require.NoError(t, err)
	require.Equal(t, []string{"repo.example.com", "mirror.example.com"}, s.ServerNames)
	require.Equal(t, "/data/contents", s.ContentsDir)
	require.True(t, s.ReadOnly)
	require.Equal(t, 5*time.Minute, s.AuthCacheTimeout)
	require.Equal(t, 2, s.DeadlockRetry)
	require.Equal(t, int64(512<<20), s.UploadLimit)
	require.Equal(t, "ssl is: x86_64", s.DefaultFlavor.String())
	if diff := cmp.Diff(ServerMap{{Pattern: "*.example.com", URL: "https://repo.example.com/"}}, s.RepositoryMap); diff != "" {
		t.Errorf("repository map (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name, doc string
		line      int
		msg       string
	}{
		{"unknown", "listen: x\nnoSuchOption: 1\n", 2, "unknown configuration option noSuchOption"},
		{"bad value", "listen: x\n\ndeadlockRetry: many\n", 3, "expected an integer"},
		{"bad list item", "serverName:\n  - a\nreadOnlyRepository: [true]\n", 3, "not a list"},
		{"syntax", "listen: x\nbad: indent: here\n", 2, "mapping values"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := New(ServerOptions()).LoadBytes("troverepo.yaml", []byte(tc.doc))
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "%v", err)
			require.Equal(t, tc.line, pe.Line)
			require.Contains(t, pe.Msg, tc.msg)
			require.Contains(t, err.Error(), "troverepo.yaml:")
		})
	}
}

func TestSetAppendReset(t *testing.T) {
	c := New(NewRegistry(
		Option{Name: "installLabelPath", Kind: KindLabelList},
		Option{Name: "name", Kind: KindString, Default: "x"},
	))
	require.NoError(t, c.Set("installLabelPath", "a.example.com@rpl:1"))
	require.NoError(t, c.Set("INSTALLLABELPATH", "b.example.com@rpl:2"))
	require.Equal(t, LabelList{
		{Host: "a.example.com", Namespace: "rpl", Tag: "1"},
		{Host: "b.example.com", Namespace: "rpl", Tag: "2"},
	}, c.Get("installLabelPath"))

	require.NoError(t, c.Set("name", "other"))
	out, err := c.Write()
	require.NoError(t, err)
	require.Equal(t, "installLabelPath:\n    - a.example.com@rpl:1\n    - b.example.com@rpl:2\nname: other\n", string(out))

	require.NoError(t, c.Reset("name"))
	require.Equal(t, String("x"), c.Get("name"))
	require.Error(t, c.Set("missing", "1"))
}

func TestRegisterPanics(t *testing.T) {
	require.Panics(t, func() { NewRegistry(Option{Name: "n", Kind: KindInt, Default: "x"}) })
	require.Panics(t, func() {
		NewRegistry(Option{Name: "n", Kind: KindInt, Default: "1"}, Option{Name: "N", Kind: KindInt, Default: "2"})
	})
}
