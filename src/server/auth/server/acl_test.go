package server

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"

	"github.com/pachyderm/troverepo/src/server/auth"
)

func TestCheckTrove(t *testing.T) {
	for _, tc := range []struct {
		pattern, name string
		want          bool
	}{
		{"ALL", "foo:runtime", true},
		{"", "foo", true},
		{"foo", "", true},
		{"foo", "foo", true},
		{"foo", "foo:runtime", false},
		{"foo:*", "foo:runtime", true},
		{"foo:*", "foo", false},
		{"*", "foo:lib", true},
		{"f*", "foo:lib", false},
		{"*:runtime", "bar:runtime", true},
		{"ba?", "baz", true},
	} {
		require.Equal(t, tc.want, checkTrove(tc.pattern, tc.name), "%q ~ %q", tc.pattern, tc.name)
	}
}

func TestPatternSetOrder(t *testing.T) {
	s := newPatternSet()
	for _, p := range []string{"ALL", "f*", "foo:*", "foo", "*", "fo?", "foo"} {
		require.NoError(t, s.add(p))
	}
	require.Equal(t, []string{"foo", "foo:*", "fo?", "f*", "ALL"}, s.patterns())

	p, ok := s.match("foo")
	require.True(t, ok)
	require.Equal(t, "foo", p)
	p, ok = s.match("fob")
	require.True(t, ok)
	require.Equal(t, "fo?", p)
	p, ok = s.match("bar:lib")
	require.True(t, ok)
	require.Equal(t, "ALL", p)

	require.Error(t, s.add("foo["))
}

var (
	fuzzPatterns = []string{"ALL", "foo", "foo:*", "f*", "*:runtime", "ba?", "bar", "bar:lib", "{foo,bar}:lib"}
	fuzzNames    = []string{"", "foo", "foo:runtime", "foo:lib", "bar", "bar:lib", "baz", "fizz:runtime"}
)

type fuzzACL struct {
	Pattern  int
	CanWrite bool
}

// TestCheckMatchesNaiveScan compares Check against granting access whenever
// any single ACL of the user matches.
func TestCheckMatchesNaiveScan(t *testing.T) {
	f := fuzz.NewWithSeed(1).NilChance(0).NumElements(0, 6).Funcs(
		func(a *fuzzACL, c fuzz.Continue) {
			a.Pattern = c.Intn(len(fuzzPatterns))
			a.CanWrite = c.RandBool()
		},
	)
	for i := 0; i < 200; i++ {
		var acls []fuzzACL
		f.Fuzz(&acls)
		ctx, a := newTestServer(t, Env{})
		require.NoError(t, a.AddUser(ctx, "alice", "secret"))
		added := make(map[string]bool)
		var granted []fuzzACL
		for _, acl := range acls {
			p := fuzzPatterns[acl.Pattern]
			if added[p] {
				continue
			}
			added[p] = true
			granted = append(granted, acl)
			require.NoError(t, a.AddAcl(ctx, auth.ACL{Group: "alice", Label: devel, Pattern: p, CanWrite: acl.CanWrite}))
		}
		for _, name := range fuzzNames {
			for _, write := range []bool{false, true} {
				var want bool
				for _, acl := range granted {
					if (!write || acl.CanWrite) && checkTrove(fuzzPatterns[acl.Pattern], name) {
						want = true
					}
				}
				got, err := a.Check(ctx, alice, auth.CheckOptions{Write: write, Label: label(t, devel), Trove: name, NoAnonymous: true})
				require.NoError(t, err)
				require.Equal(t, want, got, "acls %v, trove %q, write %v", granted, name, write)
			}
		}
	}
}
