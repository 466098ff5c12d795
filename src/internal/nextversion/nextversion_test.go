package nextversion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pachyderm/troverepo/src/internal/deps"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/trove"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/internal/versions"
)

const devel = "/repo.example.com@rpl:devel"

type fakeRepo struct {
	found   map[string][]Found
	queries int
	labels  []versions.Label
	err     error
}

func (r *fakeRepo) TroveVersionsByLabel(ctx context.Context, names []string, labels []versions.Label) (map[string][]Found, error) {
	r.queries++
	r.labels = append(r.labels, labels...)
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[string][]Found)
	for _, n := range names {
		out[n] = r.found[n]
	}
	return out, nil
}

type fakeLocal map[string][]Found

func (l fakeLocal) TroveLeavesByBranch(ctx context.Context, names []string, branch *versions.Branch) (map[string][]Found, error) {
	out := make(map[string][]Found)
	for _, n := range names {
		out[n] = l[n]
	}
	return out, nil
}

func flavors(s ...string) []deps.Flavor {
	var out []deps.Flavor
	for _, f := range s {
		out = append(out, deps.MustParse(f))
	}
	return out
}

func existing(v string, f ...string) Found {
	return Found{Version: versions.MustParseVersion(v), Flavors: flavors(f...)}
}

func TestNextVersion(t *testing.T) {
	source := versions.MustParseVersion(devel + "/1.0-1")
	repo := &fakeRepo{found: map[string][]Found{
		"foo": {existing(devel+"/1.0-1-1", "ssl")},
	}}
	for _, tc := range []struct {
		name    string
		flavors []deps.Flavor
		opts    Options
		want    string
	}{
		{name: "overlapping flavor bumps", flavors: flavors("ssl"), want: devel + "/1.0-1-2"},
		{name: "disjoint flavor reuses", flavors: flavors("!ssl"), want: devel + "/1.0-1-1"},
		{name: "always bump", flavors: flavors("!ssl"), opts: Options{AlwaysBump: true}, want: devel + "/1.0-1-2"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := log.Test(t)
			v, err := NextVersion(ctx, repo, nil, []string{"foo:runtime", "foo:lib"}, source, tc.flavors, tc.opts)
			require.NoError(t, err)
			require.Equal(t, tc.want, v.String())
		})
	}
}

func TestNextVersionFirstBuild(t *testing.T) {
	ctx := log.Test(t)
	repo := &fakeRepo{found: map[string][]Found{
		// other source revisions and other packages do not count
		"foo": {existing(devel+"/0.9-1-4", "ssl")},
		"bar": {existing(devel+"/1.0-1-7", "ssl")},
	}}
	v, err := NextVersion(ctx, repo, nil, []string{"foo"}, versions.MustParseVersion(devel+"/1.0-1"), flavors("ssl"), Options{})
	require.NoError(t, err)
	require.Equal(t, devel+"/1.0-1-1", v.String())
	require.Equal(t, 1, repo.queries)
	require.Equal(t, "repo.example.com@rpl:devel", repo.labels[0].String())
}

func TestNextVersionHighestBuildCount(t *testing.T) {
	ctx := log.Test(t)
	repo := &fakeRepo{found: map[string][]Found{
		"foo": {
			existing(devel+"/1.0-1-3", "ssl"),
			existing(devel+"/1.0-1-1", "ssl"),
			existing(devel+"/1.0-1-2", "!ssl"),
		},
	}}
	v, err := NextVersion(ctx, repo, nil, []string{"foo"}, versions.MustParseVersion(devel+"/1.0-1"), flavors("!ssl"), Options{})
	require.NoError(t, err)
	require.Equal(t, devel+"/1.0-1-3", v.String())
}

func TestNextVersionTargetLabel(t *testing.T) {
	ctx := log.Test(t)
	repo := &fakeRepo{}
	target := versions.MustParseLabel("repo.example.com@rpl:shadow")
	v, err := NextVersion(ctx, repo, nil, []string{"foo"}, versions.MustParseVersion(devel+"/1.0-1"), flavors(""), Options{TargetLabel: &target})
	require.NoError(t, err)
	require.Equal(t, target, v.TrailingLabel())
	require.Equal(t, target, repo.labels[0])
	require.False(t, v.IsSourceVersion())
}

func TestNextVersionRepoError(t *testing.T) {
	ctx := log.Test(t)
	boom := errors.New("boom")
	_, err := NextVersion(ctx, &fakeRepo{err: boom}, nil, []string{"foo"}, versions.MustParseVersion(devel+"/1.0-1"), nil, Options{})
	require.ErrorIs(t, err, boom)
}

func TestNextVersionLocal(t *testing.T) {
	ctx := log.Test(t)
	repo := &fakeRepo{}
	source := versions.MustParseVersion("/local@local:LOCAL/1.0-1")
	local := fakeLocal{"foo": {existing("/local@local:LOCAL/1.0-1-1", "ssl")}}

	v, err := NextVersion(ctx, repo, local, []string{"foo:runtime"}, source, flavors("ssl"), Options{})
	require.NoError(t, err)
	require.Equal(t, "/local@local:LOCAL/1.0-1-2", v.String())
	require.Zero(t, repo.queries)

	v, err = NextVersion(ctx, repo, local, []string{"foo:runtime"}, source, flavors("!ssl"), Options{})
	require.NoError(t, err)
	require.Equal(t, "/local@local:LOCAL/1.0-1-1", v.String())
}

func TestNextVersions(t *testing.T) {
	ctx := log.Test(t)
	repo := &fakeRepo{found: map[string][]Found{
		"foo": {existing(devel+"/1.0-1-1", "ssl")},
		"bar": {existing(devel+"/2.0-1-1", "ssl")},
	}}
	got, err := NextVersions(ctx, repo, nil, []Job{
		{Source: versions.MustParseVersion(devel + "/1.0-1"), Names: []string{"foo"}, Flavors: flavors("ssl")},
		{Source: versions.MustParseVersion(devel + "/2.0-1"), Names: []string{"bar:runtime"}, Flavors: flavors("!ssl")},
		{Source: versions.MustParseVersion(devel + "/3.0-1"), Names: []string{"baz"}, Flavors: flavors("ssl")},
	}, false)
	require.NoError(t, err)
	require.Equal(t, 1, repo.queries)
	var strs []string
	for _, v := range got {
		strs = append(strs, v.String())
	}
	require.Equal(t, []string{devel + "/1.0-1-2", devel + "/2.0-1-1", devel + "/3.0-1-1"}, strs)
}

func TestStoreLookup(t *testing.T) {
	ctx := log.Test(t)
	store := trovedb.NewMemStore()
	v, err := versions.ThawVersion(devel + "/1000.000:1.0-1-1")
	require.NoError(t, err)
	require.NoError(t, store.WithTx(ctx, false, func(ctx context.Context, tx trovedb.Tx) error {
		for _, name := range []string{"foo", "foo:runtime"} {
			if err := tx.AddTrove(ctx, trove.New(name, v, deps.MustParse("ssl"), trove.TypeNormal), trovedb.AddOptions{}); err != nil {
				return err
			}
		}
		return nil
	}))
	lookup := NewStoreLookup(store)
	next, err := NextVersion(ctx, lookup, lookup, []string{"foo:runtime"}, versions.MustParseVersion(devel+"/1.0-1"), flavors("ssl"), Options{})
	require.NoError(t, err)
	require.Equal(t, devel+"/1.0-1-2", next.String())

	leaves, err := lookup.TroveLeavesByBranch(ctx, []string{"foo"}, v.Branch())
	require.NoError(t, err)
	require.Len(t, leaves["foo"], 1)
	require.Len(t, leaves["foo"][0].Flavors, 1)
}
