package trovedb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pachyderm/troverepo/src/internal/deps"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
	"github.com/pachyderm/troverepo/src/internal/versions"
)

func thaw(t *testing.T, s string) *versions.Version {
	t.Helper()
	v, err := versions.ThawVersion(s)
	require.NoError(t, err)
	return v
}

func newTrove(t *testing.T, name, frozen, flavor string) *trove.Trove {
	t.Helper()
	v := thaw(t, frozen)
	tr := trove.New(name, v, deps.MustParse(flavor), trove.TypeNormal)
	tr.Info.SourceName = trove.PackageName(name) + ":source"
	return tr
}

func addTroves(t *testing.T, ctx context.Context, s Store, troves ...*trove.Trove) {
	t.Helper()
	require.NoError(t, s.WithTx(ctx, false, func(ctx context.Context, tx Tx) error {
		for _, tr := range troves {
			for _, f := range tr.Files() {
				if err := tx.AddFileStream(ctx, f.FileID, []byte("stream-"+f.FileID)); err != nil {
					return err
				}
			}
			if err := tx.AddTrove(ctx, tr, AddOptions{}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func keys(l []Instance) []string {
	var out []string
	for _, i := range l {
		out = append(out, i.Name+"="+i.Version.String()+"["+i.Flavor.String()+"]")
	}
	return out
}

const (
	devel1 = "/repo.example.com@rpl:devel/1000.000:1.0-1-1"
	devel2 = "/repo.example.com@rpl:devel/2000.000:1.0-1-2"
	qa1    = "/repo.example.com@rpl:qa/1500.000:1.0-1-1"
)

func TestInstances(t *testing.T) {
	ctx := log.Test(t)
	s := NewMemStore()
	addTroves(t, ctx, s,
		newTrove(t, "foo", devel1, "ssl"),
		newTrove(t, "foo", devel2, "ssl"),
		newTrove(t, "foo", devel1, "!ssl"),
		newTrove(t, "foo", qa1, "ssl"),
		newTrove(t, "bar", devel1, ""),
	)
	require.NoError(t, s.WithTx(ctx, true, func(ctx context.Context, tx Tx) error {
		all, err := tx.Instances(ctx, InstanceQuery{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		require.Equal(t, "bar", all[0].Name)

		leaves, err := tx.Instances(ctx, InstanceQuery{Names: []string{"foo"}, Leaves: true})
		require.NoError(t, err)
		require.Equal(t, []string{
			"foo=/repo.example.com@rpl:devel/1.0-1-1[!ssl]",
			"foo=/repo.example.com@rpl:qa/1.0-1-1[ssl]",
			"foo=/repo.example.com@rpl:devel/1.0-1-2[ssl]",
		}, keys(leaves))

		byLabel, err := tx.Instances(ctx, InstanceQuery{Select: SelectLabel, Specs: []string{"repo.example.com@rpl:qa"}})
		require.NoError(t, err)
		require.Len(t, byLabel, 1)

		byVersion, err := tx.Instances(ctx, InstanceQuery{
			Names:  []string{"foo"},
			Select: SelectVersion,
			Specs:  []string{"/repo.example.com@rpl:devel/1.0-1-1"},
		})
		require.NoError(t, err)
		require.Len(t, byVersion, 2)

		names, err := tx.TroveNames(ctx, "repo.example.com@rpl:devel")
		require.NoError(t, err)
		require.Equal(t, []NameLabel{
			{Name: "bar", Label: "repo.example.com@rpl:devel"},
			{Name: "foo", Label: "repo.example.com@rpl:devel"},
		}, names)
		return nil
	}))
}

func TestAddTroveTwice(t *testing.T) {
	ctx := log.Test(t)
	s := NewMemStore()
	addTroves(t, ctx, s, newTrove(t, "foo", devel1, ""))
	err := s.WithTx(ctx, false, func(ctx context.Context, tx Tx) error {
		return tx.AddTrove(ctx, newTrove(t, "foo", devel1, ""), AddOptions{})
	})
	var ce *repoerr.CommitError
	require.True(t, errors.As(err, &ce))
	require.Contains(t, ce.Msg, "already exists")
}

func TestAddTroveMissingStream(t *testing.T) {
	ctx := log.Test(t)
	s := NewMemStore()
	tr := newTrove(t, "foo:runtime", devel1, "")
	tr.AddFile("p1", "/usr/bin/foo", "f1", tr.Version)
	err := s.WithTx(ctx, false, func(ctx context.Context, tx Tx) error {
		return tx.AddTrove(ctx, tr, AddOptions{})
	})
	var fe *repoerr.FileStreamMissing
	require.True(t, errors.As(err, &fe))
	require.Equal(t, "f1", fe.FileID)
}

func TestRollback(t *testing.T) {
	ctx := log.Test(t)
	s := NewMemStore()
	boom := errors.New("boom")
	err := s.WithTx(ctx, false, func(ctx context.Context, tx Tx) error {
		if err := tx.AddTrove(ctx, newTrove(t, "foo", devel1, ""), AddOptions{}); err != nil {
			return err
		}
		if _, err := tx.AddGroup(ctx, "admins"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, s.WithTx(ctx, true, func(ctx context.Context, tx Tx) error {
		all, err := tx.Instances(ctx, InstanceQuery{Types: QueryAll})
		require.NoError(t, err)
		require.Empty(t, all)
		groups, err := tx.ListGroups(ctx)
		require.NoError(t, err)
		require.Empty(t, groups)
		return nil
	}))
}

func TestReadOnlyTx(t *testing.T) {
	ctx := log.Test(t)
	s := NewMemStore()
	err := s.WithTx(ctx, true, func(ctx context.Context, tx Tx) error {
		return tx.AddTrove(ctx, newTrove(t, "foo", devel1, ""), AddOptions{})
	})
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestHiddenTroves(t *testing.T) {
	ctx := log.Test(t)
	s := NewMemStore()
	tr := newTrove(t, "foo", devel1, "")
	require.NoError(t, s.WithTx(ctx, false, func(ctx context.Context, tx Tx) error {
		return tx.AddTrove(ctx, tr, AddOptions{Hidden: true})
	}))
	require.NoError(t, s.WithTx(ctx, true, func(ctx context.Context, tx Tx) error {
		all, err := tx.Instances(ctx, InstanceQuery{})
		require.NoError(t, err)
		require.Empty(t, all)
		has, err := tx.HasTroves(ctx, []trove.NVF{tr.NVF()})
		require.NoError(t, err)
		require.Equal(t, []bool{true}, has)
		return nil
	}))
	require.NoError(t, s.WithTx(ctx, false, func(ctx context.Context, tx Tx) error {
		return tx.PresentHiddenTroves(ctx)
	}))
	require.NoError(t, s.WithTx(ctx, true, func(ctx context.Context, tx Tx) error {
		all, err := tx.Instances(ctx, InstanceQuery{})
		require.NoError(t, err)
		require.Len(t, all, 1)
		return nil
	}))
}

func TestMarkTroveRemoved(t *testing.T) {
	ctx := log.Test(t)
	s := NewMemStore()
	tr := newTrove(t, "foo:runtime", devel1, "")
	tr.AddFile("p1", "/usr/bin/foo", "f1", tr.Version)
	tr.Info.BuildTime = 42
	addTroves(t, ctx, s, tr)
	require.NoError(t, s.WithTx(ctx, false, func(ctx context.Context, tx Tx) error {
		return tx.MarkTroveRemoved(ctx, tr.NVF())
	}))
	require.NoError(t, s.WithTx(ctx, true, func(ctx context.Context, tx Tx) error {
		present, err := tx.Instances(ctx, InstanceQuery{})
		require.NoError(t, err)
		require.Empty(t, present)
		all, err := tx.Instances(ctx, InstanceQuery{Types: QueryAll})
		require.NoError(t, err)
		require.Len(t, all, 1)
		require.Equal(t, trove.TypeRemoved, all[0].Type)

		got, err := tx.GetTroves(ctx, []trove.NVF{tr.NVF()}, true)
		require.NoError(t, err)
		require.Empty(t, got[0].Files())
		require.Equal(t, int64(42), got[0].Info.BuildTime)
		return nil
	}))
}

func TestGetTrovesWithoutFiles(t *testing.T) {
	ctx := log.Test(t)
	s := NewMemStore()
	tr := newTrove(t, "foo:runtime", devel1, "")
	tr.AddFile("p1", "/usr/bin/foo", "f1", tr.Version)
	addTroves(t, ctx, s, tr)
	missing := newTrove(t, "bar", devel1, "").NVF()
	require.NoError(t, s.WithTx(ctx, true, func(ctx context.Context, tx Tx) error {
		got, err := tx.GetTroves(ctx, []trove.NVF{tr.NVF(), missing}, false)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Empty(t, got[0].Files())
		require.Nil(t, got[1])

		withFiles, err := tx.GetTroves(ctx, []trove.NVF{tr.NVF()}, true)
		require.NoError(t, err)
		require.Len(t, withFiles[0].Files(), 1)

		streams, err := tx.FileStreams(ctx, []string{"f1", "nope"})
		require.NoError(t, err)
		require.Equal(t, [][]byte{[]byte("stream-f1"), nil}, streams)

		owners, err := tx.FileOwners(ctx, "f1")
		require.NoError(t, err)
		require.Len(t, owners, 1)
		require.Equal(t, "foo:runtime", owners[0].Name)
		return nil
	}))
}

func TestTroveParents(t *testing.T) {
	ctx := log.Test(t)
	s := NewMemStore()
	comp := newTrove(t, "foo:runtime", devel1, "")
	pkg := newTrove(t, "foo", devel1, "")
	pkg.AddTrove(comp.NVF(), true, false)
	group := newTrove(t, "group-dist", devel1, "")
	group.AddTrove(pkg.NVF(), true, false)
	addTroves(t, ctx, s, comp, pkg, group)
	require.NoError(t, s.WithTx(ctx, true, func(ctx context.Context, tx Tx) error {
		parents, err := tx.TroveParents(ctx, comp.NVF())
		require.NoError(t, err)
		require.Len(t, parents, 1)
		require.Equal(t, "foo", parents[0].Name)
		parents, err = tx.TroveParents(ctx, pkg.NVF())
		require.NoError(t, err)
		require.Len(t, parents, 1)
		require.Equal(t, "group-dist", parents[0].Name)
		return nil
	}))
}

func TestUsersAndGroups(t *testing.T) {
	ctx := log.Test(t)
	s := NewMemStore()
	require.NoError(t, s.WithTx(ctx, false, func(ctx context.Context, tx Tx) error {
		_, err := tx.AddUser(ctx, "alice", []byte("salt"), "hash")
		require.NoError(t, err)
		_, err = tx.AddUser(ctx, "alice", nil, "")
		var ue *repoerr.UserAlreadyExists
		require.True(t, errors.As(err, &ue))

		_, err = tx.AddGroup(ctx, "Writers")
		require.NoError(t, err)
		_, err = tx.AddGroup(ctx, "writers")
		var ge *repoerr.GroupAlreadyExists
		require.True(t, errors.As(err, &ge))

		require.NoError(t, tx.SetGroupMembers(ctx, "writers", []string{"alice"}))
		members, err := tx.GroupMembers(ctx, "WRITERS")
		require.NoError(t, err)
		require.Equal(t, []string{"alice"}, members)

		var nf *repoerr.UserNotFound
		require.True(t, errors.As(tx.SetGroupMembers(ctx, "writers", []string{"bob"}), &nf))

		require.NoError(t, tx.RenameGroup(ctx, "Writers", "committers"))
		g, err := tx.GetGroup(ctx, "committers")
		require.NoError(t, err)
		ids, err := tx.UserGroupIDs(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, []int64{g.ID}, ids)

		require.NoError(t, tx.SetGroupFlags(ctx, "committers", true, false))
		groups, err := tx.Groups(ctx, ids)
		require.NoError(t, err)
		require.True(t, groups[0].Admin)

		require.NoError(t, tx.DeleteUser(ctx, "alice"))
		ids, err = tx.UserGroupIDs(ctx, "alice")
		require.NoError(t, err)
		require.Empty(t, ids)
		return nil
	}))
}

func TestPermissions(t *testing.T) {
	ctx := log.Test(t)
	s := NewMemStore()
	require.NoError(t, s.WithTx(ctx, false, func(ctx context.Context, tx Tx) error {
		id, err := tx.AddGroup(ctx, "devs")
		require.NoError(t, err)
		require.NoError(t, tx.AddPermission(ctx, Permission{Group: "devs", Label: "repo.example.com@rpl:devel", Pattern: "foo.*", CanWrite: true}))
		require.NoError(t, tx.AddPermission(ctx, Permission{Group: "devs"}))
		var pe *repoerr.PermissionAlreadyExists
		require.True(t, errors.As(tx.AddPermission(ctx, Permission{Group: "devs"}), &pe))

		perms, err := tx.Permissions(ctx, []int64{id}, "repo.example.com@rpl:qa")
		require.NoError(t, err)
		require.Len(t, perms, 1)
		require.Equal(t, "", perms[0].Label)

		perms, err = tx.Permissions(ctx, []int64{id}, "")
		require.NoError(t, err)
		require.Len(t, perms, 2)

		require.NoError(t, tx.DeletePermission(ctx, "devs", "", ""))
		require.ErrorIs(t, tx.DeletePermission(ctx, "devs", "", ""), ErrNotFound)

		require.NoError(t, tx.DeleteGroup(ctx, "devs"))
		perms, err = tx.Permissions(ctx, []int64{id}, "")
		require.NoError(t, err)
		require.Empty(t, perms)
		return nil
	}))
}

func TestEntitlements(t *testing.T) {
	ctx := log.Test(t)
	s := NewMemStore()
	require.NoError(t, s.WithTx(ctx, false, func(ctx context.Context, tx Tx) error {
		reader, err := tx.AddGroup(ctx, "readers")
		require.NoError(t, err)
		_, err = tx.AddGroup(ctx, "owners")
		require.NoError(t, err)

		var uc *repoerr.UnknownEntitlementClass
		require.True(t, errors.As(tx.AddEntitlementKey(ctx, "customers", "k1"), &uc))

		require.NoError(t, tx.AddEntitlementClass(ctx, "customers", []string{"readers"}))
		var ge *repoerr.GroupAlreadyExists
		require.True(t, errors.As(tx.AddEntitlementClass(ctx, "customers", nil), &ge))

		require.NoError(t, tx.AddEntitlementKey(ctx, "customers", "k1"))
		require.NoError(t, tx.AddEntitlementKey(ctx, "customers", "k1"))
		keys, err := tx.EntitlementKeys(ctx, "customers")
		require.NoError(t, err)
		require.Equal(t, []string{"k1"}, keys)

		ids, err := tx.EntitlementGroupIDs(ctx, "customers", "k1")
		require.NoError(t, err)
		require.Equal(t, []int64{reader}, ids)
		ids, err = tx.EntitlementGroupIDs(ctx, "customers", "wrong")
		require.NoError(t, err)
		require.Empty(t, ids)

		require.NoError(t, tx.AddEntitlementOwner(ctx, "customers", "owners"))
		owners, err := tx.EntitlementOwners(ctx, "customers")
		require.NoError(t, err)
		require.Equal(t, []string{"owners"}, owners)

		require.NoError(t, tx.SetEntitlementAccessGroups(ctx, "customers", []string{"owners"}))
		access, err := tx.EntitlementAccessGroups(ctx, "customers")
		require.NoError(t, err)
		require.Equal(t, []string{"owners"}, access)

		var ie *repoerr.InvalidEntitlement
		require.True(t, errors.As(tx.DeleteEntitlementKey(ctx, "customers", "nope"), &ie))
		require.NoError(t, tx.DeleteEntitlementKey(ctx, "customers", "k1"))
		require.NoError(t, tx.DeleteEntitlementClass(ctx, "customers"))
		classes, err := tx.EntitlementClasses(ctx)
		require.NoError(t, err)
		require.Empty(t, classes)
		return nil
	}))
}

func TestTimestampsRoundTrip(t *testing.T) {
	s := formatTimestamps([]float64{1000, 1146093462.5})
	require.Equal(t, "1000.000:1146093462.500", s)
	ts, err := parseTimestamps(s)
	require.NoError(t, err)
	require.Equal(t, []float64{1000, 1146093462.5}, ts)
	v, err := loadVersion("/repo.example.com@rpl:devel/1.0-1-1", "1000.000")
	require.NoError(t, err)
	require.Equal(t, 1000.0, v.Timestamp())
}
