package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/server/auth"
)

func TestAddUser(t *testing.T) {
	ctx, a := newTestServer(t, Env{})
	require.NoError(t, a.AddUser(ctx, "alice", "secret"))

	users, err := a.ListUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, users)
	groups, err := a.GetUserGroups(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, groups)
	members, err := a.GetGroupMembers(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, members)

	for _, dup := range []string{"alice", "Alice"} {
		err := a.AddUser(ctx, dup, "x")
		require.True(t, errors.As(err, new(*repoerr.UserAlreadyExists)), "%s: %v", dup, err)
	}
	err = a.AddUser(ctx, "bad name", "x")
	require.True(t, errors.As(err, new(*repoerr.InvalidName)), "%v", err)
	err = a.AddGroup(ctx, "ALICE")
	require.True(t, errors.As(err, new(*repoerr.GroupAlreadyExists)), "%v", err)

	users, err = a.ListUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, users, "failed adds roll back")

	require.NoError(t, a.DeleteUser(ctx, "alice"))
	users, err = a.ListUsers(ctx)
	require.NoError(t, err)
	require.Empty(t, users)
	names, err := a.ListGroups(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestChangePassword(t *testing.T) {
	ctx, a := newTestServer(t, Env{})
	require.NoError(t, a.AddUser(ctx, "alice", "secret"))
	require.NoError(t, a.ChangePassword(ctx, "alice", "hunter2"))

	res, err := a.ResolveGroups(ctx, alice, false)
	require.NoError(t, err)
	require.Equal(t, auth.DeniedRetryAnonymous{}, res)

	res, err = a.ResolveGroups(ctx, auth.Token{User: "alice", Password: "hunter2"}, false)
	require.NoError(t, err)
	require.IsType(t, auth.Authorized{}, res)

	err = a.ChangePassword(ctx, "bob", "x")
	require.True(t, errors.As(err, new(*repoerr.UserNotFound)), "%v", err)
}

func TestGroups(t *testing.T) {
	ctx, a := newTestServer(t, Env{})
	require.NoError(t, a.AddUser(ctx, "alice", "secret"))
	require.NoError(t, a.AddGroup(ctx, "devs"))
	require.NoError(t, a.UpdateGroupMembers(ctx, "devs", []string{"alice"}))

	groups, err := a.GetUserGroups(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "devs"}, groups)

	err = a.UpdateGroupMembers(ctx, "devs", []string{"alice", "mallory"})
	require.True(t, errors.As(err, new(*repoerr.UserNotFound)), "%v", err)
	members, err := a.GetGroupMembers(ctx, "devs")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, members)

	require.NoError(t, a.AddAcl(ctx, auth.ACL{Group: "devs", Label: devel, Pattern: "foo"}))
	require.NoError(t, a.RenameGroup(ctx, "devs", "developers"))
	require.NoError(t, a.RenameGroup(ctx, "developers", "developers"))
	err = a.RenameGroup(ctx, "developers", "bad name")
	require.True(t, errors.As(err, new(*repoerr.InvalidName)), "%v", err)
	err = a.RenameGroup(ctx, "developers", "Alice")
	require.True(t, errors.As(err, new(*repoerr.GroupAlreadyExists)), "%v", err)

	acls, err := a.ListAcls(ctx, "developers")
	require.NoError(t, err)
	require.Equal(t, []auth.ACL{{Group: "developers", Label: devel, Pattern: "foo"}}, acls)
	names, err := a.ListGroups(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "developers"}, names)

	require.NoError(t, a.DeleteGroup(ctx, "developers"))
	_, err = a.ListAcls(ctx, "developers")
	require.True(t, errors.As(err, new(*repoerr.GroupNotFound)), "%v", err)
	groups, err = a.GetUserGroups(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, groups)
}

func TestGroupFlags(t *testing.T) {
	ctx, a := newTestServer(t, Env{})
	require.NoError(t, a.AddUser(ctx, "alice", "secret"))
	require.NoError(t, a.SetMirror(ctx, "alice", true))
	require.NoError(t, a.SetAdmin(ctx, "alice", true))
	require.NoError(t, a.SetMirror(ctx, "alice", false))

	ok, err := a.AuthCheck(ctx, alice, true, false)
	require.NoError(t, err)
	require.True(t, ok, "admin survives clearing mirror")

	err = a.SetAdmin(ctx, "nobody", true)
	require.True(t, errors.As(err, new(*repoerr.GroupNotFound)), "%v", err)
}

func TestAcls(t *testing.T) {
	ctx, a := newTestServer(t, Env{})
	require.NoError(t, a.AddGroup(ctx, "devs"))

	foo := auth.ACL{Group: "devs", Label: devel, Pattern: "foo:*", CanWrite: true}
	require.NoError(t, a.AddAcl(ctx, foo))
	err := a.AddAcl(ctx, foo)
	require.True(t, errors.As(err, new(*repoerr.PermissionAlreadyExists)), "%v", err)
	err = a.AddAcl(ctx, auth.ACL{Group: "devs", Label: "bad/label", Pattern: "foo"})
	require.True(t, errors.As(err, new(*repoerr.ParseError)), "%v", err)
	err = a.AddAcl(ctx, auth.ACL{Group: "nobody", Label: devel, Pattern: "foo"})
	require.True(t, errors.As(err, new(*repoerr.GroupNotFound)), "%v", err)

	all := auth.ACL{Group: "devs", Label: "ALL", Pattern: "*"}
	require.NoError(t, a.AddAcl(ctx, all))
	acls, err := a.ListAcls(ctx, "devs")
	require.NoError(t, err)
	require.Equal(t, []auth.ACL{foo, {Group: "devs", Label: "ALL", Pattern: "ALL"}}, acls)

	edited := auth.ACL{Group: "devs", Label: other, Pattern: "foo", CanWrite: true, CanRemove: true}
	require.NoError(t, a.EditAcl(ctx, foo, edited))
	require.NoError(t, a.DeleteAcl(ctx, "devs", "ALL", "ALL"))
	acls, err = a.ListAcls(ctx, "devs")
	require.NoError(t, err)
	require.Equal(t, []auth.ACL{edited}, acls)

	require.Error(t, a.DeleteAcl(ctx, "devs", "ALL", "ALL"))
}

func TestEntitlementAdmin(t *testing.T) {
	ctx, a := newTestServer(t, Env{})
	seedUsers(ctx, t, a)
	require.NoError(t, a.AddUser(ctx, "bob", "pw"))
	bob := auth.Token{User: "bob", Password: "pw"}
	require.NoError(t, a.AddGroup(ctx, "customers"))

	require.NoError(t, a.AddEntitlementClass(ctx, "gold", "customers"))
	err := a.AddEntitlementClass(ctx, "gold", "customers")
	require.True(t, errors.As(err, new(*repoerr.GroupAlreadyExists)), "%v", err)
	err = a.AddEntitlementClass(ctx, "bad class", "customers")
	require.True(t, errors.As(err, new(*repoerr.InvalidName)), "%v", err)
	require.NoError(t, a.AddEntitlementClassOwner(ctx, "gold", "alice"))

	err = a.AddEntitlementKey(ctx, bob, "gold", "k1")
	require.True(t, errors.As(err, new(*repoerr.InsufficientPermission)), "%v", err)
	err = a.AddEntitlementKey(ctx, auth.Token{}, "gold", "k1")
	require.True(t, errors.As(err, new(*repoerr.InsufficientPermission)), "%v", err)
	err = a.AddEntitlementKey(ctx, alice, "gold", strings.Repeat("k", maxEntitlementLength+1))
	require.True(t, errors.As(err, new(*repoerr.InvalidEntitlement)), "%v", err)

	require.NoError(t, a.AddEntitlementKey(ctx, alice, "gold", "k1"))
	require.NoError(t, a.AddEntitlementKey(ctx, alice, "gold", "k1"))
	require.NoError(t, a.AddEntitlementKey(ctx, alice, "gold", "k2"))
	keys, err := a.ListEntitlementKeys(ctx, alice, "gold")
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "k2"}, keys)

	classes, err := a.ListEntitlementClasses(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, []string{"gold"}, classes)
	classes, err = a.ListEntitlementClasses(ctx, bob)
	require.NoError(t, err)
	require.Empty(t, classes)

	require.NoError(t, a.SetAdmin(ctx, "bob", true))
	classes, err = a.ListEntitlementClasses(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, []string{"gold"}, classes)

	require.NoError(t, a.DeleteEntitlementKey(ctx, bob, "gold", "k1"))
	err = a.DeleteEntitlementKey(ctx, alice, "gold", "k1")
	require.True(t, errors.As(err, new(*repoerr.InvalidEntitlement)), "%v", err)
	keys, err = a.ListEntitlementKeys(ctx, alice, "gold")
	require.NoError(t, err)
	require.Equal(t, []string{"k2"}, keys)
	_, err = a.ListEntitlementKeys(ctx, alice, "silver")
	require.True(t, errors.As(err, new(*repoerr.UnknownEntitlementClass)), "%v", err)

	access, err := a.GetEntitlementClassAccessGroups(ctx, "gold")
	require.NoError(t, err)
	require.Equal(t, []string{"customers"}, access)
	require.NoError(t, a.SetEntitlementClassAccessGroups(ctx, "gold", []string{"alice", "customers"}))
	access, err = a.GetEntitlementClassAccessGroups(ctx, "gold")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "customers"}, access)

	require.NoError(t, a.DeleteEntitlementClassOwner(ctx, "gold", "alice"))
	classes, err = a.ListEntitlementClasses(ctx, alice)
	require.NoError(t, err)
	require.Empty(t, classes)

	require.NoError(t, a.DeleteEntitlementClass(ctx, "gold"))
	classes, err = a.ListEntitlementClasses(ctx, bob)
	require.NoError(t, err)
	require.Empty(t, classes)
}
