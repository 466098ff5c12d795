package cmds

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/server/auth"
	authserver "github.com/pachyderm/troverepo/src/server/auth/server"
)

// runCmd builds a fresh command tree over adm and runs args through it.
func runCmd(t *testing.T, adm auth.Admin, stdin string, args ...string) string {
	t.Helper()
	root := &cobra.Command{Use: "troved"}
	root.AddCommand(Cmds(func(context.Context) (auth.Admin, func(), error) {
		return adm, func() {}, nil
	})...)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(log.Test(t)))
	return out.String()
}

func newAdmin(t *testing.T) *authserver.APIServer {
	return authserver.NewAPIServer(authserver.Env{
		Store:           trovedb.NewMemStore(),
		ServerNames:     []string{"repo.example.com"},
		ExternalTimeout: time.Second,
	})
}

func TestUsers(t *testing.T) {
	adm := newAdmin(t)
	runCmd(t, adm, "", "user", "add", "alice", "--password", "secret")
	runCmd(t, adm, "hunter2\n", "user", "add", "bob")
	require.Equal(t, "alice\nbob\n", runCmd(t, adm, "", "user", "list"))
	require.Equal(t, "bob\n", runCmd(t, adm, "", "user", "groups", "bob"))

	ok, err := adm.Check(log.Test(t), auth.Token{User: "bob", Password: "hunter2"}, auth.CheckOptions{NoAnonymous: true})
	require.NoError(t, err)
	require.True(t, ok)

	runCmd(t, adm, "changed\n", "user", "password", "bob")
	ok, err = adm.Check(log.Test(t), auth.Token{User: "bob", Password: "changed"}, auth.CheckOptions{NoAnonymous: true})
	require.NoError(t, err)
	require.True(t, ok)

	runCmd(t, adm, "", "user", "delete", "bob")
	require.Equal(t, "alice\n", runCmd(t, adm, "", "user", "list"))
}

func TestGroups(t *testing.T) {
	adm := newAdmin(t)
	runCmd(t, adm, "", "user", "add", "alice", "--password", "a")
	runCmd(t, adm, "", "user", "add", "bob", "--password", "b")
	runCmd(t, adm, "", "group", "add", "devs")
	runCmd(t, adm, "", "group", "members", "devs", "-u", "alice", "-u", "bob")
	require.Equal(t, "alice\nbob\n", runCmd(t, adm, "", "group", "members", "devs"))

	runCmd(t, adm, "", "group", "rename", "devs", "builders")
	require.Equal(t, "alice\nbob\nbuilders\n", runCmd(t, adm, "", "group", "list"))

	runCmd(t, adm, "", "group", "admin", "builders", "true")
	ok, err := adm.AuthCheck(log.Test(t), auth.Token{User: "bob", Password: "b"}, true, false)
	require.NoError(t, err)
	require.True(t, ok)

	runCmd(t, adm, "", "group", "delete", "builders")
	require.Equal(t, "alice\nbob\n", runCmd(t, adm, "", "group", "list"))
}

func TestACLs(t *testing.T) {
	adm := newAdmin(t)
	runCmd(t, adm, "", "user", "add", "alice", "--password", "a")
	runCmd(t, adm, "", "acl", "add", "alice", "ALL", "ALL")
	runCmd(t, adm, "", "acl", "add", "alice", "repo.example.com@rpl:devel", "foo.*", "--write")
	out := runCmd(t, adm, "", "acl", "list", "alice")
	require.Contains(t, out, "ALL\tALL\n")
	require.Contains(t, out, "repo.example.com@rpl:devel\tfoo.*\twrite\n")

	runCmd(t, adm, "", "acl", "delete", "alice", "ALL", "ALL")
	require.Equal(t, "repo.example.com@rpl:devel\tfoo.*\twrite\n", runCmd(t, adm, "", "acl", "list", "alice"))
}

func TestEntitlementClasses(t *testing.T) {
	adm := newAdmin(t)
	runCmd(t, adm, "", "group", "add", "customers")
	runCmd(t, adm, "", "group", "add", "partners")
	runCmd(t, adm, "", "entitlement", "add-class", "gold", "customers")
	require.Equal(t, "customers\n", runCmd(t, adm, "", "entitlement", "access-groups", "gold"))

	runCmd(t, adm, "", "entitlement", "access-groups", "gold", "customers", "partners")
	require.Equal(t, "customers\npartners\n", runCmd(t, adm, "", "entitlement", "access-groups", "gold"))
	runCmd(t, adm, "", "entitlement", "delete-class", "gold")
}
