package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pachyderm/troverepo/src/internal/deps"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/internal/versions"
	"github.com/pachyderm/troverepo/src/server/auth"
)

const (
	devel = "repo.example.com@rpl:devel"
	other = "repo.example.com@rpl:other"
)

var (
	alice     = auth.Token{User: "alice", Password: "secret"}
	anonymous = auth.Token{User: auth.AnonymousUser, Password: auth.AnonymousUser}
)

func newTestServer(t *testing.T, env Env) (context.Context, *APIServer) {
	t.Helper()
	if env.Store == nil {
		env.Store = trovedb.NewMemStore()
	}
	if env.ServerNames == nil {
		env.ServerNames = []string{"repo.example.com"}
	}
	env.ExternalTimeout = 5 * time.Second
	return log.Test(t), NewAPIServer(env)
}

// seedUsers adds alice and the anonymous user, each with their own group.
func seedUsers(ctx context.Context, t *testing.T, a *APIServer) {
	t.Helper()
	require.NoError(t, a.AddUser(ctx, "alice", "secret"))
	require.NoError(t, a.AddUser(ctx, auth.AnonymousUser, auth.AnonymousUser))
}

func groupID(ctx context.Context, t *testing.T, a *APIServer, name string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, a.read(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		g, err := tx.GetGroup(ctx, name)
		if err != nil {
			return err
		}
		id = g.ID
		return nil
	}))
	return id
}

func label(t *testing.T, s string) *versions.Label {
	t.Helper()
	l, err := versions.ParseLabel(s)
	require.NoError(t, err)
	return &l
}

func nvf(t *testing.T, name, branch string) trove.NVF {
	t.Helper()
	v, err := versions.ThawVersion("/" + branch + "/1000.000:1.0-1-1")
	require.NoError(t, err)
	return trove.NVF{Name: name, Version: v, Flavor: deps.Empty}
}

func TestResolveGroups(t *testing.T) {
	ctx, a := newTestServer(t, Env{})
	seedUsers(ctx, t, a)
	aliceID := groupID(ctx, t, a, "alice")
	anonID := groupID(ctx, t, a, auth.AnonymousUser)

	res, err := a.ResolveGroups(ctx, alice, true)
	require.NoError(t, err)
	require.Equal(t, auth.Authorized{Groups: unionIDs([]int64{aliceID, anonID})}, res)

	res, err = a.ResolveGroups(ctx, alice, false)
	require.NoError(t, err)
	require.Equal(t, auth.Authorized{Groups: []int64{aliceID}}, res)

	bad := auth.Token{User: "alice", Password: "wrong"}
	res, err = a.ResolveGroups(ctx, bad, true)
	require.NoError(t, err)
	require.Equal(t, auth.Authorized{Groups: []int64{anonID}, Anonymous: true}, res)

	res, err = a.ResolveGroups(ctx, bad, false)
	require.NoError(t, err)
	require.Equal(t, auth.DeniedRetryAnonymous{}, res)

	res, err = a.ResolveGroups(ctx, auth.Token{User: "nobody", Password: "x"}, true)
	require.NoError(t, err)
	require.Equal(t, auth.Authorized{Groups: []int64{anonID}, Anonymous: true}, res)

	res, err = a.ResolveGroups(ctx, anonymous, false)
	require.NoError(t, err)
	require.Equal(t, auth.DeniedFinal{}, res)

	res, err = a.ResolveGroups(ctx, auth.Token{}, true)
	require.NoError(t, err)
	require.Equal(t, auth.DeniedFinal{}, res)
}

func TestResolveGroupsWithoutAnonymousUser(t *testing.T) {
	ctx, a := newTestServer(t, Env{})
	require.NoError(t, a.AddUser(ctx, "alice", "secret"))
	res, err := a.ResolveGroups(ctx, auth.Token{User: "alice", Password: "wrong"}, true)
	require.NoError(t, err)
	require.Equal(t, auth.DeniedFinal{}, res)
}

func TestCheck(t *testing.T) {
	ctx, a := newTestServer(t, Env{})
	seedUsers(ctx, t, a)
	require.NoError(t, a.AddAcl(ctx, auth.ACL{Group: "alice", Label: devel, Pattern: "foo", CanWrite: true}))
	require.NoError(t, a.AddAcl(ctx, auth.ACL{Group: "alice", Label: devel, Pattern: "bar:*", CanWrite: true, CanRemove: true}))
	require.NoError(t, a.AddAcl(ctx, auth.ACL{Group: auth.AnonymousUser, Label: "ALL", Pattern: "ALL"}))

	for _, tc := range []struct {
		name string
		tok  auth.Token
		opts auth.CheckOptions
		want bool
	}{
		{"any group", alice, auth.CheckOptions{}, true},
		{"package write", alice, auth.CheckOptions{Write: true, Label: label(t, devel), Trove: "foo"}, true},
		{"pattern without colon skips components", alice, auth.CheckOptions{Write: true, Label: label(t, devel), Trove: "foo:runtime"}, false},
		{"component glob", alice, auth.CheckOptions{Write: true, Remove: true, Label: label(t, devel), Trove: "bar:runtime"}, true},
		{"component glob skips package", alice, auth.CheckOptions{Write: true, Label: label(t, devel), Trove: "bar"}, false},
		{"remove needs canRemove", alice, auth.CheckOptions{Remove: true, Label: label(t, devel), Trove: "foo"}, false},
		{"other label", alice, auth.CheckOptions{Write: true, Label: label(t, other), Trove: "foo"}, false},
		{"anonymous read", anonymous, auth.CheckOptions{Label: label(t, other), Trove: "baz:lib"}, true},
		{"anonymous write", anonymous, auth.CheckOptions{Write: true, Label: label(t, other), Trove: "baz"}, false},
		{"bad password falls back to anonymous", auth.Token{User: "alice", Password: "wrong"}, auth.CheckOptions{Label: label(t, devel), Trove: "foo"}, true},
		{"bad password cannot write", auth.Token{User: "alice", Password: "wrong"}, auth.CheckOptions{Write: true, Label: label(t, devel), Trove: "foo"}, false},
		{"no anonymous", auth.Token{User: "alice", Password: "wrong"}, auth.CheckOptions{NoAnonymous: true}, false},
		{"mirror flag", alice, auth.CheckOptions{Mirror: true}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := a.Check(ctx, tc.tok, tc.opts)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	_, err := a.Check(ctx, alice, auth.CheckOptions{Label: label(t, "elsewhere.example.org@rpl:devel")})
	var mismatch *repoerr.RepositoryMismatch
	require.True(t, errors.As(err, &mismatch), "%v", err)
	require.Equal(t, "elsewhere.example.org", mismatch.Wrong)
}

func TestBatchCheck(t *testing.T) {
	ctx, a := newTestServer(t, Env{})
	seedUsers(ctx, t, a)
	require.NoError(t, a.AddAcl(ctx, auth.ACL{Group: "alice", Label: devel, Pattern: "foo*", CanWrite: true}))
	require.NoError(t, a.AddAcl(ctx, auth.ACL{Group: "alice", Label: other, Pattern: "ALL"}))

	troves := []trove.NVF{
		nvf(t, "foo", devel),
		nvf(t, "bar", devel),
		nvf(t, "bar", other),
		nvf(t, "foobar", devel),
	}
	got, err := a.BatchCheck(ctx, alice, troves, false, false)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true, true}, got)

	got, err = a.BatchCheck(ctx, alice, troves, true, false)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, false, true}, got)

	_, err = a.BatchCheck(ctx, auth.Token{User: "nobody"}, troves, false, false)
	require.NoError(t, err, "anonymous groups still resolve")

	_, err = a.BatchCheck(ctx, auth.Token{}, troves, false, false)
	require.True(t, errors.As(err, new(*repoerr.InsufficientPermission)), "%v", err)

	_, err = a.BatchCheck(ctx, alice, append(troves, nvf(t, "foo", "elsewhere.example.org@rpl:1")), false, false)
	require.True(t, errors.As(err, new(*repoerr.RepositoryMismatch)), "%v", err)
}

func TestReadable(t *testing.T) {
	ctx, a := newTestServer(t, Env{})
	seedUsers(ctx, t, a)
	require.NoError(t, a.AddAcl(ctx, auth.ACL{Group: "alice", Label: devel, Pattern: "foo*"}))
	require.NoError(t, a.AddAcl(ctx, auth.ACL{Group: "alice", Label: "ALL", Pattern: "baz"}))

	elsewhere := *label(t, "elsewhere.example.org@rpl:1")
	items := []auth.Item{
		{Name: "foo", Label: *label(t, devel)},
		{Name: "bar", Label: *label(t, devel)},
		{Name: "baz", Label: elsewhere},
		{Name: "foo", Label: elsewhere},
	}
	got, err := a.Readable(ctx, alice, items)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true, false}, got)

	got, err = a.Readable(ctx, auth.Token{}, items)
	require.NoError(t, err)
	require.Equal(t, []bool{false, false, false, false}, got)
}

func TestAuthCheck(t *testing.T) {
	ctx, a := newTestServer(t, Env{})
	seedUsers(ctx, t, a)
	require.NoError(t, a.SetAdmin(ctx, auth.AnonymousUser, true))

	ok, err := a.AuthCheck(ctx, alice, true, false)
	require.NoError(t, err)
	require.False(t, ok, "anonymous groups never grant admin")

	require.NoError(t, a.SetMirror(ctx, "alice", true))
	ok, err = a.AuthCheck(ctx, alice, false, true)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = a.AuthCheck(ctx, alice, true, true)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.SetAdmin(ctx, "alice", true))
	require.NoError(t, a.SetMirror(ctx, "alice", false))
	ok, err = a.AuthCheck(ctx, alice, true, true)
	require.NoError(t, err)
	require.True(t, ok, "admin implies mirror")

	ok, err = a.AuthCheck(ctx, auth.Token{User: "alice", Password: "wrong"}, false, false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExternalPassword(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		valid := r.URL.Query().Get("password") == "external" && r.URL.Query().Get("remote_ip") == "10.0.0.1"
		if valid {
			fmt.Fprint(w, `<auth valid="1"/>`)
			return
		}
		fmt.Fprint(w, `<auth valid="0"/>`)
	}))
	defer srv.Close()

	ctx, a := newTestServer(t, Env{PasswordURL: srv.URL, CacheTimeout: time.Hour})
	require.NoError(t, a.AddUser(ctx, "alice", "local"))
	aliceID := groupID(ctx, t, a, "alice")

	tok := auth.Token{User: "alice", Password: "external", RemoteIP: "10.0.0.1"}
	for i := 0; i < 2; i++ {
		res, err := a.ResolveGroups(ctx, tok, false)
		require.NoError(t, err)
		require.Equal(t, auth.Authorized{Groups: []int64{aliceID}}, res)
	}
	require.Equal(t, int32(1), calls.Load(), "second check is cached")

	res, err := a.ResolveGroups(ctx, auth.Token{User: "alice", Password: "local", RemoteIP: "10.0.0.1"}, false)
	require.NoError(t, err)
	require.Equal(t, auth.DeniedRetryAnonymous{}, res, "local hashes are ignored")

	err = a.ChangePassword(ctx, "alice", "new")
	require.True(t, errors.As(err, new(*repoerr.CannotChangePassword)), "%v", err)
}

func TestExternalEntitlement(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		server := q.Get("server")
		if q.Get("key") == "wrong-server" {
			server = "elsewhere.example.org"
		}
		fmt.Fprintf(w, `<entitlement><server>%s</server><class>cls</class><key>mapped</key><timeout retry="False" val="0"/></entitlement>`, server)
	}))
	defer srv.Close()

	ctx, a := newTestServer(t, Env{EntitlementURL: srv.URL})
	require.NoError(t, a.AddGroup(ctx, "readers"))
	require.NoError(t, a.AddEntitlementClass(ctx, "cls", "readers"))
	require.NoError(t, a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.AddEntitlementKey(ctx, "cls", "mapped")
	}))
	readers := groupID(ctx, t, a, "readers")

	tok := auth.Token{User: auth.AnonymousUser, Entitlements: []auth.Entitlement{{Class: "presented", Key: "k1"}}}
	res, err := a.ResolveGroups(ctx, tok, false)
	require.NoError(t, err)
	require.Equal(t, auth.Authorized{Groups: []int64{readers}}, res)

	// the answer expired immediately and may not be retried
	res, err = a.ResolveGroups(ctx, tok, false)
	require.NoError(t, err)
	require.Equal(t, auth.Timeout{Entitlements: []string{"k1"}}, res)

	// the expired entry was dropped, so the next call asks again
	res, err = a.ResolveGroups(ctx, tok, false)
	require.NoError(t, err)
	require.Equal(t, auth.Authorized{Groups: []int64{readers}}, res)
	require.Equal(t, int32(2), calls.Load())

	_, err = a.Check(ctx, tok, auth.CheckOptions{})
	var timeout *repoerr.EntitlementTimeout
	require.True(t, errors.As(err, &timeout), "%v", err)
	require.Equal(t, []string{"k1"}, timeout.Classes)

	wrong := auth.Token{User: auth.AnonymousUser, Entitlements: []auth.Entitlement{{Class: "presented", Key: "wrong-server"}}}
	res, err = a.ResolveGroups(ctx, wrong, false)
	require.NoError(t, err)
	require.Equal(t, auth.DeniedFinal{}, res)
}

func TestLocalEntitlement(t *testing.T) {
	ctx, a := newTestServer(t, Env{})
	seedUsers(ctx, t, a)
	require.NoError(t, a.AddGroup(ctx, "customers"))
	require.NoError(t, a.AddEntitlementClass(ctx, "gold", "customers"))
	require.NoError(t, a.AddEntitlementClassOwner(ctx, "gold", "alice"))
	require.NoError(t, a.AddEntitlementKey(ctx, alice, "gold", "key-1"))
	customers := groupID(ctx, t, a, "customers")

	tok := auth.Token{User: auth.AnonymousUser, Entitlements: []auth.Entitlement{{Class: "gold", Key: "key-1"}}}
	res, err := a.ResolveGroups(ctx, tok, false)
	require.NoError(t, err)
	require.Equal(t, auth.Authorized{Groups: []int64{customers}}, res)

	tok.Entitlements[0].Key = "key-2"
	res, err = a.ResolveGroups(ctx, tok, false)
	require.NoError(t, err)
	require.Equal(t, auth.DeniedFinal{}, res)
}
