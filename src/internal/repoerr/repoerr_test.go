package repoerr

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/pachyderm/troverepo/src/internal/errors"
)

func TestMarshalRoundTrip(t *testing.T) {
	for _, e := range []Error{
		&ParseError{Msg: "bad version"},
		&InsufficientPermission{User: "alice", Repo: "repo.example.com", Anonymous: false},
		&TroveMissing{Name: "foo:runtime", Version: "/a@ns:1/1.0-1-1"},
		&CommitError{Msg: "version /a@ns:1/1.0-1-1 of foo already exists"},
		&CloneIncomplete{Needs: []CloneNeed{{Kind: "build requirement", Name: "bar", Version: "/a@ns:1/2-1-1", Flavor: "is: x86"}}},
		&RepositoryMismatch{Right: []string{"a", "b"}, Wrong: "c"},
		&RepositoryLocked{},
		&EntitlementTimeout{Classes: []string{"gold"}},
	} {
		kind, args, ok := Marshal(errors.Wrap(e, "while doing something"))
		require.True(t, ok)
		require.Equal(t, e.Kind(), kind)
		got := Unmarshal(kind, args)
		if diff := cmp.Diff(e, got); diff != "" {
			t.Errorf("round trip of %s (-want +got):\n%s", kind, diff)
		}
	}
}

func TestMarshalHidesUnknownErrors(t *testing.T) {
	kind, args, ok := Marshal(errors.New("pq: relation does not exist"))
	require.False(t, ok)
	require.Equal(t, "InternalServerError", kind)
	require.Empty(t, args)
}

func TestUnmarshalUnknownKind(t *testing.T) {
	err := Unmarshal("SomethingNew", []string{"x"})
	var u *UnknownError
	require.True(t, errors.As(err, &u))
	require.Equal(t, "SomethingNew", u.Kind())
}

func TestCloneIncompleteMessage(t *testing.T) {
	e := &CloneIncomplete{Needs: []CloneNeed{
		{Kind: "loadRecipe", Name: "group-base:source", Version: "/a@ns:1/1-1", Flavor: ""},
		{Kind: "referenced trove", Name: "foo", Version: "/a@ns:1/1-1-1", Flavor: "ssl"},
	}}
	require.Contains(t, e.Error(), "loadRecipe: group-base:source=/a@ns:1/1-1[]")
	require.Contains(t, e.Error(), "referenced trove: foo=/a@ns:1/1-1-1[ssl]")
}
