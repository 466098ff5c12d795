package versions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLabel(t *testing.T) {
	l, err := ParseLabel("repo.example.com@rpl:devel")
	require.NoError(t, err)
	require.Equal(t, Label{Host: "repo.example.com", Namespace: "rpl", Tag: "devel"}, l)
	require.False(t, l.IsOnLocalHost())
	require.False(t, l.IsStatic())
	require.True(t, LocalLabel.IsStatic())
	require.True(t, MustParseLabel("local@local:COOK").IsOnLocalHost())

	for _, bad := range []string{"foo", "a@b", "a:b@c", "a@:b", "a@b:", "a@b:c:d", "a@b@c:d", "a@b:c/d"} {
		_, err := ParseLabel(bad)
		require.Error(t, err, bad)
	}
}

func TestLabelText(t *testing.T) {
	var l Label
	require.NoError(t, l.UnmarshalText([]byte("h@ns:tag")))
	b, err := l.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "h@ns:tag", string(b))
	require.Error(t, l.UnmarshalText([]byte("tag")))
}

func TestLabelAbbreviation(t *testing.T) {
	base := MustParseLabel("h@ns:a")
	require.Equal(t, "b", MustParseLabel("h@ns:b").asString(&base))
	require.Equal(t, "other:b", MustParseLabel("h@other:b").asString(&base))
	require.Equal(t, "x@ns:b", MustParseLabel("x@ns:b").asString(&base))
	require.Equal(t, "x@ns:b", MustParseLabel("x@ns:b").asString(nil))
}
