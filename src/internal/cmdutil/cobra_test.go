package cmdutil

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRepeatedStringArg(t *testing.T) {
	var r RepeatedStringArg
	require.NoError(t, r.Set("a"))
	require.NoError(t, r.Set("b"))
	require.Equal(t, "[a, b]", r.String())
}

func TestSizeFlag(t *testing.T) {
	var s SizeFlag
	require.NoError(t, s.Set("2MiB"))
	require.Equal(t, SizeFlag(2<<20), s)
	require.Error(t, s.Set("lots"))
}

func TestRunIO(t *testing.T) {
	var out bytes.Buffer
	err := RunIO(context.Background(), IO{Stdin: strings.NewReader("foo\n"), Stdout: &out}, "cat")
	require.NoError(t, err)
	require.Equal(t, "foo\n", out.String())

	err = RunIO(context.Background(), IO{}, "sh", "-c", "echo nope >&2; exit 3")
	require.ErrorContains(t, err, "Stderr: nope")
}
