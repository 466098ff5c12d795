package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	major, minor, micro := parse("2.11.3")
	require.Equal(t, "2.11.3rc1", (&Version{Major: major, Minor: minor, Micro: micro, Additional: "rc1"}).String())
	major, minor, micro = parse("dev")
	require.Equal(t, "0.0.0", (&Version{Major: major, Minor: minor, Micro: micro}).String())
}
