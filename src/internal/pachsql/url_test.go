package pachsql

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	u, err := ParseURL("postgresql://troves@db.example.com/repo/troves?sslmode=disable")
	require.NoError(t, err)
	want := &URL{
		Protocol: ProtocolPostgres,
		User:     "troves",
		Host:     "db.example.com",
		Port:     DefaultPort,
		Database: "repo",
		Schema:   "troves",
		SSLMode:  "disable",
	}
	if diff := cmp.Diff(want, u); diff != "" {
		t.Errorf("url (-want +got):\n%s", diff)
	}

	u, err = ParseURL("postgres://troves@db:6000/repo")
	require.NoError(t, err)
	require.Equal(t, uint16(6000), u.Port)
	require.Empty(t, u.Schema)

	for _, bad := range []string{
		"postgres://troves@db:notaport/repo",
		"postgres://troves@db:70000/repo",
		"postgres://troves@db/",
		"mysql://troves@db/repo",
	} {
		_, err = ParseURL(bad)
		require.Error(t, err, bad)
	}
}
