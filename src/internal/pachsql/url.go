package pachsql

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pachyderm/troverepo/src/internal/errors"
)

// DefaultPort is used when the repository database URL names none.
const DefaultPort = 5432

// URL is a parsed repositoryDB setting.  The password never appears in it;
// troved reads that from the environment.
type URL struct {
	Protocol string
	User     string
	Host     string
	Port     uint16
	Database string
	// Schema, when set, becomes the search_path of every connection.
	Schema  string
	SSLMode string
}

// ParseURL parses x, e.g. postgres://troves@db:5432/repo/troves?sslmode=require.
// The path is the database name optionally followed by a schema.  Only
// postgres URLs are accepted; "postgresql" is read as "postgres".
func ParseURL(x string) (*URL, error) {
	u, err := url.Parse(x)
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	protocol := u.Scheme
	if protocol == "postgresql" {
		protocol = ProtocolPostgres
	}
	if protocol != ProtocolPostgres {
		return nil, errors.Errorf("database protocol %q not supported", u.Scheme)
	}
	port := DefaultPort
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil || port <= 0 || port > 65535 {
			return nil, errors.Errorf("bad port %q in %q", p, x)
		}
	}
	database, schema, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if database == "" {
		return nil, errors.Errorf("no database name in %q", x)
	}
	return &URL{
		Protocol: protocol,
		User:     u.User.Username(),
		Host:     u.Hostname(),
		Port:     uint16(port),
		Database: database,
		Schema:   schema,
		SSLMode:  u.Query().Get("sslmode"),
	}, nil
}
