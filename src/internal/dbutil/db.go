package dbutil

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/pachsql"
)

// DefaultSSLMode is the sslmode used when the database URL names none.
const DefaultSSLMode = "disable"

// Config says how to reach the repository database.
type Config struct {
	URL      *pachsql.URL
	Password string
	// MaxOpenConns limits the pool; zero leaves it unlimited.
	MaxOpenConns int
}

func getDSN(c Config) string {
	sslMode := c.URL.SSLMode
	if sslMode == "" {
		sslMode = DefaultSSLMode
	}
	fields := map[string]string{
		"connect_timeout": "30",
		"sslmode":         sslMode,
		"host":            c.URL.Host,
		"port":            strconv.Itoa(int(c.URL.Port)),
		"dbname":          c.URL.Database,
		"user":            c.URL.User,

		// https://github.com/jackc/pgx/issues/650#issuecomment-568212888
		// needed behind pg_bouncer; prefer_simple_protocol breaks some of our types.
		"statement_cache_mode": "describe",
	}
	if c.Password != "" {
		fields["password"] = c.Password
	}
	if c.URL.Schema != "" {
		fields["search_path"] = c.URL.Schema
	}
	var dsnParts []string
	for k, v := range fields {
		dsnParts = append(dsnParts, k+"="+v)
	}
	return strings.Join(dsnParts, " ")
}

// NewDB opens a connection pool to the database c describes.  Nothing is
// dialed until the pool is first used; see WaitUntilReady.
func NewDB(c Config) (*pachsql.DB, error) {
	if c.URL == nil || c.URL.Host == "" {
		return nil, errors.New("must specify database host")
	}
	if c.URL.User == "" {
		return nil, errors.New("must specify user")
	}
	db, err := sqlx.Open("pgx", getDSN(c))
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	db.SetMaxOpenConns(c.MaxOpenConns)
	return db, nil
}

// WaitUntilReady attempts to ping the database until the context is cancelled.
// Progress information is written to log
func WaitUntilReady(ctx context.Context, log *logrus.Logger, db *pachsql.DB) error {
	const period = time.Second
	const timeout = time.Second
	log.Infof("waiting for db to be ready...")
	err := backoff.Retry(func() error {
		log.Debugf("pinging db...")
		ctx, cf := context.WithTimeout(ctx, timeout)
		defer cf()
		if err := db.PingContext(ctx); err != nil {
			log.Infof("db is not ready: %v", err)
			return errors.EnsureStack(err)
		}
		log.Infof("db is ready")
		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(period), ctx))
	if err != nil && ctx.Err() != nil {
		return errors.EnsureStack(ctx.Err())
	}
	return errors.EnsureStack(err)
}
