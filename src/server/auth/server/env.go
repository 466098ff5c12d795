package server

import (
	"net/http"
	"time"

	"github.com/pachyderm/troverepo/src/internal/config"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
)

// Env is the environment required for an apiServer
type Env struct {
	Store trovedb.Store
	// ServerNames are the repository hosts this server answers for; the
	// first is sent to the external entitlement check.
	ServerNames []string

	// PasswordURL, when set, validates passwords externally and local
	// password hashes are ignored.
	PasswordURL string
	// EntitlementURL, when set, maps presented entitlements to stored ones.
	EntitlementURL string
	// CacheTimeout bounds how long a successful password check is trusted;
	// zero disables caching.
	CacheTimeout    time.Duration
	ExternalTimeout time.Duration
	// Transport carries external check requests; nil means
	// http.DefaultTransport.
	Transport http.RoundTripper
}

func EnvFromConfig(store trovedb.Store, c *config.Server) Env {
	return Env{
		Store:           store,
		ServerNames:     c.ServerNames,
		PasswordURL:     c.ExternalPasswordURL,
		EntitlementURL:  c.EntitlementCheckURL,
		CacheTimeout:    c.AuthCacheTimeout,
		ExternalTimeout: c.ExternalTimeout,
	}
}
