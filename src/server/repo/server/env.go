package server

import (
	"github.com/pachyderm/troverepo/src/internal/config"
	"github.com/pachyderm/troverepo/src/internal/contentstore"
	"github.com/pachyderm/troverepo/src/internal/cscache"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/server/auth"
)

// Env is the environment required for an APIServer
type Env struct {
	Store    trovedb.Store
	Contents contentstore.Store
	// Cache holds generated changesets; use cscache.NewNullCache to
	// regenerate every request.
	Cache  cscache.Cache
	Auth   auth.APIServer
	Config *config.Server
}
