package config

import (
	"time"

	"github.com/pachyderm/troverepo/src/internal/deps"
)

// Server option names.
const (
	ServerName          = "serverName"
	RepositoryDB        = "repositoryDB"
	ContentsDir         = "contentsDir"
	ContentsBucket      = "contentsBucket"
	ChangesetCacheDir   = "changesetCacheDir"
	CacheChangesets     = "cacheChangesets"
	TmpDir              = "tmpDir"
	ReadOnlyRepository  = "readOnlyRepository"
	CommitAction        = "commitAction"
	AuthCacheTimeout    = "authCacheTimeout"
	EntitlementCheckURL = "entitlementCheckURL"
	ExternalPasswordURL = "externalPasswordURL"
	ExternalTimeout     = "externalTimeout"
	DeadlockRetry       = "deadlockRetry"
	RequireSigs         = "requireSigs"
	BaseURI             = "baseUri"
	Listen              = "listen"
	UploadLimit         = "uploadLimit"
	DefaultFlavor       = "defaultFlavor"
	RepositoryMap       = "repositoryMap"
)

// ServerOptions returns a registry of the repository server's options.
func ServerOptions() *Registry {
	return NewRegistry(
		Option{Name: ServerName, Kind: KindStringList, Help: "host names this repository serves labels for"},
		Option{Name: RepositoryDB, Kind: KindString, Help: "postgres URL of the repository database; empty keeps the repository in memory"},
		Option{Name: ContentsDir, Kind: KindPath, Default: "/srv/troverepo/contents", Help: "directory holding file contents"},
		Option{Name: ContentsBucket, Kind: KindString, Help: "bucket URL holding file contents, used instead of contentsDir"},
		Option{Name: ChangesetCacheDir, Kind: KindPath, Default: "/srv/troverepo/cscache", Help: "directory holding cached changesets"},
		Option{Name: CacheChangesets, Kind: KindBool, Default: "true", Help: "keep generated changesets for later requests"},
		Option{Name: TmpDir, Kind: KindPath, Default: "/var/tmp", Help: "directory for uploaded changesets"},
		Option{Name: ReadOnlyRepository, Kind: KindBool, Default: "false", Help: "refuse every call that writes"},
		Option{Name: CommitAction, Kind: KindString, Help: "command run after every commit"},
		Option{Name: AuthCacheTimeout, Kind: KindDuration, Default: "0", Help: "how long external password and entitlement checks are cached"},
		Option{Name: EntitlementCheckURL, Kind: KindString, Help: "URL of an external entitlement check"},
		Option{Name: ExternalPasswordURL, Kind: KindString, Help: "URL of an external password check"},
		Option{Name: ExternalTimeout, Kind: KindDuration, Default: "10s", Help: "timeout of external checks"},
		Option{Name: DeadlockRetry, Kind: KindInt, Default: "5", Help: "times a call is retried when the database is locked"},
		Option{Name: RequireSigs, Kind: KindBool, Default: "false", Help: "refuse commits of unsigned troves"},
		Option{Name: BaseURI, Kind: KindString, Default: "http://localhost:8000/", Help: "URL clients reach this server at"},
		Option{Name: Listen, Kind: KindString, Default: ":8000", Help: "address to listen on"},
		Option{Name: UploadLimit, Kind: KindSize, Default: "2GiB", Help: "largest changeset accepted for commit"},
		Option{Name: DefaultFlavor, Kind: KindFlavor, Help: "flavor used to pick the best flavor when a client sends none"},
		Option{Name: RepositoryMap, Kind: KindServerMap, Help: "other repositories, by server name glob"},
	)
}

// Server is the repository server configuration.
type Server struct {
	ServerNames         []string
	RepositoryDB        string
	ContentsDir         string
	ContentsBucket      string
	ChangesetCacheDir   string
	CacheChangesets     bool
	TmpDir              string
	ReadOnly            bool
	CommitAction        string
	AuthCacheTimeout    time.Duration
	EntitlementCheckURL string
	ExternalPasswordURL string
	ExternalTimeout     time.Duration
	DeadlockRetry       int
	RequireSigs         bool
	BaseURI             string
	Listen              string
	UploadLimit         int64
	DefaultFlavor       deps.Flavor
	RepositoryMap       ServerMap
}

// ServerFromConfig reads c, which must hold the options of ServerOptions.
func ServerFromConfig(c *Config) *Server {
	return &Server{
		ServerNames:         c.Get(ServerName).(StringList),
		RepositoryDB:        string(c.Get(RepositoryDB).(String)),
		ContentsDir:         string(c.Get(ContentsDir).(Path)),
		ContentsBucket:      string(c.Get(ContentsBucket).(String)),
		ChangesetCacheDir:   string(c.Get(ChangesetCacheDir).(Path)),
		CacheChangesets:     bool(c.Get(CacheChangesets).(Bool)),
		TmpDir:              string(c.Get(TmpDir).(Path)),
		ReadOnly:            bool(c.Get(ReadOnlyRepository).(Bool)),
		CommitAction:        string(c.Get(CommitAction).(String)),
		AuthCacheTimeout:    time.Duration(c.Get(AuthCacheTimeout).(Duration)),
		EntitlementCheckURL: string(c.Get(EntitlementCheckURL).(String)),
		ExternalPasswordURL: string(c.Get(ExternalPasswordURL).(String)),
		ExternalTimeout:     time.Duration(c.Get(ExternalTimeout).(Duration)),
		DeadlockRetry:       int(c.Get(DeadlockRetry).(Int)),
		RequireSigs:         bool(c.Get(RequireSigs).(Bool)),
		BaseURI:             string(c.Get(BaseURI).(String)),
		Listen:              string(c.Get(Listen).(String)),
		UploadLimit:         int64(c.Get(UploadLimit).(Size)),
		DefaultFlavor:       c.Get(DefaultFlavor).(Flavor).Flavor,
		RepositoryMap:       c.Get(RepositoryMap).(ServerMap),
	}
}

// LoadServer reads the server configuration in path; an empty path gives
// the defaults.
func LoadServer(path string) (*Server, error) {
	c := New(ServerOptions())
	if path != "" {
		if err := c.Load(path); err != nil {
			return nil, err
		}
	}
	return ServerFromConfig(c), nil
}
