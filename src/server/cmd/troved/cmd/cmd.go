// Package cmd assembles the troved command tree.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dlmiddlecote/sqlstats"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/pachyderm/troverepo/src/internal/cmdutil"
	"github.com/pachyderm/troverepo/src/internal/config"
	"github.com/pachyderm/troverepo/src/internal/contentstore"
	"github.com/pachyderm/troverepo/src/internal/cscache"
	"github.com/pachyderm/troverepo/src/internal/dbutil"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/migrations"
	"github.com/pachyderm/troverepo/src/internal/pachsql"
	"github.com/pachyderm/troverepo/src/internal/pctx"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/server/auth"
	authcmds "github.com/pachyderm/troverepo/src/server/auth/cmds"
	authserver "github.com/pachyderm/troverepo/src/server/auth/server"
	trovehttp "github.com/pachyderm/troverepo/src/server/http"
	reposerver "github.com/pachyderm/troverepo/src/server/repo/server"
	"github.com/pachyderm/troverepo/src/version"
)

// AppEnv is the process environment troved reads before its config file.
type AppEnv struct {
	Config          string        `env:"TROVED_CONFIG"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	DevelopmentLogs string        `env:"DEVELOPMENT_LOGGER"`
	DBPassword      string        `env:"TROVED_DB_PASSWORD"`
	DBMaxOpenConns  int           `env:"DB_MAX_OPEN_CONNS,default=10"`
	DBWaitTimeout   time.Duration `env:"DB_WAIT_TIMEOUT,default=1m"`
}

// shutdownSignals stop serve gracefully.  SIGTERM is what container
// runtimes send before killing the process.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// repo is what a command opened from the configuration.  db is nil for an
// in-memory repository.
type repo struct {
	cfg     *config.Server
	db      *pachsql.DB
	store   trovedb.Store
	closers []func() error
}

func (r *repo) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}
}

func openDB(ctx context.Context, env *AppEnv, rawURL string) (*pachsql.DB, error) {
	u, err := pachsql.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", config.RepositoryDB)
	}
	db, err := dbutil.NewDB(dbutil.Config{
		URL:          u,
		Password:     env.DBPassword,
		MaxOpenConns: env.DBMaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, env.DBWaitTimeout)
	defer cancel()
	if err := dbutil.WaitUntilReady(waitCtx, logrus.StandardLogger(), db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prometheus.Register(sqlstats.NewStatsCollector("troverepo", db)); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			log.Info(ctx, "not exporting database pool metrics", zap.Error(err))
		}
	}
	return db, nil
}

// openRepo loads the configuration and opens the repository database.  With
// migrate unset it waits for another process to bring the schema up to date.
func openRepo(ctx context.Context, env *AppEnv, migrate bool) (_ *repo, retErr error) {
	cfg, err := config.LoadServer(env.Config)
	if err != nil {
		return nil, err
	}
	r := &repo{cfg: cfg}
	defer func() {
		if retErr != nil {
			r.Close()
		}
	}()
	if cfg.RepositoryDB == "" {
		log.Info(ctx, "no repository database configured; keeping the repository in memory")
		r.store = trovedb.NewMemStore()
		return r, nil
	}
	if r.db, err = openDB(ctx, env, cfg.RepositoryDB); err != nil {
		return nil, err
	}
	r.closers = append(r.closers, r.db.Close)
	if migrate {
		if err := migrations.ApplyMigrations(ctx, r.db, migrations.Env{}, trovedb.DesiredState); err != nil {
			return nil, err
		}
	} else if err := migrations.BlockUntil(ctx, r.db, trovedb.DesiredState); err != nil {
		return nil, err
	}
	// calls are retried on lock errors by the repository server itself
	r.store = trovedb.NewPGStore(r.db, 0)
	return r, nil
}

func (r *repo) contents(ctx context.Context) (contentstore.Store, error) {
	if r.cfg.ContentsBucket == "" {
		return contentstore.NewFSStore(r.cfg.ContentsDir), nil
	}
	b, err := contentstore.OpenBucket(ctx, r.cfg.ContentsBucket)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, b.Close)
	return b, nil
}

func (r *repo) cacheIndex() cscache.Index {
	if r.db == nil {
		return cscache.NewMemIndex()
	}
	return cscache.NewPGIndex(r.db)
}

func (r *repo) cache(ctx context.Context) (cscache.Cache, error) {
	if !r.cfg.CacheChangesets {
		return cscache.NewNullCache(r.cfg.TmpDir), nil
	}
	c, err := cscache.New(ctx, r.cfg.ChangesetCacheDir, r.cacheIndex(), cscache.StoreGraph{Store: r.store})
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, c.Close)
	return c, nil
}

// developmentLogs reports whether human-readable logs were asked for.  When
// DEVELOPMENT_LOGGER is unset they are used on a terminal.
func developmentLogs(env *AppEnv) (bool, error) {
	if env.DevelopmentLogs == "" {
		return isatty.IsTerminal(os.Stderr.Fd()), nil
	}
	dev, err := strconv.ParseBool(env.DevelopmentLogs)
	return dev, errors.Wrapf(err, "parse DEVELOPMENT_LOGGER")
}

func initLogger(env *AppEnv) error {
	level, err := zapcore.ParseLevel(env.LogLevel)
	if err != nil {
		return errors.Wrapf(err, "parse LOG_LEVEL")
	}
	dev, err := developmentLogs(env)
	if err != nil {
		return err
	}
	log.InitLogger(dev, level)
	if level == zapcore.DebugLevel {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return nil
}

func serveCmd(env *AppEnv) *cobra.Command {
	var waitForMigrations bool
	var uploadLimit cmdutil.SizeFlag
	var sweepSchedule string
	var sweepAge time.Duration
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the repository over HTTP",
		Long: "Serve the repository over HTTP. The schema is migrated on startup " +
			"unless --wait-for-migrations is given, in which case troved waits for " +
			"'troved init-db' to have run.",
		Run: cmdutil.RunFixedArgs(0, func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
			defer stop()
			ctx = pctx.Child(ctx, "", pctx.WithServerID())

			r, err := openRepo(ctx, env, !waitForMigrations)
			if err != nil {
				return err
			}
			defer r.Close()
			if uploadLimit > 0 {
				r.cfg.UploadLimit = int64(uploadLimit)
			}
			contents, err := r.contents(ctx)
			if err != nil {
				return err
			}
			cache, err := r.cache(ctx)
			if err != nil {
				return err
			}
			for _, dir := range []string{r.cfg.TmpDir, r.cfg.ChangesetCacheDir} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return errors.EnsureStack(err)
				}
			}
			authz := authserver.NewAPIServer(authserver.EnvFromConfig(r.store, r.cfg))
			repoServer := reposerver.NewAPIServer(reposerver.Env{
				Store:    r.store,
				Contents: contents,
				Cache:    cache,
				Auth:     authz,
				Config:   r.cfg,
			})
			log.Info(ctx, "serving repository",
				zap.Stringer("version", version.Current),
				zap.Strings("serverNames", r.cfg.ServerNames),
				zap.String("listen", r.cfg.Listen),
				zap.Bool("readOnly", r.cfg.ReadOnly))

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return trovehttp.New(r.cfg, repoServer).ListenAndServe(pctx.Child(ctx, "http"))
			})
			if sweepSchedule != "" {
				eg.Go(func() error {
					return reposerver.SweepLoop(pctx.Child(ctx, "sweep"), sweepSchedule, r.cfg.TmpDir, sweepAge)
				})
			}
			return errors.EnsureStack(eg.Wait())
		}),
	}
	serve.Flags().BoolVar(&waitForMigrations, "wait-for-migrations", false, "Wait for the schema to be migrated by another process instead of migrating it.")
	serve.Flags().Var(&uploadLimit, "upload-limit", "Override the configured largest changeset accepted for commit, e.g. 512MiB.")
	serve.Flags().StringVar(&sweepSchedule, "sweep-schedule", "@hourly", "Cron schedule for removing abandoned uploads and downloads; empty disables sweeping.")
	serve.Flags().DurationVar(&sweepAge, "sweep-age", 24*time.Hour, "Age after which an uncommitted upload or unfetched download is abandoned.")
	return serve
}

func initDBCmd(env *AppEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create or upgrade the repository schema",
		Run: cmdutil.RunFixedArgs(0, func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			r, err := openRepo(ctx, env, true)
			if err != nil {
				return err
			}
			defer r.Close()
			if r.db == nil {
				return errors.Errorf("%s is not set", config.RepositoryDB)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at migration %d (%s)\n", trovedb.DesiredState.Number(), trovedb.DesiredState.Name())
			return nil
		}),
	}
}

func cacheCmd(env *AppEnv) *cobra.Command {
	cache := &cobra.Command{
		Use:   "cache",
		Short: "Manage the changeset cache",
	}
	cache.AddCommand(&cobra.Command{
		Use:   "clean",
		Short: "Drop every cached changeset",
		Run: cmdutil.RunFixedArgs(0, func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			r, err := openRepo(ctx, env, false)
			if err != nil {
				return err
			}
			defer r.Close()
			c, err := cscache.New(ctx, r.cfg.ChangesetCacheDir, r.cacheIndex(), nil)
			if err != nil {
				return err
			}
			n, err := c.Clear(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %d cached changesets\n", n)
			return nil
		}),
	})
	return cache
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the troved version",
		Run: cmdutil.RunFixedArgs(0, func(cmd *cobra.Command, _ []string) error {
			v := version.Current
			fmt.Fprintln(cmd.OutOrStdout(), v.String())
			if v.GitCommit != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "commit %s (modified: %s) built %s\n", v.GitCommit, v.GitTreeModified, v.BuildDate)
			}
			return nil
		}),
	}
}

// adminOpener opens the authorization engine of a database-backed
// repository for the administration commands.
func adminOpener(env *AppEnv) authcmds.Opener {
	return func(ctx context.Context) (auth.Admin, func(), error) {
		r, err := openRepo(ctx, env, false)
		if err != nil {
			return nil, nil, err
		}
		if r.db == nil {
			r.Close()
			return nil, nil, errors.Errorf("%s is not set; an in-memory repository has no users to manage", config.RepositoryDB)
		}
		return authserver.NewAPIServer(authserver.EnvFromConfig(r.store, r.cfg)), r.Close, nil
	}
}

// TrovedCmd creates the troved command tree over env.
func TrovedCmd(env *AppEnv) *cobra.Command {
	root := &cobra.Command{
		Use:   os.Args[0],
		Short: "troved serves a versioned trove repository.",
		Long: `troved serves a versioned trove repository.

Configuration is read from the file named by --config (or TROVED_CONFIG).
Options missing from the file take their defaults.`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initLogger(env); err != nil {
				return err
			}
			ctx := pctx.Background("troved")
			if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
				log.Debug(ctx, fmt.Sprintf(format, args...))
			})); err != nil {
				log.Info(ctx, "could not set GOMAXPROCS", zap.Error(err))
			}
			cmd.SetContext(ctx)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&env.Config, "config", "c", env.Config, "Path to the server configuration file.")
	root.PersistentFlags().BoolVar(&cmdutil.PrintErrorStacks, "print-stacks", false, "Print a stack trace with errors.")

	root.AddCommand(serveCmd(env))
	root.AddCommand(initDBCmd(env))
	root.AddCommand(cacheCmd(env))
	root.AddCommand(versionCmd())
	root.AddCommand(authcmds.Cmds(adminOpener(env))...)
	return root
}
