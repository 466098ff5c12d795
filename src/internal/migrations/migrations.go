// Package migrations applies an ordered chain of schema changes to a database, recording each
// applied step in a migrations table so that every step runs exactly once.
package migrations

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/pachsql"
)

// Env is handed to every migration.
type Env struct {
	Tx *pachsql.Tx
}

// Func is one schema change.
type Func func(ctx context.Context, env Env) error

// State is a point in the migration chain.  The zero value is not useful; start from
// InitialState.
type State struct {
	n      int
	name   string
	prev   *State
	change Func
}

// InitialState creates the migrations table itself.
func InitialState() State {
	return State{
		name: "init",
		change: func(ctx context.Context, env Env) error {
			_, err := env.Tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS migrations (
				id BIGINT PRIMARY KEY,
				name TEXT NOT NULL,
				start_time TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			INSERT INTO migrations (id, name) VALUES (0, 'init') ON CONFLICT DO NOTHING;`)
			return errors.EnsureStack(err)
		},
	}
}

// Apply returns the state after fn has run on top of s.
func (s State) Apply(name string, fn Func) State {
	return State{
		prev:   &s,
		name:   name,
		change: fn,
		n:      s.n + 1,
	}
}

// Number is the position of s in the chain; the initial state is 0.
func (s State) Number() int { return s.n }

// Name is the name s was applied with.
func (s State) Name() string { return s.name }

// ApplyMigrations brings db up to state, running each missing step in its own transaction.
func ApplyMigrations(ctx context.Context, db *pachsql.DB, baseEnv Env, state State) error {
	var chain []State
	for s := &state; s != nil; s = s.prev {
		chain = append(chain, *s)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if err := applyMigration(ctx, db, baseEnv, chain[i]); err != nil {
			return errors.Wrapf(err, "migration %d (%s)", chain[i].n, chain[i].name)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *pachsql.DB, baseEnv Env, state State) (retErr error) {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.EnsureStack(err)
	}
	defer func() {
		if retErr != nil {
			if err := tx.Rollback(); err != nil {
				log.Error(ctx, "problem rolling back migration", zap.Error(err))
			}
		}
	}()
	env := baseEnv
	env.Tx = tx
	if state.n > 0 {
		if _, err := tx.ExecContext(ctx, `LOCK TABLE migrations IN EXCLUSIVE MODE`); err != nil {
			return errors.EnsureStack(err)
		}
		var x int
		if err := tx.GetContext(ctx, &x, `SELECT count(id) FROM migrations WHERE id = $1`, state.n); err != nil {
			return errors.EnsureStack(err)
		}
		if x > 0 {
			return errors.EnsureStack(tx.Commit())
		}
	}
	if err := state.change(ctx, env); err != nil {
		return err
	}
	if state.n > 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO migrations (id, name) VALUES ($1, $2)`, state.n, state.name); err != nil {
			return errors.EnsureStack(err)
		}
		log.Info(ctx, "applied migration", zap.Int("id", state.n), zap.String("name", state.name))
	}
	return errors.EnsureStack(tx.Commit())
}

// BlockUntil polls db until state has been applied.
func BlockUntil(ctx context.Context, db *pachsql.DB, state State) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		var latest sql.NullInt64
		if err := db.GetContext(ctx, &latest, `SELECT MAX(id) FROM migrations`); err != nil {
			log.Debug(ctx, "migrations table not readable yet", zap.Error(err))
		} else if latest.Valid && int(latest.Int64) >= state.n {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.EnsureStack(ctx.Err())
		case <-ticker.C:
		}
	}
}
