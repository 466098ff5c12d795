package dbutil

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/pachsql"
)

// ErrTxLocked is returned by WithTx when every attempt failed on lock contention.
var ErrTxLocked = errors.New("transaction failed on lock contention")

type withTxConfig struct {
	attempts  int
	isolation sql.IsolationLevel
	readOnly  bool
	backOff   time.Duration
}

// WithTxOption configures WithTx.
type WithTxOption func(*withTxConfig)

// WithRetries sets how many times a transaction that failed on lock contention is rerun.
func WithRetries(n int) WithTxOption {
	return func(c *withTxConfig) { c.attempts = n + 1 }
}

// WithReadOnly marks the transaction read only.
func WithReadOnly() WithTxOption {
	return func(c *withTxConfig) { c.readOnly = true }
}

// WithSerializable runs the transaction at serializable isolation.
func WithSerializable() WithTxOption {
	return func(c *withTxConfig) { c.isolation = sql.LevelSerializable }
}

// WithTx runs cb in a transaction, committing if cb returns nil and rolling back otherwise.  A
// transaction that fails on lock contention is rolled back and rerun from the start, up to the
// configured number of retries; after that WithTx returns an error that Is ErrTxLocked.
func WithTx(ctx context.Context, db *pachsql.DB, cb func(context.Context, *pachsql.Tx) error, opts ...WithTxOption) error {
	c := &withTxConfig{attempts: 1, backOff: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(c)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.backOff
	b.MaxElapsedTime = 0
	var lastErr error
	for i := 0; i < c.attempts; i++ {
		err := tryTx(ctx, db, c, cb)
		if err == nil || !IsDatabaseLocked(err) {
			return err
		}
		lastErr = err
		log.Info(ctx, "transaction hit lock contention; retrying", log.RetryAttempt(i, c.attempts), zap.Error(err))
		select {
		case <-ctx.Done():
			return errors.EnsureStack(ctx.Err())
		case <-time.After(b.NextBackOff()):
		}
	}
	return errors.Wrapf(errors.Join(ErrTxLocked, lastErr), "after %d attempts", c.attempts)
}

func tryTx(ctx context.Context, db *pachsql.DB, c *withTxConfig, cb func(context.Context, *pachsql.Tx) error) (retErr error) {
	tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: c.isolation, ReadOnly: c.readOnly})
	if err != nil {
		return errors.EnsureStack(err)
	}
	defer func() {
		if retErr != nil {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Error(ctx, "problem rolling back transaction", zap.Error(err))
			}
		}
	}()
	if err := cb(ctx, tx); err != nil {
		return err
	}
	return errors.EnsureStack(tx.Commit())
}
