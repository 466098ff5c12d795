package trovedb

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return NewPGStore(sqlx.NewDb(raw, "pgx"), 0), mock
}

func TestPGAddGroupConflict(t *testing.T) {
	ctx := log.Test(t)
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO troves.user_groups`).WithArgs("devs").
		WillReturnRows(sqlmock.NewRows([]string{"user_group_id"}))
	mock.ExpectRollback()
	err := s.WithTx(ctx, false, func(ctx context.Context, tx Tx) error {
		_, err := tx.AddGroup(ctx, "devs")
		return err
	})
	var ge *repoerr.GroupAlreadyExists
	require.True(t, errors.As(err, &ge))
	require.Equal(t, "devs", ge.Group)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGGetUser(t *testing.T) {
	ctx := log.Test(t)
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id, user_name, salt, password FROM troves.users`).WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "user_name", "salt", "password"}).
			AddRow(7, "alice", []byte("salt"), "hash"))
	mock.ExpectQuery(`SELECT user_id, user_name, salt, password FROM troves.users`).WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "user_name", "salt", "password"}))
	mock.ExpectCommit()
	require.NoError(t, s.WithTx(ctx, true, func(ctx context.Context, tx Tx) error {
		u, err := tx.GetUser(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, &User{ID: 7, Name: "alice", Salt: []byte("salt"), Password: "hash"}, u)
		_, err = tx.GetUser(ctx, "bob")
		var nf *repoerr.UserNotFound
		require.True(t, errors.As(err, &nf))
		return nil
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGDeleteGroupMissing(t *testing.T) {
	ctx := log.Test(t)
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM troves.user_groups`).WithArgs("devs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	err := s.WithTx(ctx, false, func(ctx context.Context, tx Tx) error {
		return tx.DeleteGroup(ctx, "devs")
	})
	var nf *repoerr.GroupNotFound
	require.True(t, errors.As(err, &nf))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGIntern(t *testing.T) {
	ctx := log.Test(t)
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO troves.items \(item\) VALUES \(\$1\) ON CONFLICT DO NOTHING RETURNING item_id`).WithArgs("foo").
		WillReturnRows(sqlmock.NewRows([]string{"item_id"}))
	mock.ExpectQuery(`SELECT item_id FROM troves.items WHERE item = \$1`).WithArgs("foo").
		WillReturnRows(sqlmock.NewRows([]string{"item_id"}).AddRow(3))
	mock.ExpectCommit()
	require.NoError(t, s.WithTx(ctx, false, func(ctx context.Context, tx Tx) error {
		id, err := tx.(*pgTx).intern(ctx, "items", "item_id", "item", "foo")
		require.NoError(t, err)
		require.Equal(t, int64(3), id)
		return nil
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGInstances(t *testing.T) {
	ctx := log.Test(t)
	s, mock := newMockStore(t)
	cols := []string{"instance_id", "item", "version", "timestamps", "flavor", "trove_type", "is_present"}
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT inst.instance_id, i.item`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "foo", "/repo.example.com@rpl:devel/1.0-1-1", "1000.000", "ssl", 0, 1).
			AddRow(2, "foo", "/repo.example.com@rpl:devel/1.0-1-2", "2000.000", "ssl", 0, 1))
	mock.ExpectCommit()
	require.NoError(t, s.WithTx(ctx, true, func(ctx context.Context, tx Tx) error {
		l, err := tx.Instances(ctx, InstanceQuery{Names: []string{"foo"}, Leaves: true})
		require.NoError(t, err)
		require.Len(t, l, 1)
		require.Equal(t, "/repo.example.com@rpl:devel/1.0-1-2", l[0].Version.String())
		require.Equal(t, 2000.0, l[0].Version.Timestamp())
		require.Equal(t, "ssl", l[0].Flavor.String())
		return nil
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGLockContention(t *testing.T) {
	ctx := log.Test(t)
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()
	err := s.WithTx(ctx, false, func(context.Context, Tx) error {
		return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	})
	var dl *repoerr.DatabaseLocked
	require.True(t, errors.As(err, &dl))
	require.NoError(t, mock.ExpectationsWereMet())
}
