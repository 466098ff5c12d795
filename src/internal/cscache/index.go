package cscache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/pachyderm/troverepo/src/internal/dbutil"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/pachsql"
	"github.com/pachyderm/troverepo/src/internal/trove"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
)

// PGIndex keeps cache rows in the cache schema.  Versions and flavors are
// interned into cache.versions and cache.flavors; the empty string is id 0.
type PGIndex struct {
	db *pachsql.DB
}

var _ Index = &PGIndex{}

func NewPGIndex(db *pachsql.DB) *PGIndex {
	return &PGIndex{db: db}
}

func (x *PGIndex) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := sqlx.GetContext(ctx, x.db, &v, `SELECT version FROM cache.schema_version LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, errors.EnsureStack(err)
}

func (x *PGIndex) Reset(ctx context.Context, version int) ([]int64, error) {
	var rows []int64
	err := dbutil.WithTx(ctx, x.db, func(ctx context.Context, tx *pachsql.Tx) error {
		rows = nil
		if err := tx.SelectContext(ctx, &rows, `DELETE FROM cache.changesets RETURNING row_id`); err != nil {
			return errors.EnsureStack(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache.schema_version`); err != nil {
			return errors.EnsureStack(err)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO cache.schema_version (version) VALUES ($1)`, version)
		return errors.EnsureStack(err)
	})
	return rows, err
}

// lookupID returns the id of value in table, or ok=false if it was never
// interned.
func lookupID(ctx context.Context, q sqlx.QueryerContext, table, value string) (id int64, ok bool, _ error) {
	if value == "" {
		return 0, true, nil
	}
	err := sqlx.GetContext(ctx, q, &id, fmt.Sprintf(`SELECT %[1]s_id FROM cache.%[1]ss WHERE %[1]s = $1`, table), value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.EnsureStack(err)
	}
	return id, true, nil
}

func internID(ctx context.Context, tx *pachsql.Tx, table, value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	var id int64
	err := tx.GetContext(ctx, &id, fmt.Sprintf(
		`INSERT INTO cache.%[1]ss (%[1]s) VALUES ($1) ON CONFLICT DO NOTHING RETURNING %[1]s_id`, table), value)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.GetContext(ctx, &id, fmt.Sprintf(`SELECT %[1]s_id FROM cache.%[1]ss WHERE %[1]s = $1`, table), value)
	}
	return id, errors.Wrapf(err, "intern cache %s %q", table, value)
}

type keyIDs struct {
	oldVersion, oldFlavor, newVersion, newFlavor int64
}

func (x *PGIndex) ids(ctx context.Context, q sqlx.QueryerContext, k Key) (keyIDs, bool, error) {
	var ids keyIDs
	for _, f := range []struct {
		table, value string
		dst          *int64
	}{
		{"version", k.OldVersion, &ids.oldVersion},
		{"flavor", k.OldFlavor, &ids.oldFlavor},
		{"version", k.NewVersion, &ids.newVersion},
		{"flavor", k.NewFlavor, &ids.newFlavor},
	} {
		id, ok, err := lookupID(ctx, q, f.table, f.value)
		if err != nil || !ok {
			return ids, false, err
		}
		*f.dst = id
	}
	return ids, true, nil
}

func (x *PGIndex) Lookup(ctx context.Context, k Key) ([]Row, error) {
	ids, ok, err := x.ids(ctx, x.db, k)
	if err != nil || !ok {
		return nil, err
	}
	var rows []Row
	err = sqlx.SelectContext(ctx, x.db, &rows, `
		SELECT row_id, return_value, COALESCE(size, 0) AS size FROM cache.changesets
		WHERE trove_name = $1 AND old_flavor_id = $2 AND old_version_id = $3
		AND new_flavor_id = $4 AND new_version_id = $5 AND absolute = $6
		AND recurse = $7 AND with_files = $8 AND with_file_contents = $9
		AND exclude_auto_source = $10 AND format = $11
		ORDER BY row_id`,
		k.Name, ids.oldFlavor, ids.oldVersion, ids.newFlavor, ids.newVersion, k.Absolute,
		k.Recurse, k.WithFiles, k.WithFileContents, k.ExcludeAutoSource, int(k.Format))
	return rows, errors.EnsureStack(err)
}

func (x *PGIndex) Insert(ctx context.Context, k Key, value []byte) (int64, error) {
	var row int64
	err := dbutil.WithTx(ctx, x.db, func(ctx context.Context, tx *pachsql.Tx) error {
		var ids keyIDs
		var err error
		if ids.oldVersion, err = internID(ctx, tx, "version", k.OldVersion); err != nil {
			return err
		}
		if ids.oldFlavor, err = internID(ctx, tx, "flavor", k.OldFlavor); err != nil {
			return err
		}
		if ids.newVersion, err = internID(ctx, tx, "version", k.NewVersion); err != nil {
			return err
		}
		if ids.newFlavor, err = internID(ctx, tx, "flavor", k.NewFlavor); err != nil {
			return err
		}
		return errors.EnsureStack(tx.GetContext(ctx, &row, `
			INSERT INTO cache.changesets (trove_name, old_flavor_id, old_version_id, new_flavor_id,
				new_version_id, absolute, recurse, with_files, with_file_contents, exclude_auto_source,
				format, return_value)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING row_id`,
			k.Name, ids.oldFlavor, ids.oldVersion, ids.newFlavor, ids.newVersion, k.Absolute,
			k.Recurse, k.WithFiles, k.WithFileContents, k.ExcludeAutoSource, int(k.Format), value))
	})
	return row, err
}

func (x *PGIndex) SetSize(ctx context.Context, row, size int64) error {
	_, err := x.db.ExecContext(ctx, `UPDATE cache.changesets SET size = $1 WHERE row_id = $2`, size, row)
	return errors.EnsureStack(err)
}

func (x *PGIndex) Delete(ctx context.Context, row int64) error {
	_, err := x.db.ExecContext(ctx, `DELETE FROM cache.changesets WHERE row_id = $1`, row)
	return errors.EnsureStack(err)
}

func (x *PGIndex) DeleteTrove(ctx context.Context, name, version, flavor string) ([]int64, error) {
	var rows []int64
	err := dbutil.WithTx(ctx, x.db, func(ctx context.Context, tx *pachsql.Tx) error {
		rows = nil
		versionID, ok, err := lookupID(ctx, tx, "version", version)
		if err != nil || !ok {
			return err
		}
		flavorID, ok, err := lookupID(ctx, tx, "flavor", flavor)
		if err != nil || !ok {
			return err
		}
		return errors.EnsureStack(tx.SelectContext(ctx, &rows, `
			DELETE FROM cache.changesets
			WHERE trove_name = $1 AND new_version_id = $2 AND new_flavor_id = $3
			RETURNING row_id`, name, versionID, flavorID))
	})
	return rows, err
}

// MemIndex keeps cache rows in memory, for tests and for servers running
// without a database.
type MemIndex struct {
	mu      sync.Mutex
	version int
	next    int64
	rows    map[int64]memRow
}

type memRow struct {
	key Key
	Row
}

var _ Index = &MemIndex{}

func NewMemIndex() *MemIndex {
	return &MemIndex{rows: make(map[int64]memRow)}
}

func (x *MemIndex) SchemaVersion(ctx context.Context) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.version, nil
}

func (x *MemIndex) Reset(ctx context.Context, version int) ([]int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var ids []int64
	for id := range x.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	x.rows = make(map[int64]memRow)
	x.version = version
	return ids, nil
}

func (x *MemIndex) Lookup(ctx context.Context, k Key) ([]Row, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []Row
	for _, r := range x.rows {
		if r.key == k {
			out = append(out, r.Row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (x *MemIndex) Insert(ctx context.Context, k Key, value []byte) (int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.next++
	x.rows[x.next] = memRow{key: k, Row: Row{ID: x.next, Value: append([]byte(nil), value...)}}
	return x.next, nil
}

func (x *MemIndex) SetSize(ctx context.Context, row, size int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if r, ok := x.rows[row]; ok {
		r.Size = size
		x.rows[row] = r
	}
	return nil
}

func (x *MemIndex) Delete(ctx context.Context, row int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.rows, row)
	return nil
}

func (x *MemIndex) DeleteTrove(ctx context.Context, name, version, flavor string) ([]int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var ids []int64
	for id, r := range x.rows {
		if r.key.Name == name && r.key.NewVersion == version && r.key.NewFlavor == flavor {
			ids = append(ids, id)
			delete(x.rows, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// StoreGraph answers Graph queries from a trove store.
type StoreGraph struct {
	Store trovedb.Store
}

func (g StoreGraph) TroveParents(ctx context.Context, n trove.NVF) ([]trove.NVF, error) {
	var parents []trove.NVF
	err := g.Store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		var err error
		parents, err = tx.TroveParents(ctx, n)
		return err
	})
	return parents, err
}
