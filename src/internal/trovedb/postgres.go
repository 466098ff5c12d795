package trovedb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"github.com/pachyderm/troverepo/src/internal/dbutil"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/pachsql"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
)

var _ Store = &PGStore{}

const (
	notPresent     = 0
	present        = 1
	presentHidden  = 2
	instanceSelect = `
	FROM troves.instances inst
	JOIN troves.items i ON i.item_id = inst.item_id
	JOIN troves.versions v ON v.version_id = inst.version_id
	JOIN troves.flavors f ON f.flavor_id = inst.flavor_id
	JOIN troves.nodes n ON n.item_id = inst.item_id AND n.version_id = inst.version_id`
)

var infoCodec = jsoniter.Config{SortMapKeys: true, EscapeHTML: false}.Froze()

// PGStore keeps troves in Postgres, in the troves schema created by
// DesiredState.
type PGStore struct {
	db      *pachsql.DB
	retries int
}

// NewPGStore returns a store on db.  Transactions that fail on lock
// contention are rerun up to retries times.
func NewPGStore(db *pachsql.DB, retries int) *PGStore {
	return &PGStore{db: db, retries: retries}
}

func (s *PGStore) WithTx(ctx context.Context, readOnly bool, cb func(context.Context, Tx) error) error {
	opts := []dbutil.WithTxOption{dbutil.WithRetries(s.retries)}
	if readOnly {
		opts = append(opts, dbutil.WithReadOnly())
	}
	err := dbutil.WithTx(ctx, s.db, func(ctx context.Context, tx *pachsql.Tx) error {
		return cb(ctx, &pgTx{tx: tx})
	}, opts...)
	if errors.Is(err, dbutil.ErrTxLocked) {
		return errors.Wrap(&repoerr.DatabaseLocked{}, err.Error())
	}
	return err
}

type pgTx struct {
	tx *pachsql.Tx
}

// intern returns the id of value in a (id, value) lookup table, adding the
// row if it does not exist.
func (p *pgTx) intern(ctx context.Context, table, idCol, col, value string) (int64, error) {
	var id int64
	err := p.tx.GetContext(ctx, &id, fmt.Sprintf(
		`INSERT INTO troves.%s (%s) VALUES ($1) ON CONFLICT DO NOTHING RETURNING %s`, table, col, idCol), value)
	if errors.Is(err, sql.ErrNoRows) {
		err = p.tx.GetContext(ctx, &id, fmt.Sprintf(`SELECT %s FROM troves.%s WHERE %s = $1`, idCol, table, col), value)
	}
	return id, errors.Wrapf(err, "intern %s %q", table, value)
}

type instanceRow struct {
	ID         int64  `db:"instance_id"`
	Item       string `db:"item"`
	Version    string `db:"version"`
	Timestamps string `db:"timestamps"`
	Flavor     string `db:"flavor"`
	TroveType  int    `db:"trove_type"`
	IsPresent  int    `db:"is_present"`
}

func (r instanceRow) nvf() (trove.NVF, error) {
	v, err := loadVersion(r.Version, r.Timestamps)
	if err != nil {
		return trove.NVF{}, err
	}
	f, err := loadFlavor(r.Flavor)
	if err != nil {
		return trove.NVF{}, err
	}
	return trove.NVF{Name: r.Item, Version: v, Flavor: f}, nil
}

func (p *pgTx) instance(ctx context.Context, n trove.NVF) (*instanceRow, error) {
	var row instanceRow
	err := p.tx.GetContext(ctx, &row, `SELECT inst.instance_id, i.item, v.version, n.timestamps, f.flavor, inst.trove_type, inst.is_present`+
		instanceSelect+` WHERE i.item = $1 AND v.version = $2 AND f.flavor = $3`,
		n.Name, n.Version.String(), n.Flavor.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.EnsureStack(err)
	}
	return &row, nil
}

func (p *pgTx) Instances(ctx context.Context, q InstanceQuery) ([]Instance, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	where = append(where, "inst.is_present = "+arg(present))
	if q.Names != nil {
		where = append(where, "i.item = ANY("+arg(pq.Array(q.Names))+")")
	}
	switch q.Select {
	case SelectLabel:
		where = append(where, "l.label = ANY("+arg(pq.Array(q.Specs))+")")
	case SelectBranch:
		where = append(where, "b.branch = ANY("+arg(pq.Array(q.Specs))+")")
	case SelectVersion:
		where = append(where, "v.version = ANY("+arg(pq.Array(q.Specs))+")")
	}
	switch q.Types {
	case QueryPresent:
		where = append(where, "inst.trove_type <> "+arg(int(trove.TypeRemoved)))
	case QueryNormal:
		where = append(where, "inst.trove_type = "+arg(int(trove.TypeNormal)))
	}
	query := `SELECT inst.instance_id, i.item, v.version, n.timestamps, f.flavor, inst.trove_type, inst.is_present` +
		instanceSelect + `
	JOIN troves.branches b ON b.branch_id = n.branch_id
	JOIN troves.label_map lm ON lm.item_id = n.item_id AND lm.branch_id = n.branch_id
	JOIN troves.labels l ON l.label_id = lm.label_id
	WHERE ` + strings.Join(where, " AND ") + `
	ORDER BY i.item, n.final_timestamp, v.version, f.flavor`
	var rows []instanceRow
	if err := p.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "list instances")
	}
	out := make([]Instance, 0, len(rows))
	for _, r := range rows {
		n, err := r.nvf()
		if err != nil {
			return nil, err
		}
		out = append(out, Instance{NVF: n, Type: trove.Type(r.TroveType)})
	}
	if q.Leaves {
		out = Leaves(out)
	}
	return out, nil
}

func (p *pgTx) TroveNames(ctx context.Context, label string) ([]NameLabel, error) {
	query := `SELECT DISTINCT i.item, l.label
	FROM troves.label_map lm
	JOIN troves.items i ON i.item_id = lm.item_id
	JOIN troves.labels l ON l.label_id = lm.label_id
	WHERE i.has_trove`
	var args []any
	if label != "" {
		query += ` AND l.label = $1`
		args = append(args, label)
	}
	query += ` ORDER BY i.item, l.label`
	var rows []struct {
		Item  string `db:"item"`
		Label string `db:"label"`
	}
	if err := p.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "list trove names")
	}
	out := make([]NameLabel, len(rows))
	for i, r := range rows {
		out[i] = NameLabel{Name: r.Item, Label: r.Label}
	}
	return out, nil
}

func (p *pgTx) HasTroves(ctx context.Context, troves []trove.NVF) ([]bool, error) {
	out := make([]bool, len(troves))
	for i, n := range troves {
		row, err := p.instance(ctx, n)
		if err != nil {
			return nil, err
		}
		out[i] = row != nil && row.IsPresent != notPresent
	}
	return out, nil
}

type fileRow struct {
	PathID     string `db:"path_id"`
	Path       string `db:"path"`
	FileID     string `db:"file_id"`
	Version    string `db:"version"`
	Timestamps string `db:"timestamps"`
}

type refRow struct {
	instanceRow
	ByDefault bool `db:"by_default"`
	Weak      bool `db:"weak"`
}

func (p *pgTx) GetTroves(ctx context.Context, troves []trove.NVF, withFiles bool) ([]*trove.Trove, error) {
	out := make([]*trove.Trove, len(troves))
	for i, n := range troves {
		row, err := p.instance(ctx, n)
		if err != nil {
			return nil, err
		}
		if row == nil || row.IsPresent == notPresent {
			continue
		}
		if out[i], err = p.loadTrove(ctx, row, withFiles); err != nil {
			return nil, errors.Wrapf(err, "load %v", n)
		}
	}
	return out, nil
}

func (p *pgTx) loadTrove(ctx context.Context, row *instanceRow, withFiles bool) (*trove.Trove, error) {
	n, err := row.nvf()
	if err != nil {
		return nil, err
	}
	t := trove.New(n.Name, n.Version, n.Flavor, trove.Type(row.TroveType))
	var info []byte
	if err := p.tx.GetContext(ctx, &info, `SELECT info FROM troves.trove_info WHERE instance_id = $1`, row.ID); err != nil {
		return nil, errors.Wrap(err, "get trove info")
	}
	if err := infoCodec.Unmarshal(info, &t.Info); err != nil {
		return nil, errors.Wrap(err, "decode trove info")
	}
	if withFiles {
		var files []fileRow
		if err := p.tx.SelectContext(ctx, &files, `SELECT tf.path_id, tf.path, fs.file_id, v.version, tf.timestamps
		FROM troves.trove_files tf
		JOIN troves.file_streams fs ON fs.stream_id = tf.stream_id
		JOIN troves.versions v ON v.version_id = tf.version_id
		WHERE tf.instance_id = $1`, row.ID); err != nil {
			return nil, errors.Wrap(err, "list trove files")
		}
		for _, f := range files {
			v, err := loadVersion(f.Version, f.Timestamps)
			if err != nil {
				return nil, err
			}
			t.AddFile(f.PathID, f.Path, f.FileID, v)
		}
	}
	var refs []refRow
	if err := p.tx.SelectContext(ctx, &refs, `SELECT inst.instance_id, i.item, v.version, n.timestamps, f.flavor, inst.trove_type, inst.is_present, tt.by_default, tt.weak`+
		instanceSelect+`
	JOIN troves.trove_troves tt ON tt.included_id = inst.instance_id
	WHERE tt.instance_id = $1`, row.ID); err != nil {
		return nil, errors.Wrap(err, "list trove references")
	}
	for _, r := range refs {
		rn, err := r.nvf()
		if err != nil {
			return nil, err
		}
		t.AddTrove(rn, r.ByDefault, r.Weak)
	}
	return t, nil
}

// node makes sure the (item, version) node and its label map entry exist.
func (p *pgTx) node(ctx context.Context, n trove.NVF) (itemID, versionID int64, _ error) {
	itemID, err := p.intern(ctx, "items", "item_id", "item", n.Name)
	if err != nil {
		return 0, 0, err
	}
	versionID, err = p.intern(ctx, "versions", "version_id", "version", n.Version.String())
	if err != nil {
		return 0, 0, err
	}
	branchID, err := p.intern(ctx, "branches", "branch_id", "branch", n.Version.Branch().String())
	if err != nil {
		return 0, 0, err
	}
	labelID, err := p.intern(ctx, "labels", "label_id", "label", n.Version.TrailingLabel().String())
	if err != nil {
		return 0, 0, err
	}
	if _, err := p.tx.ExecContext(ctx, `INSERT INTO troves.label_map (item_id, label_id, branch_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		itemID, labelID, branchID); err != nil {
		return 0, 0, errors.Wrap(err, "insert label map")
	}
	if _, err := p.tx.ExecContext(ctx, `INSERT INTO troves.nodes (item_id, branch_id, version_id, timestamps, final_timestamp) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
		itemID, branchID, versionID, formatTimestamps(n.Version.Timestamps()), n.Version.Timestamp()); err != nil {
		return 0, 0, errors.Wrap(err, "insert node")
	}
	return itemID, versionID, nil
}

// placeholder returns the instance id of n, creating a not-present instance
// when n is only known as a reference.
func (p *pgTx) placeholder(ctx context.Context, n trove.NVF) (int64, error) {
	row, err := p.instance(ctx, n)
	if err != nil {
		return 0, err
	}
	if row != nil {
		return row.ID, nil
	}
	itemID, versionID, err := p.node(ctx, n)
	if err != nil {
		return 0, err
	}
	flavorID, err := p.intern(ctx, "flavors", "flavor_id", "flavor", n.Flavor.String())
	if err != nil {
		return 0, err
	}
	var id int64
	err = p.tx.GetContext(ctx, &id, `INSERT INTO troves.instances (item_id, version_id, flavor_id, is_present, trove_type) VALUES ($1, $2, $3, $4, $5) RETURNING instance_id`,
		itemID, versionID, flavorID, notPresent, int(trove.TypeNormal))
	return id, errors.Wrap(err, "insert placeholder instance")
}

func (p *pgTx) AddTrove(ctx context.Context, t *trove.Trove, opts AddOptions) error {
	n := t.NVF()
	existing, err := p.instance(ctx, n)
	if err != nil {
		return err
	}
	if existing != nil && existing.IsPresent != notPresent {
		return errors.WithStack(&repoerr.CommitError{Msg: fmt.Sprintf("version %s of %s already exists", t.Version, t.Name)})
	}
	itemID, versionID, err := p.node(ctx, n)
	if err != nil {
		return err
	}
	if _, err := p.tx.ExecContext(ctx, `UPDATE troves.items SET has_trove = true WHERE item_id = $1`, itemID); err != nil {
		return errors.Wrap(err, "mark item")
	}
	flavorID, err := p.intern(ctx, "flavors", "flavor_id", "flavor", t.Flavor.String())
	if err != nil {
		return err
	}
	var clonedFrom sql.NullInt64
	if t.Info.ClonedFrom != nil {
		id, err := p.intern(ctx, "versions", "version_id", "version", t.Info.ClonedFrom.String())
		if err != nil {
			return err
		}
		clonedFrom = sql.NullInt64{Int64: id, Valid: true}
	}
	isPresent := present
	if opts.Hidden {
		isPresent = presentHidden
	}
	var instanceID int64
	if existing != nil {
		instanceID = existing.ID
		if _, err := p.tx.ExecContext(ctx, `UPDATE troves.instances SET is_present = $2, trove_type = $3, cloned_from_id = $4 WHERE instance_id = $1`,
			instanceID, isPresent, int(t.Type), clonedFrom); err != nil {
			return errors.Wrap(err, "update placeholder instance")
		}
	} else if err := p.tx.GetContext(ctx, &instanceID, `INSERT INTO troves.instances (item_id, version_id, flavor_id, is_present, trove_type, cloned_from_id) VALUES ($1, $2, $3, $4, $5, $6) RETURNING instance_id`,
		itemID, versionID, flavorID, isPresent, int(t.Type), clonedFrom); err != nil {
		return errors.Wrap(err, "insert instance")
	}
	if err := p.addFiles(ctx, instanceID, t.Files()); err != nil {
		return err
	}
	for _, r := range t.Troves(true, true) {
		includedID, err := p.placeholder(ctx, r.NVF)
		if err != nil {
			return err
		}
		if _, err := p.tx.ExecContext(ctx, `INSERT INTO troves.trove_troves (instance_id, included_id, by_default, weak) VALUES ($1, $2, $3, $4)`,
			instanceID, includedID, r.ByDefault, r.Weak); err != nil {
			return errors.Wrap(err, "insert trove reference")
		}
	}
	info, err := infoCodec.Marshal(t.Info)
	if err != nil {
		return errors.Wrap(err, "encode trove info")
	}
	_, err = p.tx.ExecContext(ctx, `INSERT INTO troves.trove_info (instance_id, info) VALUES ($1, $2)`, instanceID, info)
	return errors.Wrap(err, "insert trove info")
}

func (p *pgTx) addFiles(ctx context.Context, instanceID int64, files []trove.FileRef) error {
	if len(files) == 0 {
		return nil
	}
	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.FileID
	}
	var rows []struct {
		StreamID int64  `db:"stream_id"`
		FileID   string `db:"file_id"`
	}
	if err := p.tx.SelectContext(ctx, &rows, `SELECT stream_id, file_id FROM troves.file_streams WHERE file_id = ANY($1)`, pq.Array(ids)); err != nil {
		return errors.Wrap(err, "look up file streams")
	}
	streams := make(map[string]int64, len(rows))
	for _, r := range rows {
		streams[r.FileID] = r.StreamID
	}
	for _, f := range files {
		streamID, ok := streams[f.FileID]
		if !ok {
			return errors.WithStack(&repoerr.FileStreamMissing{FileID: f.FileID})
		}
		versionID, err := p.intern(ctx, "versions", "version_id", "version", f.Version.String())
		if err != nil {
			return err
		}
		if _, err := p.tx.ExecContext(ctx, `INSERT INTO troves.trove_files (instance_id, stream_id, version_id, timestamps, path_id, path) VALUES ($1, $2, $3, $4, $5, $6)`,
			instanceID, streamID, versionID, formatTimestamps(f.Version.Timestamps()), f.PathID, f.Path); err != nil {
			return errors.Wrap(err, "insert trove file")
		}
	}
	return nil
}

func (p *pgTx) presentInstance(ctx context.Context, n trove.NVF) (*instanceRow, error) {
	row, err := p.instance(ctx, n)
	if err != nil {
		return nil, err
	}
	if row == nil || row.IsPresent == notPresent {
		return nil, errors.WithStack(&repoerr.TroveMissing{Name: n.Name, Version: n.Version.String()})
	}
	return row, nil
}

func (p *pgTx) MarkTroveRemoved(ctx context.Context, n trove.NVF) error {
	row, err := p.presentInstance(ctx, n)
	if err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM troves.trove_files WHERE instance_id = $1`,
		`DELETE FROM troves.trove_troves WHERE instance_id = $1`,
	} {
		if _, err := p.tx.ExecContext(ctx, q, row.ID); err != nil {
			return errors.Wrap(err, "remove trove contents")
		}
	}
	_, err = p.tx.ExecContext(ctx, `UPDATE troves.instances SET trove_type = $2 WHERE instance_id = $1`, row.ID, int(trove.TypeRemoved))
	return errors.Wrap(err, "mark trove removed")
}

func (p *pgTx) UpdateTroveInfo(ctx context.Context, n trove.NVF, info trove.Info) error {
	row, err := p.presentInstance(ctx, n)
	if err != nil {
		return err
	}
	b, err := infoCodec.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "encode trove info")
	}
	_, err = p.tx.ExecContext(ctx, `UPDATE troves.trove_info SET info = $2 WHERE instance_id = $1`, row.ID, b)
	return errors.Wrap(err, "update trove info")
}

func (p *pgTx) PresentHiddenTroves(ctx context.Context) error {
	_, err := p.tx.ExecContext(ctx, `UPDATE troves.instances SET is_present = $1 WHERE is_present = $2`, present, presentHidden)
	return errors.Wrap(err, "present hidden troves")
}

func (p *pgTx) TroveParents(ctx context.Context, n trove.NVF) ([]trove.NVF, error) {
	row, err := p.instance(ctx, n)
	if err != nil || row == nil {
		return nil, err
	}
	var rows []instanceRow
	if err := p.tx.SelectContext(ctx, &rows, `SELECT inst.instance_id, i.item, v.version, n.timestamps, f.flavor, inst.trove_type, inst.is_present`+
		instanceSelect+`
	JOIN troves.trove_troves tt ON tt.instance_id = inst.instance_id
	WHERE tt.included_id = $1 AND inst.is_present = $2 AND inst.trove_type <> $3
	ORDER BY i.item, v.version, f.flavor`, row.ID, present, int(trove.TypeRemoved)); err != nil {
		return nil, errors.Wrap(err, "list trove parents")
	}
	out := make([]trove.NVF, 0, len(rows))
	for _, r := range rows {
		pn, err := r.nvf()
		if err != nil {
			return nil, err
		}
		out = append(out, pn)
	}
	return out, nil
}

func (p *pgTx) AddFileStream(ctx context.Context, fileID string, stream []byte) error {
	if stream == nil {
		stream = []byte{}
	}
	_, err := p.tx.ExecContext(ctx, `INSERT INTO troves.file_streams (file_id, stream) VALUES ($1, $2)
	ON CONFLICT (file_id) DO UPDATE SET stream = EXCLUDED.stream WHERE length(troves.file_streams.stream) = 0`, fileID, stream)
	return errors.Wrap(err, "insert file stream")
}

func (p *pgTx) FileStreams(ctx context.Context, fileIDs []string) ([][]byte, error) {
	var rows []struct {
		FileID string `db:"file_id"`
		Stream []byte `db:"stream"`
	}
	if err := p.tx.SelectContext(ctx, &rows, `SELECT file_id, stream FROM troves.file_streams WHERE file_id = ANY($1)`, pq.Array(fileIDs)); err != nil {
		return nil, errors.Wrap(err, "get file streams")
	}
	byID := make(map[string][]byte, len(rows))
	for _, r := range rows {
		byID[r.FileID] = r.Stream
	}
	out := make([][]byte, len(fileIDs))
	for i, id := range fileIDs {
		out[i] = byID[id]
	}
	return out, nil
}

func (p *pgTx) FileOwners(ctx context.Context, fileID string) ([]FileOwner, error) {
	var rows []struct {
		instanceRow
		FileVersion    string `db:"file_version"`
		FileTimestamps string `db:"file_timestamps"`
	}
	if err := p.tx.SelectContext(ctx, &rows, `SELECT inst.instance_id, i.item, v.version, n.timestamps, f.flavor, inst.trove_type, inst.is_present,
		fv.version AS file_version, tf.timestamps AS file_timestamps`+
		instanceSelect+`
	JOIN troves.trove_files tf ON tf.instance_id = inst.instance_id
	JOIN troves.file_streams fs ON fs.stream_id = tf.stream_id
	JOIN troves.versions fv ON fv.version_id = tf.version_id
	WHERE fs.file_id = $1 AND inst.is_present = $2
	ORDER BY i.item, v.version, f.flavor`, fileID, present); err != nil {
		return nil, errors.Wrap(err, "list file owners")
	}
	out := make([]FileOwner, 0, len(rows))
	for _, r := range rows {
		n, err := r.nvf()
		if err != nil {
			return nil, err
		}
		fv, err := loadVersion(r.FileVersion, r.FileTimestamps)
		if err != nil {
			return nil, err
		}
		out = append(out, FileOwner{NVF: n, FileVersion: fv})
	}
	return out, nil
}
