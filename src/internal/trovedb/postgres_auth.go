package trovedb

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
)

func (p *pgTx) GetUser(ctx context.Context, name string) (*User, error) {
	var u struct {
		ID       int64  `db:"user_id"`
		Name     string `db:"user_name"`
		Salt     []byte `db:"salt"`
		Password string `db:"password"`
	}
	err := p.tx.GetContext(ctx, &u, `SELECT user_id, user_name, salt, password FROM troves.users WHERE user_name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithStack(&repoerr.UserNotFound{User: name})
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	return &User{ID: u.ID, Name: u.Name, Salt: u.Salt, Password: u.Password}, nil
}

func (p *pgTx) AddUser(ctx context.Context, name string, salt []byte, password string) (int64, error) {
	var id int64
	err := p.tx.GetContext(ctx, &id, `INSERT INTO troves.users (user_name, salt, password) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING RETURNING user_id`,
		name, salt, password)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.WithStack(&repoerr.UserAlreadyExists{User: name})
	}
	return id, errors.Wrap(err, "add user")
}

// affected turns a statement that touched no rows into notFound.
func affected(res sql.Result, err error, notFound error) error {
	if err != nil {
		return errors.EnsureStack(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.EnsureStack(err)
	}
	if n == 0 {
		return errors.WithStack(notFound)
	}
	return nil
}

func (p *pgTx) DeleteUser(ctx context.Context, name string) error {
	res, err := p.tx.ExecContext(ctx, `DELETE FROM troves.users WHERE user_name = $1`, name)
	return affected(res, err, &repoerr.UserNotFound{User: name})
}

func (p *pgTx) SetPassword(ctx context.Context, name string, salt []byte, password string) error {
	res, err := p.tx.ExecContext(ctx, `UPDATE troves.users SET salt = $2, password = $3 WHERE user_name = $1`, name, salt, password)
	return affected(res, err, &repoerr.UserNotFound{User: name})
}

func (p *pgTx) ListUsers(ctx context.Context) ([]string, error) {
	var out []string
	err := p.tx.SelectContext(ctx, &out, `SELECT user_name FROM troves.users ORDER BY user_name`)
	return out, errors.Wrap(err, "list users")
}

type groupRow struct {
	ID     int64  `db:"user_group_id"`
	Name   string `db:"user_group"`
	Admin  bool   `db:"admin"`
	Mirror bool   `db:"can_mirror"`
}

func (r groupRow) group() Group {
	return Group{ID: r.ID, Name: r.Name, Admin: r.Admin, Mirror: r.Mirror}
}

const groupColumns = `SELECT user_group_id, user_group, admin, can_mirror FROM troves.user_groups`

func (p *pgTx) GetGroup(ctx context.Context, name string) (*Group, error) {
	var r groupRow
	err := p.tx.GetContext(ctx, &r, groupColumns+` WHERE lower(user_group) = lower($1)`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithStack(&repoerr.GroupNotFound{Group: name})
	}
	if err != nil {
		return nil, errors.Wrap(err, "get group")
	}
	g := r.group()
	return &g, nil
}

func (p *pgTx) groupID(ctx context.Context, name string) (int64, error) {
	g, err := p.GetGroup(ctx, name)
	if err != nil {
		return 0, err
	}
	return g.ID, nil
}

func (p *pgTx) selectGroups(ctx context.Context, query string, args ...any) ([]Group, error) {
	var rows []groupRow
	if err := p.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "list groups")
	}
	out := make([]Group, len(rows))
	for i, r := range rows {
		out[i] = r.group()
	}
	return out, nil
}

func (p *pgTx) Groups(ctx context.Context, ids []int64) ([]Group, error) {
	return p.selectGroups(ctx, groupColumns+` WHERE user_group_id = ANY($1) ORDER BY user_group_id`, pq.Array(ids))
}

func (p *pgTx) ListGroups(ctx context.Context) ([]Group, error) {
	return p.selectGroups(ctx, groupColumns+` ORDER BY user_group`)
}

func (p *pgTx) AddGroup(ctx context.Context, name string) (int64, error) {
	var id int64
	err := p.tx.GetContext(ctx, &id, `INSERT INTO troves.user_groups (user_group) VALUES ($1) ON CONFLICT DO NOTHING RETURNING user_group_id`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.WithStack(&repoerr.GroupAlreadyExists{Group: name})
	}
	return id, errors.Wrap(err, "add group")
}

func (p *pgTx) RenameGroup(ctx context.Context, oldName, newName string) error {
	id, err := p.groupID(ctx, oldName)
	if err != nil {
		return err
	}
	var other int64
	err = p.tx.GetContext(ctx, &other, `SELECT user_group_id FROM troves.user_groups WHERE lower(user_group) = lower($1)`, newName)
	switch {
	case err == nil && other != id:
		return errors.WithStack(&repoerr.GroupAlreadyExists{Group: newName})
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return errors.Wrap(err, "look up group")
	}
	_, err = p.tx.ExecContext(ctx, `UPDATE troves.user_groups SET user_group = $2 WHERE user_group_id = $1`, id, newName)
	return errors.Wrap(err, "rename group")
}

func (p *pgTx) DeleteGroup(ctx context.Context, name string) error {
	res, err := p.tx.ExecContext(ctx, `DELETE FROM troves.user_groups WHERE lower(user_group) = lower($1)`, name)
	return affected(res, err, &repoerr.GroupNotFound{Group: name})
}

func (p *pgTx) SetGroupFlags(ctx context.Context, name string, admin, mirror bool) error {
	res, err := p.tx.ExecContext(ctx, `UPDATE troves.user_groups SET admin = $2, can_mirror = $3 WHERE lower(user_group) = lower($1)`,
		name, admin, mirror)
	return affected(res, err, &repoerr.GroupNotFound{Group: name})
}

func (p *pgTx) UserGroupIDs(ctx context.Context, user string) ([]int64, error) {
	var out []int64
	err := p.tx.SelectContext(ctx, &out, `SELECT m.user_group_id FROM troves.user_group_members m
	JOIN troves.users u ON u.user_id = m.user_id
	WHERE u.user_name = $1 ORDER BY m.user_group_id`, user)
	return out, errors.Wrap(err, "list user groups")
}

func (p *pgTx) GroupMembers(ctx context.Context, group string) ([]string, error) {
	id, err := p.groupID(ctx, group)
	if err != nil {
		return nil, err
	}
	var out []string
	err = p.tx.SelectContext(ctx, &out, `SELECT u.user_name FROM troves.user_group_members m
	JOIN troves.users u ON u.user_id = m.user_id
	WHERE m.user_group_id = $1 ORDER BY u.user_name`, id)
	return out, errors.Wrap(err, "list group members")
}

func (p *pgTx) SetGroupMembers(ctx context.Context, group string, users []string) error {
	id, err := p.groupID(ctx, group)
	if err != nil {
		return err
	}
	if _, err := p.tx.ExecContext(ctx, `DELETE FROM troves.user_group_members WHERE user_group_id = $1`, id); err != nil {
		return errors.Wrap(err, "clear group members")
	}
	for _, u := range users {
		user, err := p.GetUser(ctx, u)
		if err != nil {
			return err
		}
		if _, err := p.tx.ExecContext(ctx, `INSERT INTO troves.user_group_members (user_group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, user.ID); err != nil {
			return errors.Wrap(err, "add group member")
		}
	}
	return nil
}

// aclIDs maps an ACL label and pattern to their row ids, 0 standing for ALL.
func (p *pgTx) aclIDs(ctx context.Context, label, pattern string) (labelID, itemID int64, err error) {
	if label != "" {
		if labelID, err = p.intern(ctx, "labels", "label_id", "label", label); err != nil {
			return 0, 0, err
		}
	}
	if pattern != "" {
		if itemID, err = p.intern(ctx, "items", "item_id", "item", pattern); err != nil {
			return 0, 0, err
		}
	}
	return labelID, itemID, nil
}

func (p *pgTx) AddPermission(ctx context.Context, perm Permission) error {
	g, err := p.GetGroup(ctx, perm.Group)
	if err != nil {
		return err
	}
	labelID, itemID, err := p.aclIDs(ctx, perm.Label, perm.Pattern)
	if err != nil {
		return err
	}
	res, err := p.tx.ExecContext(ctx, `INSERT INTO troves.permissions (user_group_id, label_id, item_id, can_write, can_remove)
	VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`, g.ID, labelID, itemID, perm.CanWrite, perm.CanRemove)
	return affected(res, err, &repoerr.PermissionAlreadyExists{Msg: "permission already exists for " + g.Name})
}

func (p *pgTx) DeletePermission(ctx context.Context, group, label, pattern string) error {
	id, err := p.groupID(ctx, group)
	if err != nil {
		return err
	}
	labelID, itemID, err := p.aclIDs(ctx, label, pattern)
	if err != nil {
		return err
	}
	res, err := p.tx.ExecContext(ctx, `DELETE FROM troves.permissions WHERE user_group_id = $1 AND label_id = $2 AND item_id = $3`,
		id, labelID, itemID)
	if err := affected(res, err, ErrNotFound); err != nil {
		return errors.Wrapf(err, "permission %s/%s for %s", label, pattern, group)
	}
	return nil
}

func (p *pgTx) Permissions(ctx context.Context, groups []int64, label string) ([]Permission, error) {
	query := `SELECT p.user_group_id, g.user_group, COALESCE(l.label, '') AS label, COALESCE(i.item, '') AS item, p.can_write, p.can_remove
	FROM troves.permissions p
	JOIN troves.user_groups g ON g.user_group_id = p.user_group_id
	LEFT JOIN troves.labels l ON l.label_id = p.label_id
	LEFT JOIN troves.items i ON i.item_id = p.item_id
	WHERE p.user_group_id = ANY($1)`
	args := []any{pq.Array(groups)}
	if label != "" {
		query += ` AND (p.label_id = 0 OR l.label = $2)`
		args = append(args, label)
	}
	query += ` ORDER BY p.permission_id`
	var rows []struct {
		GroupID   int64  `db:"user_group_id"`
		Group     string `db:"user_group"`
		Label     string `db:"label"`
		Item      string `db:"item"`
		CanWrite  bool   `db:"can_write"`
		CanRemove bool   `db:"can_remove"`
	}
	if err := p.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "list permissions")
	}
	out := make([]Permission, len(rows))
	for i, r := range rows {
		out[i] = Permission{GroupID: r.GroupID, Group: r.Group, Label: r.Label, Pattern: r.Item, CanWrite: r.CanWrite, CanRemove: r.CanRemove}
	}
	return out, nil
}

func (p *pgTx) classID(ctx context.Context, class string) (int64, error) {
	var id int64
	err := p.tx.GetContext(ctx, &id, `SELECT ent_group_id FROM troves.entitlement_groups WHERE ent_group = $1`, class)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errors.WithStack(&repoerr.UnknownEntitlementClass{Class: class})
	}
	return id, errors.Wrap(err, "get entitlement class")
}

func (p *pgTx) setAccess(ctx context.Context, classID int64, groups []string) error {
	if _, err := p.tx.ExecContext(ctx, `DELETE FROM troves.entitlement_access_map WHERE ent_group_id = $1`, classID); err != nil {
		return errors.Wrap(err, "clear entitlement access")
	}
	for _, g := range groups {
		id, err := p.groupID(ctx, g)
		if err != nil {
			return err
		}
		if _, err := p.tx.ExecContext(ctx, `INSERT INTO troves.entitlement_access_map (ent_group_id, user_group_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			classID, id); err != nil {
			return errors.Wrap(err, "add entitlement access")
		}
	}
	return nil
}

func (p *pgTx) AddEntitlementClass(ctx context.Context, class string, accessGroups []string) error {
	var id int64
	err := p.tx.GetContext(ctx, &id, `INSERT INTO troves.entitlement_groups (ent_group) VALUES ($1) ON CONFLICT DO NOTHING RETURNING ent_group_id`, class)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.WithStack(&repoerr.GroupAlreadyExists{Group: class})
	}
	if err != nil {
		return errors.Wrap(err, "add entitlement class")
	}
	return p.setAccess(ctx, id, accessGroups)
}

func (p *pgTx) DeleteEntitlementClass(ctx context.Context, class string) error {
	res, err := p.tx.ExecContext(ctx, `DELETE FROM troves.entitlement_groups WHERE ent_group = $1`, class)
	return affected(res, err, &repoerr.UnknownEntitlementClass{Class: class})
}

func (p *pgTx) EntitlementClasses(ctx context.Context) ([]string, error) {
	var out []string
	err := p.tx.SelectContext(ctx, &out, `SELECT ent_group FROM troves.entitlement_groups ORDER BY ent_group`)
	return out, errors.Wrap(err, "list entitlement classes")
}

func (p *pgTx) AddEntitlementKey(ctx context.Context, class, key string) error {
	id, err := p.classID(ctx, class)
	if err != nil {
		return err
	}
	_, err = p.tx.ExecContext(ctx, `INSERT INTO troves.entitlements (ent_group_id, entitlement) VALUES ($1, $2) ON CONFLICT DO NOTHING`, id, key)
	return errors.Wrap(err, "add entitlement")
}

func (p *pgTx) DeleteEntitlementKey(ctx context.Context, class, key string) error {
	id, err := p.classID(ctx, class)
	if err != nil {
		return err
	}
	res, err := p.tx.ExecContext(ctx, `DELETE FROM troves.entitlements WHERE ent_group_id = $1 AND entitlement = $2`, id, key)
	return affected(res, err, &repoerr.InvalidEntitlement{Class: class, Key: key})
}

func (p *pgTx) EntitlementKeys(ctx context.Context, class string) ([]string, error) {
	id, err := p.classID(ctx, class)
	if err != nil {
		return nil, err
	}
	var out []string
	err = p.tx.SelectContext(ctx, &out, `SELECT entitlement FROM troves.entitlements WHERE ent_group_id = $1 ORDER BY entitlement`, id)
	return out, errors.Wrap(err, "list entitlements")
}

func (p *pgTx) classGroups(ctx context.Context, table, column, class string) ([]string, error) {
	id, err := p.classID(ctx, class)
	if err != nil {
		return nil, err
	}
	var out []string
	err = p.tx.SelectContext(ctx, &out, `SELECT g.user_group FROM troves.`+table+` m
	JOIN troves.user_groups g ON g.user_group_id = m.`+column+`
	WHERE m.ent_group_id = $1 ORDER BY g.user_group`, id)
	return out, errors.Wrapf(err, "list %s", table)
}

func (p *pgTx) EntitlementOwners(ctx context.Context, class string) ([]string, error) {
	return p.classGroups(ctx, "entitlement_owners", "owner_group_id", class)
}

func (p *pgTx) AddEntitlementOwner(ctx context.Context, class, group string) error {
	id, err := p.classID(ctx, class)
	if err != nil {
		return err
	}
	gid, err := p.groupID(ctx, group)
	if err != nil {
		return err
	}
	_, err = p.tx.ExecContext(ctx, `INSERT INTO troves.entitlement_owners (ent_group_id, owner_group_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, id, gid)
	return errors.Wrap(err, "add entitlement owner")
}

func (p *pgTx) DeleteEntitlementOwner(ctx context.Context, class, group string) error {
	id, err := p.classID(ctx, class)
	if err != nil {
		return err
	}
	gid, err := p.groupID(ctx, group)
	if err != nil {
		return err
	}
	_, err = p.tx.ExecContext(ctx, `DELETE FROM troves.entitlement_owners WHERE ent_group_id = $1 AND owner_group_id = $2`, id, gid)
	return errors.Wrap(err, "delete entitlement owner")
}

func (p *pgTx) EntitlementAccessGroups(ctx context.Context, class string) ([]string, error) {
	return p.classGroups(ctx, "entitlement_access_map", "user_group_id", class)
}

func (p *pgTx) SetEntitlementAccessGroups(ctx context.Context, class string, groups []string) error {
	id, err := p.classID(ctx, class)
	if err != nil {
		return err
	}
	return p.setAccess(ctx, id, groups)
}

func (p *pgTx) EntitlementGroupIDs(ctx context.Context, class, key string) ([]int64, error) {
	var out []int64
	err := p.tx.SelectContext(ctx, &out, `SELECT a.user_group_id
	FROM troves.entitlement_groups eg
	JOIN troves.entitlements e ON e.ent_group_id = eg.ent_group_id
	JOIN troves.entitlement_access_map a ON a.ent_group_id = eg.ent_group_id
	WHERE eg.ent_group = $1 AND e.entitlement = $2
	ORDER BY a.user_group_id`, class, key)
	return out, errors.Wrap(err, "list entitlement groups")
}
