package server

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/internal/versions"
	"github.com/pachyderm/troverepo/src/server/auth"
)

func (a *APIServer) write(ctx context.Context, cb func(context.Context, trovedb.Tx) error) error {
	return a.env.Store.WithTx(ctx, false, cb)
}

func (a *APIServer) read(ctx context.Context, cb func(context.Context, trovedb.Tx) error) error {
	return a.env.Store.WithTx(ctx, true, cb)
}

// addGroup inserts group and then verifies no other group differs from it
// only by case, so a concurrent insert of a case variant loses.
func addGroup(ctx context.Context, tx trovedb.Tx, group string) error {
	if err := checkName(group); err != nil {
		return err
	}
	if _, err := tx.AddGroup(ctx, group); err != nil {
		return err
	}
	all, err := tx.ListGroups(ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, g := range all {
		if strings.EqualFold(g.Name, group) {
			n++
		}
	}
	if n > 1 {
		return errors.WithStack(&repoerr.GroupAlreadyExists{Group: group})
	}
	return nil
}

func (a *APIServer) AddUser(ctx context.Context, user, password string) error {
	salt, err := newSalt()
	if err != nil {
		return err
	}
	return a.AddUserByMD5(ctx, user, salt, passwordHash(salt, password))
}

// AddUserByMD5 adds user with an already hashed password, along with a group
// of the same name holding just that user.
func (a *APIServer) AddUserByMD5(ctx context.Context, user string, salt []byte, hash string) (retErr error) {
	ctx, end := log.SpanContext(ctx, "AddUser", zap.String("user", user))
	defer end(log.Errorp(&retErr))
	if err := checkName(user); err != nil {
		return err
	}
	return a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		if _, err := tx.AddUser(ctx, user, salt, hash); err != nil {
			return err
		}
		users, err := tx.ListUsers(ctx)
		if err != nil {
			return err
		}
		for _, u := range users {
			if u != user && strings.EqualFold(u, user) {
				return errors.WithStack(&repoerr.UserAlreadyExists{User: user})
			}
		}
		if err := addGroup(ctx, tx, user); err != nil {
			return err
		}
		return tx.SetGroupMembers(ctx, user, []string{user})
	})
}

// DeleteUser removes user and the group named after them, if any.
func (a *APIServer) DeleteUser(ctx context.Context, user string) (retErr error) {
	ctx, end := log.SpanContext(ctx, "DeleteUser", zap.String("user", user))
	defer end(log.Errorp(&retErr))
	err := a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		if err := tx.DeleteGroup(ctx, user); err != nil && !errors.As(err, new(*repoerr.GroupNotFound)) {
			return err
		}
		return tx.DeleteUser(ctx, user)
	})
	if err == nil {
		a.ents.purge()
	}
	return err
}

func (a *APIServer) ChangePassword(ctx context.Context, user, password string) error {
	if a.env.PasswordURL != "" {
		return errors.WithStack(&repoerr.CannotChangePassword{})
	}
	salt, err := newSalt()
	if err != nil {
		return err
	}
	return a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.SetPassword(ctx, user, salt, passwordHash(salt, password))
	})
}

func (a *APIServer) ListUsers(ctx context.Context) (users []string, _ error) {
	err := a.read(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		var err error
		users, err = tx.ListUsers(ctx)
		return err
	})
	return users, err
}

// GetUserGroups lists the names of the groups user belongs to.
func (a *APIServer) GetUserGroups(ctx context.Context, user string) (names []string, _ error) {
	err := a.read(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		ids, err := tx.UserGroupIDs(ctx, user)
		if err != nil {
			return err
		}
		groups, err := tx.Groups(ctx, ids)
		if err != nil {
			return err
		}
		for _, g := range groups {
			names = append(names, g.Name)
		}
		return nil
	})
	return names, err
}

func (a *APIServer) AddGroup(ctx context.Context, group string) error {
	return a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		return addGroup(ctx, tx, group)
	})
}

func (a *APIServer) RenameGroup(ctx context.Context, oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	if err := checkName(newName); err != nil {
		return err
	}
	return a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.RenameGroup(ctx, oldName, newName)
	})
}

// DeleteGroup removes group with its memberships, permissions and
// entitlement mappings.
func (a *APIServer) DeleteGroup(ctx context.Context, group string) error {
	err := a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.DeleteGroup(ctx, group)
	})
	if err == nil {
		// cached entitlement answers may name the deleted group
		a.ents.purge()
	}
	return err
}

func (a *APIServer) ListGroups(ctx context.Context) (names []string, _ error) {
	err := a.read(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		groups, err := tx.ListGroups(ctx)
		if err != nil {
			return err
		}
		for _, g := range groups {
			names = append(names, g.Name)
		}
		return nil
	})
	return names, err
}

func (a *APIServer) GetGroupMembers(ctx context.Context, group string) (users []string, _ error) {
	err := a.read(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		var err error
		users, err = tx.GroupMembers(ctx, group)
		return err
	})
	return users, err
}

// UpdateGroupMembers replaces the members of group.
func (a *APIServer) UpdateGroupMembers(ctx context.Context, group string, users []string) error {
	return a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.SetGroupMembers(ctx, group, users)
	})
}

func (a *APIServer) setFlags(ctx context.Context, group string, set func(g *trovedb.Group)) error {
	return a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		g, err := tx.GetGroup(ctx, group)
		if err != nil {
			return err
		}
		set(g)
		return tx.SetGroupFlags(ctx, g.Name, g.Admin, g.Mirror)
	})
}

func (a *APIServer) SetAdmin(ctx context.Context, group string, admin bool) error {
	return a.setFlags(ctx, group, func(g *trovedb.Group) { g.Admin = admin })
}

func (a *APIServer) SetMirror(ctx context.Context, group string, mirror bool) error {
	return a.setFlags(ctx, group, func(g *trovedb.Group) { g.Mirror = mirror })
}

// permission converts a user-facing ACL to a store row, checking its label
// and pattern.
func permission(acl auth.ACL) (trovedb.Permission, error) {
	p := trovedb.Permission{Group: acl.Group, CanWrite: acl.CanWrite, CanRemove: acl.CanRemove}
	if !isWildcard(acl.Label) {
		l, err := versions.ParseLabel(acl.Label)
		if err != nil {
			return p, errors.WithStack(&repoerr.ParseError{Msg: err.Error()})
		}
		p.Label = l.String()
	}
	if !isWildcard(acl.Pattern) {
		if _, err := compilePattern(acl.Pattern); err != nil {
			return p, err
		}
		p.Pattern = acl.Pattern
	}
	return p, nil
}

func aclLabel(s string) string {
	if isWildcard(s) {
		return ""
	}
	return s
}

func (a *APIServer) AddAcl(ctx context.Context, acl auth.ACL) error {
	p, err := permission(acl)
	if err != nil {
		return err
	}
	return a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.AddPermission(ctx, p)
	})
}

// EditAcl replaces the group's ACL old with acl.
func (a *APIServer) EditAcl(ctx context.Context, old, acl auth.ACL) error {
	p, err := permission(acl)
	if err != nil {
		return err
	}
	return a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		if err := tx.DeletePermission(ctx, old.Group, aclLabel(old.Label), aclLabel(old.Pattern)); err != nil {
			return err
		}
		return tx.AddPermission(ctx, p)
	})
}

func (a *APIServer) DeleteAcl(ctx context.Context, group, label, pattern string) error {
	return a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.DeletePermission(ctx, group, aclLabel(label), aclLabel(pattern))
	})
}

// ListAcls lists the ACLs of group with wildcards spelled "ALL".
func (a *APIServer) ListAcls(ctx context.Context, group string) (acls []auth.ACL, _ error) {
	err := a.read(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		g, err := tx.GetGroup(ctx, group)
		if err != nil {
			return err
		}
		perms, err := tx.Permissions(ctx, []int64{g.ID}, "")
		if err != nil {
			return err
		}
		for _, p := range perms {
			acl := auth.ACL{Group: g.Name, Label: p.Label, Pattern: p.Pattern, CanWrite: p.CanWrite, CanRemove: p.CanRemove}
			if acl.Label == "" {
				acl.Label = wildcard
			}
			if acl.Pattern == "" {
				acl.Pattern = wildcard
			}
			acls = append(acls, acl)
		}
		return nil
	})
	return acls, err
}
