package trovedb

import (
	"context"
	"sort"
	"strings"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
)

func (tx *memTx) GetUser(ctx context.Context, name string) (*User, error) {
	u, ok := tx.state.users[name]
	if !ok {
		return nil, errors.WithStack(&repoerr.UserNotFound{User: name})
	}
	return &u, nil
}

func (tx *memTx) AddUser(ctx context.Context, name string, salt []byte, password string) (int64, error) {
	if err := tx.write(); err != nil {
		return 0, err
	}
	if _, ok := tx.state.users[name]; ok {
		return 0, errors.WithStack(&repoerr.UserAlreadyExists{User: name})
	}
	u := User{ID: tx.state.id(), Name: name, Salt: append([]byte(nil), salt...), Password: password}
	tx.state.users[name] = u
	return u.ID, nil
}

func (tx *memTx) DeleteUser(ctx context.Context, name string) error {
	if err := tx.write(); err != nil {
		return err
	}
	if _, ok := tx.state.users[name]; !ok {
		return errors.WithStack(&repoerr.UserNotFound{User: name})
	}
	delete(tx.state.users, name)
	for _, m := range tx.state.members {
		delete(m, name)
	}
	return nil
}

func (tx *memTx) SetPassword(ctx context.Context, name string, salt []byte, password string) error {
	if err := tx.write(); err != nil {
		return err
	}
	u, ok := tx.state.users[name]
	if !ok {
		return errors.WithStack(&repoerr.UserNotFound{User: name})
	}
	u.Salt, u.Password = append([]byte(nil), salt...), password
	tx.state.users[name] = u
	return nil
}

func (tx *memTx) ListUsers(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(tx.state.users))
	for n := range tx.state.users {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (tx *memTx) groupByName(name string) (Group, bool) {
	for _, g := range tx.state.groups {
		if strings.EqualFold(g.Name, name) {
			return g, true
		}
	}
	return Group{}, false
}

func (tx *memTx) GetGroup(ctx context.Context, name string) (*Group, error) {
	g, ok := tx.groupByName(name)
	if !ok {
		return nil, errors.WithStack(&repoerr.GroupNotFound{Group: name})
	}
	return &g, nil
}

func (tx *memTx) Groups(ctx context.Context, ids []int64) ([]Group, error) {
	var out []Group
	for _, id := range ids {
		if g, ok := tx.state.groups[id]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (tx *memTx) ListGroups(ctx context.Context) ([]Group, error) {
	out := make([]Group, 0, len(tx.state.groups))
	for _, g := range tx.state.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (tx *memTx) AddGroup(ctx context.Context, name string) (int64, error) {
	if err := tx.write(); err != nil {
		return 0, err
	}
	if _, ok := tx.groupByName(name); ok {
		return 0, errors.WithStack(&repoerr.GroupAlreadyExists{Group: name})
	}
	g := Group{ID: tx.state.id(), Name: name}
	tx.state.groups[g.ID] = g
	tx.state.members[g.ID] = make(map[string]bool)
	return g.ID, nil
}

func (tx *memTx) RenameGroup(ctx context.Context, oldName, newName string) error {
	if err := tx.write(); err != nil {
		return err
	}
	g, ok := tx.groupByName(oldName)
	if !ok {
		return errors.WithStack(&repoerr.GroupNotFound{Group: oldName})
	}
	if other, ok := tx.groupByName(newName); ok && other.ID != g.ID {
		return errors.WithStack(&repoerr.GroupAlreadyExists{Group: newName})
	}
	g.Name = newName
	tx.state.groups[g.ID] = g
	for i := range tx.state.perms {
		if tx.state.perms[i].GroupID == g.ID {
			tx.state.perms[i].Group = newName
		}
	}
	return nil
}

func (tx *memTx) DeleteGroup(ctx context.Context, name string) error {
	if err := tx.write(); err != nil {
		return err
	}
	g, ok := tx.groupByName(name)
	if !ok {
		return errors.WithStack(&repoerr.GroupNotFound{Group: name})
	}
	delete(tx.state.groups, g.ID)
	delete(tx.state.members, g.ID)
	perms := tx.state.perms[:0]
	for _, p := range tx.state.perms {
		if p.GroupID != g.ID {
			perms = append(perms, p)
		}
	}
	tx.state.perms = perms
	for _, c := range tx.state.classes {
		delete(c.owners, g.ID)
		delete(c.access, g.ID)
	}
	return nil
}

func (tx *memTx) SetGroupFlags(ctx context.Context, name string, admin, mirror bool) error {
	if err := tx.write(); err != nil {
		return err
	}
	g, ok := tx.groupByName(name)
	if !ok {
		return errors.WithStack(&repoerr.GroupNotFound{Group: name})
	}
	g.Admin, g.Mirror = admin, mirror
	tx.state.groups[g.ID] = g
	return nil
}

func (tx *memTx) UserGroupIDs(ctx context.Context, user string) ([]int64, error) {
	var out []int64
	for id, m := range tx.state.members {
		if m[user] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (tx *memTx) GroupMembers(ctx context.Context, group string) ([]string, error) {
	g, ok := tx.groupByName(group)
	if !ok {
		return nil, errors.WithStack(&repoerr.GroupNotFound{Group: group})
	}
	var out []string
	for u := range tx.state.members[g.ID] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (tx *memTx) SetGroupMembers(ctx context.Context, group string, users []string) error {
	if err := tx.write(); err != nil {
		return err
	}
	g, ok := tx.groupByName(group)
	if !ok {
		return errors.WithStack(&repoerr.GroupNotFound{Group: group})
	}
	m := make(map[string]bool, len(users))
	for _, u := range users {
		if _, ok := tx.state.users[u]; !ok {
			return errors.WithStack(&repoerr.UserNotFound{User: u})
		}
		m[u] = true
	}
	tx.state.members[g.ID] = m
	return nil
}

func (tx *memTx) AddPermission(ctx context.Context, p Permission) error {
	if err := tx.write(); err != nil {
		return err
	}
	g, ok := tx.groupByName(p.Group)
	if !ok {
		return errors.WithStack(&repoerr.GroupNotFound{Group: p.Group})
	}
	p.GroupID, p.Group = g.ID, g.Name
	for _, e := range tx.state.perms {
		if e.GroupID == p.GroupID && e.Label == p.Label && e.Pattern == p.Pattern {
			return errors.WithStack(&repoerr.PermissionAlreadyExists{Msg: "permission already exists for " + g.Name})
		}
	}
	tx.state.perms = append(tx.state.perms, p)
	return nil
}

func (tx *memTx) DeletePermission(ctx context.Context, group, label, pattern string) error {
	if err := tx.write(); err != nil {
		return err
	}
	g, ok := tx.groupByName(group)
	if !ok {
		return errors.WithStack(&repoerr.GroupNotFound{Group: group})
	}
	for i, e := range tx.state.perms {
		if e.GroupID == g.ID && e.Label == label && e.Pattern == pattern {
			tx.state.perms = append(tx.state.perms[:i:i], tx.state.perms[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "permission %s/%s for %s", label, pattern, group)
}

func (tx *memTx) Permissions(ctx context.Context, groups []int64, label string) ([]Permission, error) {
	want := make(map[int64]bool, len(groups))
	for _, g := range groups {
		want[g] = true
	}
	var out []Permission
	for _, p := range tx.state.perms {
		if !want[p.GroupID] {
			continue
		}
		if label != "" && p.Label != "" && p.Label != label {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (tx *memTx) class(name string) (*memEntClass, error) {
	c, ok := tx.state.classes[name]
	if !ok {
		return nil, errors.WithStack(&repoerr.UnknownEntitlementClass{Class: name})
	}
	return c, nil
}

func (tx *memTx) groupIDs(names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for _, n := range names {
		g, ok := tx.groupByName(n)
		if !ok {
			return nil, errors.WithStack(&repoerr.GroupNotFound{Group: n})
		}
		ids = append(ids, g.ID)
	}
	return ids, nil
}

func (tx *memTx) groupNames(ids map[int64]bool) []string {
	var out []string
	for id := range ids {
		if g, ok := tx.state.groups[id]; ok {
			out = append(out, g.Name)
		}
	}
	sort.Strings(out)
	return out
}

func (tx *memTx) AddEntitlementClass(ctx context.Context, class string, accessGroups []string) error {
	if err := tx.write(); err != nil {
		return err
	}
	if _, ok := tx.state.classes[class]; ok {
		return errors.WithStack(&repoerr.GroupAlreadyExists{Group: class})
	}
	ids, err := tx.groupIDs(accessGroups)
	if err != nil {
		return err
	}
	c := &memEntClass{keys: map[string]bool{}, owners: map[int64]bool{}, access: map[int64]bool{}}
	for _, id := range ids {
		c.access[id] = true
	}
	tx.state.classes[class] = c
	return nil
}

func (tx *memTx) DeleteEntitlementClass(ctx context.Context, class string) error {
	if err := tx.write(); err != nil {
		return err
	}
	if _, err := tx.class(class); err != nil {
		return err
	}
	delete(tx.state.classes, class)
	return nil
}

func (tx *memTx) EntitlementClasses(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(tx.state.classes))
	for n := range tx.state.classes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (tx *memTx) AddEntitlementKey(ctx context.Context, class, key string) error {
	if err := tx.write(); err != nil {
		return err
	}
	c, err := tx.class(class)
	if err != nil {
		return err
	}
	c.keys[key] = true
	return nil
}

func (tx *memTx) DeleteEntitlementKey(ctx context.Context, class, key string) error {
	if err := tx.write(); err != nil {
		return err
	}
	c, err := tx.class(class)
	if err != nil {
		return err
	}
	if !c.keys[key] {
		return errors.WithStack(&repoerr.InvalidEntitlement{Class: class, Key: key})
	}
	delete(c.keys, key)
	return nil
}

func (tx *memTx) EntitlementKeys(ctx context.Context, class string) ([]string, error) {
	c, err := tx.class(class)
	if err != nil {
		return nil, err
	}
	var out []string
	for k := range c.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (tx *memTx) EntitlementOwners(ctx context.Context, class string) ([]string, error) {
	c, err := tx.class(class)
	if err != nil {
		return nil, err
	}
	return tx.groupNames(c.owners), nil
}

func (tx *memTx) AddEntitlementOwner(ctx context.Context, class, group string) error {
	if err := tx.write(); err != nil {
		return err
	}
	c, err := tx.class(class)
	if err != nil {
		return err
	}
	ids, err := tx.groupIDs([]string{group})
	if err != nil {
		return err
	}
	c.owners[ids[0]] = true
	return nil
}

func (tx *memTx) DeleteEntitlementOwner(ctx context.Context, class, group string) error {
	if err := tx.write(); err != nil {
		return err
	}
	c, err := tx.class(class)
	if err != nil {
		return err
	}
	ids, err := tx.groupIDs([]string{group})
	if err != nil {
		return err
	}
	delete(c.owners, ids[0])
	return nil
}

func (tx *memTx) EntitlementAccessGroups(ctx context.Context, class string) ([]string, error) {
	c, err := tx.class(class)
	if err != nil {
		return nil, err
	}
	return tx.groupNames(c.access), nil
}

func (tx *memTx) SetEntitlementAccessGroups(ctx context.Context, class string, groups []string) error {
	if err := tx.write(); err != nil {
		return err
	}
	c, err := tx.class(class)
	if err != nil {
		return err
	}
	ids, err := tx.groupIDs(groups)
	if err != nil {
		return err
	}
	c.access = make(map[int64]bool, len(ids))
	for _, id := range ids {
		c.access[id] = true
	}
	return nil
}

func (tx *memTx) EntitlementGroupIDs(ctx context.Context, class, key string) ([]int64, error) {
	c, ok := tx.state.classes[class]
	if !ok || !c.keys[key] {
		return nil, nil
	}
	var out []int64
	for id := range c.access {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
