package server

import (
	"context"

	"github.com/pachyderm/troverepo/src/server/auth"
)

// withArgs decodes a call's arguments into T before running fn.
func withArgs[T any](fn func(ctx context.Context, c *call, args T) (interface{}, error)) handler {
	return func(ctx context.Context, c *call) (interface{}, error) {
		var args T
		if err := c.decode(&args); err != nil {
			return nil, err
		}
		return fn(ctx, c, args)
	}
}

// adminOnly refuses fn to callers that are not in an admin group.
func (a *APIServer) adminOnly(fn handler) handler {
	return func(ctx context.Context, c *call) (interface{}, error) {
		ok, err := a.env.Auth.AuthCheck(ctx, c.tok, true, false)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, denied(c.tok)
		}
		return fn(ctx, c)
	}
}

func nonNil(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}

type userArgs struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type md5Args struct {
	User string `json:"user"`
	Salt []byte `json:"salt"`
	Hash string `json:"hash"`
}

type groupArgs struct {
	Group   string   `json:"group"`
	NewName string   `json:"newName"`
	Users   []string `json:"users"`
	Value   bool     `json:"value"`
}

// ACL is a permission row on the wire.
type ACL struct {
	Group     string `json:"group"`
	Label     string `json:"label"`
	Pattern   string `json:"pattern"`
	CanWrite  bool   `json:"canWrite"`
	CanRemove bool   `json:"canRemove"`
}

func (x ACL) auth() auth.ACL {
	return auth.ACL{Group: x.Group, Label: x.Label, Pattern: x.Pattern, CanWrite: x.CanWrite, CanRemove: x.CanRemove}
}

type aclArgs struct {
	Group string `json:"group"`
	ACL   ACL    `json:"acl"`
	Old   ACL    `json:"old"`
}

type entitlementArgs struct {
	Class       string   `json:"class"`
	Key         string   `json:"key"`
	Group       string   `json:"group"`
	AccessGroup string   `json:"accessGroup"`
	Groups      []string `json:"groups"`
}

// authMethods exposes user, group, ACL and entitlement administration.
func (a *APIServer) authMethods() map[string]method {
	adm := a.env.Auth
	read := func(fn handler) method { return method{fn: a.adminOnly(fn)} }
	write := func(fn handler) method { return method{write: true, fn: a.adminOnly(fn)} }
	return map[string]method{
		"addUser": write(withArgs(func(ctx context.Context, _ *call, x userArgs) (interface{}, error) {
			return true, adm.AddUser(ctx, x.User, x.Password)
		})),
		"addUserByMD5": write(withArgs(func(ctx context.Context, _ *call, x md5Args) (interface{}, error) {
			return true, adm.AddUserByMD5(ctx, x.User, x.Salt, x.Hash)
		})),
		"deleteUserByName": write(withArgs(func(ctx context.Context, _ *call, x userArgs) (interface{}, error) {
			return true, adm.DeleteUser(ctx, x.User)
		})),
		// users may change their own password
		"changePassword": {write: true, fn: withArgs(func(ctx context.Context, c *call, x userArgs) (interface{}, error) {
			if c.tok.IsAnonymous() || c.tok.User != x.User {
				ok, err := adm.AuthCheck(ctx, c.tok, true, false)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, denied(c.tok)
				}
			} else if ok, err := adm.Check(ctx, c.tok, auth.CheckOptions{NoAnonymous: true}); err != nil {
				return nil, err
			} else if !ok {
				return nil, denied(c.tok)
			}
			return true, adm.ChangePassword(ctx, x.User, x.Password)
		})},
		"listUsers": read(func(ctx context.Context, _ *call) (interface{}, error) {
			users, err := adm.ListUsers(ctx)
			return nonNil(users), err
		}),
		"getUserGroups": read(withArgs(func(ctx context.Context, _ *call, x userArgs) (interface{}, error) {
			groups, err := adm.GetUserGroups(ctx, x.User)
			return nonNil(groups), err
		})),

		"addGroup": write(withArgs(func(ctx context.Context, _ *call, x groupArgs) (interface{}, error) {
			return true, adm.AddGroup(ctx, x.Group)
		})),
		"renameGroup": write(withArgs(func(ctx context.Context, _ *call, x groupArgs) (interface{}, error) {
			return true, adm.RenameGroup(ctx, x.Group, x.NewName)
		})),
		"deleteGroup": write(withArgs(func(ctx context.Context, _ *call, x groupArgs) (interface{}, error) {
			return true, adm.DeleteGroup(ctx, x.Group)
		})),
		"listGroups": read(func(ctx context.Context, _ *call) (interface{}, error) {
			groups, err := adm.ListGroups(ctx)
			return nonNil(groups), err
		}),
		"getGroupMembers": read(withArgs(func(ctx context.Context, _ *call, x groupArgs) (interface{}, error) {
			users, err := adm.GetGroupMembers(ctx, x.Group)
			return nonNil(users), err
		})),
		"updateGroupMembers": write(withArgs(func(ctx context.Context, _ *call, x groupArgs) (interface{}, error) {
			return true, adm.UpdateGroupMembers(ctx, x.Group, x.Users)
		})),
		"setGroupIsAdmin": write(withArgs(func(ctx context.Context, _ *call, x groupArgs) (interface{}, error) {
			return true, adm.SetAdmin(ctx, x.Group, x.Value)
		})),
		"setGroupCanMirror": write(withArgs(func(ctx context.Context, _ *call, x groupArgs) (interface{}, error) {
			return true, adm.SetMirror(ctx, x.Group, x.Value)
		})),

		"addAcl": write(withArgs(func(ctx context.Context, _ *call, x aclArgs) (interface{}, error) {
			return true, adm.AddAcl(ctx, x.ACL.auth())
		})),
		"editAcl": write(withArgs(func(ctx context.Context, _ *call, x aclArgs) (interface{}, error) {
			return true, adm.EditAcl(ctx, x.Old.auth(), x.ACL.auth())
		})),
		"deleteAcl": write(withArgs(func(ctx context.Context, _ *call, x aclArgs) (interface{}, error) {
			return true, adm.DeleteAcl(ctx, x.ACL.Group, x.ACL.Label, x.ACL.Pattern)
		})),
		"listAcls": read(withArgs(func(ctx context.Context, _ *call, x aclArgs) (interface{}, error) {
			acls, err := adm.ListAcls(ctx, x.Group)
			if err != nil {
				return nil, err
			}
			out := make([]ACL, len(acls))
			for i, acl := range acls {
				out[i] = ACL{Group: acl.Group, Label: acl.Label, Pattern: acl.Pattern, CanWrite: acl.CanWrite, CanRemove: acl.CanRemove}
			}
			return out, nil
		})),

		"addEntitlementClass": write(withArgs(func(ctx context.Context, _ *call, x entitlementArgs) (interface{}, error) {
			return true, adm.AddEntitlementClass(ctx, x.Class, x.AccessGroup)
		})),
		"deleteEntitlementClass": write(withArgs(func(ctx context.Context, _ *call, x entitlementArgs) (interface{}, error) {
			return true, adm.DeleteEntitlementClass(ctx, x.Class)
		})),
		"addEntitlementClassOwner": write(withArgs(func(ctx context.Context, _ *call, x entitlementArgs) (interface{}, error) {
			return true, adm.AddEntitlementClassOwner(ctx, x.Class, x.Group)
		})),
		"deleteEntitlementClassOwner": write(withArgs(func(ctx context.Context, _ *call, x entitlementArgs) (interface{}, error) {
			return true, adm.DeleteEntitlementClassOwner(ctx, x.Class, x.Group)
		})),
		"getEntitlementClassAccessGroups": read(withArgs(func(ctx context.Context, _ *call, x entitlementArgs) (interface{}, error) {
			groups, err := adm.GetEntitlementClassAccessGroups(ctx, x.Class)
			return nonNil(groups), err
		})),
		"setEntitlementClassAccessGroups": write(withArgs(func(ctx context.Context, _ *call, x entitlementArgs) (interface{}, error) {
			return true, adm.SetEntitlementClassAccessGroups(ctx, x.Class, x.Groups)
		})),

		// class owners manage keys without admin rights; the auth server
		// checks ownership itself.
		"addEntitlementKey": {write: true, fn: withArgs(func(ctx context.Context, c *call, x entitlementArgs) (interface{}, error) {
			return true, adm.AddEntitlementKey(ctx, c.tok, x.Class, x.Key)
		})},
		"deleteEntitlementKey": {write: true, fn: withArgs(func(ctx context.Context, c *call, x entitlementArgs) (interface{}, error) {
			return true, adm.DeleteEntitlementKey(ctx, c.tok, x.Class, x.Key)
		})},
		"listEntitlementKeys": {fn: withArgs(func(ctx context.Context, c *call, x entitlementArgs) (interface{}, error) {
			keys, err := adm.ListEntitlementKeys(ctx, c.tok, x.Class)
			return nonNil(keys), err
		})},
		"listEntitlementClasses": {fn: func(ctx context.Context, c *call) (interface{}, error) {
			classes, err := adm.ListEntitlementClasses(ctx, c.tok)
			return nonNil(classes), err
		}},
	}
}
