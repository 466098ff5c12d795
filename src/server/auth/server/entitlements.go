package server

import (
	"context"
	"strings"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/server/auth"
)

func (a *APIServer) AddEntitlementClass(ctx context.Context, class, accessGroup string) error {
	if err := checkName(class); err != nil {
		return err
	}
	return a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.AddEntitlementClass(ctx, class, []string{accessGroup})
	})
}

func (a *APIServer) DeleteEntitlementClass(ctx context.Context, class string) error {
	err := a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.DeleteEntitlementClass(ctx, class)
	})
	if err == nil {
		a.ents.purge()
	}
	return err
}

func (a *APIServer) AddEntitlementClassOwner(ctx context.Context, class, group string) error {
	return a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.AddEntitlementOwner(ctx, class, group)
	})
}

func (a *APIServer) DeleteEntitlementClassOwner(ctx context.Context, class, group string) error {
	return a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.DeleteEntitlementOwner(ctx, class, group)
	})
}

func (a *APIServer) GetEntitlementClassAccessGroups(ctx context.Context, class string) (groups []string, _ error) {
	err := a.read(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		var err error
		groups, err = tx.EntitlementAccessGroups(ctx, class)
		return err
	})
	return groups, err
}

func (a *APIServer) SetEntitlementClassAccessGroups(ctx context.Context, class string, groups []string) error {
	err := a.write(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.SetEntitlementAccessGroups(ctx, class, groups)
	})
	if err == nil {
		a.ents.purge()
	}
	return err
}

// caller is what an entitlement owner check needs to know about a token.
type caller struct {
	admin  bool
	groups map[string]bool
}

func (a *APIServer) caller(ctx context.Context, tok auth.Token) (*caller, error) {
	ids, err := a.groupsFor(ctx, tok, true)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errors.WithStack(&repoerr.InsufficientPermission{User: tok.User, Anonymous: tok.IsAnonymous()})
	}
	c := &caller{groups: make(map[string]bool)}
	if err := a.read(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		groups, err := tx.Groups(ctx, ids)
		if err != nil {
			return err
		}
		for _, g := range groups {
			c.admin = c.admin || g.Admin
			c.groups[strings.ToLower(g.Name)] = true
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// owns reports whether c may manage the keys of class: admins manage every
// class, other callers those one of their groups owns.
func (c *caller) owns(ctx context.Context, tx trovedb.Tx, class string) (bool, error) {
	owners, err := tx.EntitlementOwners(ctx, class)
	if err != nil {
		return false, err
	}
	if c.admin {
		return true, nil
	}
	for _, o := range owners {
		if c.groups[strings.ToLower(o)] {
			return true, nil
		}
	}
	return false, nil
}

// withOwnedClass runs cb in a transaction after checking tok may manage
// class.
func (a *APIServer) withOwnedClass(ctx context.Context, tok auth.Token, class string, readOnly bool, cb func(context.Context, trovedb.Tx) error) error {
	c, err := a.caller(ctx, tok)
	if err != nil {
		return err
	}
	return a.env.Store.WithTx(ctx, readOnly, func(ctx context.Context, tx trovedb.Tx) error {
		ok, err := c.owns(ctx, tx, class)
		if err != nil {
			return err
		}
		if !ok {
			return errors.WithStack(&repoerr.InsufficientPermission{User: tok.User})
		}
		return cb(ctx, tx)
	})
}

func checkKey(class, key string) error {
	if key == "" || len(key) > maxEntitlementLength {
		return errors.WithStack(&repoerr.InvalidEntitlement{Class: class})
	}
	return nil
}

// AddEntitlementKey adds key to class.  Adding a key twice is a no-op.
func (a *APIServer) AddEntitlementKey(ctx context.Context, tok auth.Token, class, key string) error {
	if err := checkKey(class, key); err != nil {
		return err
	}
	return a.withOwnedClass(ctx, tok, class, false, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.AddEntitlementKey(ctx, class, key)
	})
}

func (a *APIServer) DeleteEntitlementKey(ctx context.Context, tok auth.Token, class, key string) error {
	if err := checkKey(class, key); err != nil {
		return err
	}
	err := a.withOwnedClass(ctx, tok, class, false, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.DeleteEntitlementKey(ctx, class, key)
	})
	if err == nil {
		a.ents.purge()
	}
	return err
}

func (a *APIServer) ListEntitlementKeys(ctx context.Context, tok auth.Token, class string) (keys []string, _ error) {
	err := a.withOwnedClass(ctx, tok, class, true, func(ctx context.Context, tx trovedb.Tx) error {
		var err error
		keys, err = tx.EntitlementKeys(ctx, class)
		return err
	})
	return keys, err
}

// ListEntitlementClasses lists the classes tok may manage.
func (a *APIServer) ListEntitlementClasses(ctx context.Context, tok auth.Token) (classes []string, _ error) {
	c, err := a.caller(ctx, tok)
	if err != nil {
		return nil, err
	}
	err = a.read(ctx, func(ctx context.Context, tx trovedb.Tx) error {
		all, err := tx.EntitlementClasses(ctx)
		if err != nil {
			return err
		}
		for _, class := range all {
			ok, err := c.owns(ctx, tx, class)
			if err != nil {
				return err
			}
			if ok {
				classes = append(classes, class)
			}
		}
		return nil
	})
	return classes, err
}
