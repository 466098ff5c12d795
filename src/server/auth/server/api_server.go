package server

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/internal/versions"
	"github.com/pachyderm/troverepo/src/server/auth"
)

// APIServer resolves credentials to user groups and checks them against the
// repository's ACLs.
type APIServer struct {
	env       Env
	ext       *externalClient
	passwords *passwordCache
	ents      *entitlementCache
	now       func() time.Time
}

var _ auth.APIServer = (*APIServer)(nil)

func NewAPIServer(env Env) *APIServer {
	return &APIServer{
		env:       env,
		ext:       newExternalClient(env),
		passwords: newPasswordCache(env.CacheTimeout),
		ents:      newEntitlementCache(),
		now:       time.Now,
	}
}

// pendingEntitlement is a presented entitlement after the external check,
// waiting for its groups to be read from the store.
type pendingEntitlement struct {
	cacheKey   string
	class, key string
	groups     []int64
	cached     bool
	external   bool
	ttl        time.Duration
	retry      bool
}

func (a *APIServer) serverName() string {
	if len(a.env.ServerNames) == 0 {
		return ""
	}
	return a.env.ServerNames[0]
}

// prepareEntitlements consults the cache and the external entitlement
// service.  It returns the keys whose cached validation timed out.
func (a *APIServer) prepareEntitlements(ctx context.Context, tok auth.Token) ([]pendingEntitlement, []string) {
	server := a.serverName()
	now := a.now()
	var out []pendingEntitlement
	var timedOut []string
	for _, e := range tok.Entitlements {
		p := pendingEntitlement{cacheKey: cacheKey(server, e.Class, e.Key), class: e.Class, key: e.Key}
		groups, hit, expired, retry := a.ents.lookup(p.cacheKey, now)
		switch {
		case hit:
			p.groups, p.cached = groups, true
			out = append(out, p)
			continue
		case expired && !retry:
			timedOut = append(timedOut, e.Key)
			continue
		}
		if a.env.EntitlementURL != "" {
			m := a.ext.checkEntitlement(ctx, server, e.Class, e.Key, tok.RemoteIP)
			if m == nil {
				continue
			}
			p.class, p.key, p.retry, p.external = m.Class, m.Key, m.Retry, true
			p.ttl = a.env.CacheTimeout
			if m.TTL != nil {
				p.ttl = *m.TTL
			}
		}
		out = append(out, p)
	}
	return out, timedOut
}

// ResolveGroups validates tok and returns the groups it grants.  External
// checks run before the store transaction is opened.
func (a *APIServer) ResolveGroups(ctx context.Context, tok auth.Token, allowAnonymous bool) (auth.AuthResult, error) {
	if tok.User == "" {
		return auth.DeniedFinal{}, nil
	}
	explicit := !tok.IsAnonymous()
	cached := explicit && a.passwords.valid(tok.User, tok.Password)
	var externalValid bool
	if explicit && !cached && a.env.PasswordURL != "" {
		externalValid = a.ext.checkPassword(ctx, tok.User, tok.Password, tok.RemoteIP)
	}
	ents, timedOut := a.prepareEntitlements(ctx, tok)

	var userGroups, anonGroups, entGroups []int64
	if err := a.env.Store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		if explicit {
			ok, err := a.passwordValid(ctx, tx, tok, cached, externalValid)
			if err != nil {
				return err
			}
			if ok {
				if userGroups, err = tx.UserGroupIDs(ctx, tok.User); err != nil {
					return err
				}
			}
		}
		if allowAnonymous {
			var err error
			if anonGroups, err = a.anonymousGroups(ctx, tx); err != nil {
				return err
			}
		}
		now := a.now()
		for _, p := range ents {
			if p.cached {
				entGroups = append(entGroups, p.groups...)
				continue
			}
			ids, err := tx.EntitlementGroupIDs(ctx, p.class, p.key)
			if err != nil {
				return err
			}
			if p.external {
				a.ents.add(p.cacheKey, entitlementEntry{groups: ids, expires: now.Add(p.ttl), retry: p.retry})
			}
			entGroups = append(entGroups, ids...)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if len(timedOut) > 0 {
		log.Info(ctx, "entitlement validation timed out", zap.String("user", tok.User), zap.Int("count", len(timedOut)))
		return auth.Timeout{Entitlements: timedOut}, nil
	}
	if len(userGroups) > 0 || len(entGroups) > 0 {
		return auth.Authorized{Groups: unionIDs(userGroups, entGroups, anonGroups)}, nil
	}
	if len(anonGroups) > 0 {
		return auth.Authorized{Groups: unionIDs(anonGroups), Anonymous: explicit}, nil
	}
	if explicit && !allowAnonymous {
		return auth.DeniedRetryAnonymous{}, nil
	}
	return auth.DeniedFinal{}, nil
}

func (a *APIServer) passwordValid(ctx context.Context, tx trovedb.Tx, tok auth.Token, cached, externalValid bool) (bool, error) {
	u, err := tx.GetUser(ctx, tok.User)
	if err != nil {
		if errors.As(err, new(*repoerr.UserNotFound)) {
			return false, nil
		}
		return false, err
	}
	valid := cached
	switch {
	case cached:
	case a.env.PasswordURL != "":
		valid = externalValid
	default:
		valid = passwordHash(u.Salt, tok.Password) == u.Password
	}
	if valid && !cached {
		a.passwords.add(tok.User, tok.Password)
	}
	return valid, nil
}

func (a *APIServer) anonymousGroups(ctx context.Context, tx trovedb.Tx) ([]int64, error) {
	if _, err := tx.GetUser(ctx, auth.AnonymousUser); err != nil {
		if errors.As(err, new(*repoerr.UserNotFound)) {
			return nil, nil
		}
		return nil, err
	}
	return tx.UserGroupIDs(ctx, auth.AnonymousUser)
}

// groupsFor resolves tok for a check, turning a timeout into an error.  A nil
// result means access is denied.
func (a *APIServer) groupsFor(ctx context.Context, tok auth.Token, allowAnonymous bool) ([]int64, error) {
	res, err := a.ResolveGroups(ctx, tok, allowAnonymous)
	if err != nil {
		return nil, err
	}
	switch r := res.(type) {
	case auth.Authorized:
		return r.Groups, nil
	case auth.Timeout:
		return nil, errors.WithStack(&repoerr.EntitlementTimeout{Classes: r.Entitlements})
	}
	return nil, nil
}

func (a *APIServer) checkHost(l versions.Label) error {
	for _, s := range a.env.ServerNames {
		if s == l.Host {
			return nil
		}
	}
	return errors.WithStack(&repoerr.RepositoryMismatch{Right: a.env.ServerNames, Wrong: l.Host})
}

// grantedPatterns reads the patterns granted to groups on label that carry
// the requested flags.
func grantedPatterns(ctx context.Context, tx trovedb.Tx, groups []int64, label string, write, remove bool) (*patternSet, error) {
	perms, err := tx.Permissions(ctx, groups, label)
	if err != nil {
		return nil, err
	}
	s := newPatternSet()
	for _, p := range perms {
		if (write && !p.CanWrite) || (remove && !p.CanRemove) {
			continue
		}
		if err := s.add(p.Pattern); err != nil {
			// an unparseable stored pattern grants nothing
			log.Error(ctx, "bad stored trove pattern", zap.String("group", p.Group), zap.Error(err))
		}
	}
	return s, nil
}

// Check reports whether tok may access opts.Trove on opts.Label.
func (a *APIServer) Check(ctx context.Context, tok auth.Token, opts auth.CheckOptions) (bool, error) {
	if opts.Label != nil {
		if err := a.checkHost(*opts.Label); err != nil {
			return false, err
		}
	}
	groups, err := a.groupsFor(ctx, tok, !opts.NoAnonymous)
	if err != nil || len(groups) == 0 {
		return false, err
	}
	if opts.Mirror {
		ok, err := a.groupFlags(ctx, groups, false, true)
		if err != nil || !ok {
			return false, err
		}
	}
	if opts.Label == nil && opts.Trove == "" && !opts.Write && !opts.Remove {
		return true, nil
	}
	label := ""
	if opts.Label != nil {
		label = opts.Label.String()
	}
	var granted bool
	if err := a.env.Store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		s, err := grantedPatterns(ctx, tx, groups, label, opts.Write, opts.Remove)
		if err != nil {
			return err
		}
		var pattern string
		pattern, granted = s.match(opts.Trove)
		if granted {
			log.Debug(ctx, "access granted", zap.String("user", tok.User), zap.String("trove", opts.Trove), zap.String("pattern", pattern))
		}
		return nil
	}); err != nil {
		return false, err
	}
	return granted, nil
}

// BatchCheck checks each trove's access with one permission query per
// distinct label.  It fails only when no group resolves at all.
func (a *APIServer) BatchCheck(ctx context.Context, tok auth.Token, troves []trove.NVF, write, remove bool) ([]bool, error) {
	items := make([]auth.Item, len(troves))
	for i, t := range troves {
		l := t.Version.TrailingLabel()
		if err := a.checkHost(l); err != nil {
			return nil, err
		}
		items[i] = auth.Item{Name: t.Name, Label: l}
	}
	groups, err := a.groupsFor(ctx, tok, true)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, errors.WithStack(&repoerr.InsufficientPermission{User: tok.User, Anonymous: tok.IsAnonymous()})
	}
	return a.matchItems(ctx, groups, items, write, remove)
}

// Readable filters query results: items on labels of other hosts are
// matched like any other, and a caller without groups reads nothing.
func (a *APIServer) Readable(ctx context.Context, tok auth.Token, items []auth.Item) ([]bool, error) {
	groups, err := a.groupsFor(ctx, tok, true)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return make([]bool, len(items)), nil
	}
	return a.matchItems(ctx, groups, items, false, false)
}

func (a *APIServer) matchItems(ctx context.Context, groups []int64, items []auth.Item, write, remove bool) ([]bool, error) {
	byLabel := make(map[string][]int)
	for i, it := range items {
		l := it.Label.String()
		byLabel[l] = append(byLabel[l], i)
	}
	labels := make([]string, 0, len(byLabel))
	for l := range byLabel {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	out := make([]bool, len(items))
	if err := a.env.Store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		for _, l := range labels {
			s, err := grantedPatterns(ctx, tx, groups, l, write, remove)
			if err != nil {
				return err
			}
			if s.len() == 0 {
				continue
			}
			for _, i := range byLabel[l] {
				_, out[i] = s.match(items[i].Name)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// AuthCheck reports whether tok's own groups (never the anonymous ones)
// carry the admin and mirror flags asked for.  Admin implies mirror.
func (a *APIServer) AuthCheck(ctx context.Context, tok auth.Token, admin, mirror bool) (bool, error) {
	if tok.User == "" {
		return false, nil
	}
	groups, err := a.groupsFor(ctx, tok, false)
	if err != nil || len(groups) == 0 {
		return false, err
	}
	return a.groupFlags(ctx, groups, admin, mirror)
}

func (a *APIServer) groupFlags(ctx context.Context, ids []int64, admin, mirror bool) (bool, error) {
	var hasAdmin, hasMirror bool
	if err := a.env.Store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		groups, err := tx.Groups(ctx, ids)
		if err != nil {
			return err
		}
		for _, g := range groups {
			hasAdmin = hasAdmin || g.Admin
			hasMirror = hasMirror || g.Mirror || g.Admin
		}
		return nil
	}); err != nil {
		return false, err
	}
	return (!admin || hasAdmin) && (!mirror || hasMirror), nil
}
