package server

import (
	"context"
	"sort"

	"github.com/pachyderm/troverepo/src/internal/deps"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/internal/versions"
	"github.com/pachyderm/troverepo/src/server/auth"
)

// VersionList is the result of a version query: trove name to frozen
// version to the flavors present at that version.
type VersionList map[string]map[string][]string

func (l VersionList) add(inst trovedb.Instance) {
	byVersion, ok := l[inst.Name]
	if !ok {
		byVersion = make(map[string][]string)
		l[inst.Name] = byVersion
	}
	v := inst.Version.Freeze()
	byVersion[v] = append(byVersion[v], inst.Flavor.String())
}

// normalize sorts every flavor list and drops duplicates.
func (l VersionList) normalize() {
	for _, byVersion := range l {
		for v, flavors := range byVersion {
			sort.Strings(flavors)
			out := flavors[:0]
			for i, f := range flavors {
				if i == 0 || f != flavors[i-1] {
					out = append(out, f)
				}
			}
			byVersion[v] = out
		}
	}
}

// nameQuery maps trove names to the flavors asked for.  A nil flavor list
// asks for every flavor; the name "" stands for every trove.
type nameQuery struct {
	Troves     map[string][]deps.Flavor `json:"troves"`
	BestFlavor bool                     `json:"bestFlavor"`
}

// specQuery maps trove names to labels, branches or versions, each with the
// flavors asked for.
type specQuery struct {
	Troves     map[string]map[string][]deps.Flavor `json:"troves"`
	BestFlavor bool                                `json:"bestFlavor"`
}

// querySpec is one (name, selector) pair of a query.
type querySpec struct {
	name    string
	spec    string
	flavors []deps.Flavor
}

type queryOptions struct {
	sel    trovedb.Selector
	leaves bool
	best   bool
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (q nameQuery) specs() []querySpec {
	var out []querySpec
	for _, name := range sortedKeys(q.Troves) {
		out = append(out, querySpec{name: name, flavors: q.Troves[name]})
	}
	return out
}

// specs checks and canonicalizes each selector for sel.
func (q specQuery) specs(sel trovedb.Selector) ([]querySpec, error) {
	var out []querySpec
	for _, name := range sortedKeys(q.Troves) {
		bySpec := q.Troves[name]
		for _, spec := range sortedKeys(bySpec) {
			canon, err := canonicalSpec(sel, spec)
			if err != nil {
				return nil, err
			}
			out = append(out, querySpec{name: name, spec: canon, flavors: bySpec[spec]})
		}
	}
	return out, nil
}

func canonicalSpec(sel trovedb.Selector, spec string) (string, error) {
	switch sel {
	case trovedb.SelectLabel:
		l, err := versions.ParseLabel(spec)
		if err != nil {
			return "", err
		}
		return l.String(), nil
	case trovedb.SelectBranch:
		b, err := versions.ParseBranch(spec)
		if err != nil {
			return "", err
		}
		return b.String(), nil
	case trovedb.SelectVersion:
		v := new(versions.Version)
		if err := v.UnmarshalText([]byte(spec)); err != nil {
			return "", err
		}
		return v.String(), nil
	}
	return spec, nil
}

// query runs specs against the store and filters the instances found by
// ACL, then by flavor.
func (a *APIServer) query(ctx context.Context, tok auth.Token, specs []querySpec, opts queryOptions) (VersionList, error) {
	found := make([][]trovedb.Instance, len(specs))
	if err := a.env.Store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		for i, s := range specs {
			q := trovedb.InstanceQuery{Select: opts.sel, Types: trovedb.QueryPresent, Leaves: opts.leaves}
			if s.name != "" {
				q.Names = []string{s.name}
			}
			if opts.sel != trovedb.SelectNone {
				q.Specs = []string{s.spec}
			}
			insts, err := tx.Instances(ctx, q)
			if err != nil {
				return err
			}
			found[i] = insts
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var items []auth.Item
	for _, insts := range found {
		for _, inst := range insts {
			items = append(items, auth.Item{Name: inst.Name, Label: inst.Version.TrailingLabel()})
		}
	}
	readable, err := a.env.Auth.Readable(ctx, tok, items)
	if err != nil {
		return nil, err
	}
	out := make(VersionList)
	n := 0
	for i, insts := range found {
		visible := insts[:0:0]
		for _, inst := range insts {
			if readable[n] {
				visible = append(visible, inst)
			}
			n++
		}
		requested := specs[i].flavors
		if opts.best && len(requested) == 0 && !a.env.Config.DefaultFlavor.IsEmpty() {
			requested = []deps.Flavor{a.env.Config.DefaultFlavor}
		}
		for _, inst := range filterFlavors(visible, requested, opts.leaves, opts.best) {
			out.add(inst)
		}
	}
	out.normalize()
	return out, nil
}

// candidate is an instance scored against one requested flavor.
type candidate struct {
	inst  trovedb.Instance
	score int
}

// better orders candidates for the same requested flavor.  Leaves prefer
// the newest version before the best score.
func (c candidate) better(o candidate, latest bool) bool {
	if latest {
		if tc, to := c.inst.Version.Timestamp(), o.inst.Version.Timestamp(); tc != to {
			return tc > to
		}
	}
	if c.score != o.score {
		return c.score > o.score
	}
	return c.inst.Flavor.String() < o.inst.Flavor.String()
}

// filterFlavors keeps the instances usable on one of the requested flavors.
// With best set only the best match per requested flavor survives: per
// branch for leaves, per version otherwise.
func filterFlavors(insts []trovedb.Instance, requested []deps.Flavor, latest, best bool) []trovedb.Instance {
	if len(requested) == 0 {
		return insts
	}
	if !best {
		var out []trovedb.Instance
		for _, inst := range insts {
			for _, r := range requested {
				if r.Satisfies(inst.Flavor) {
					out = append(out, inst)
					break
				}
			}
		}
		return out
	}
	type key struct {
		name, group string
		request     int
	}
	winners := make(map[key]candidate)
	var order []key
	for ri, r := range requested {
		for _, inst := range insts {
			score, ok := r.Score(inst.Flavor)
			if !ok {
				continue
			}
			k := key{name: inst.Name, group: inst.Version.String(), request: ri}
			if latest {
				k.group = inst.Version.Branch().String()
			}
			c := candidate{inst: inst, score: score}
			w, ok := winners[k]
			if !ok {
				order = append(order, k)
			}
			if !ok || c.better(w, latest) {
				winners[k] = c
			}
		}
	}
	seen := make(map[string]bool)
	var out []trovedb.Instance
	for _, k := range order {
		inst := winners[k].inst
		if !seen[inst.Key()] {
			seen[inst.Key()] = true
			out = append(out, inst)
		}
	}
	return out
}

func (a *APIServer) nameQuery(ctx context.Context, c *call, leaves bool) (interface{}, error) {
	var q nameQuery
	if err := c.decode(&q); err != nil {
		return nil, err
	}
	return a.query(ctx, c.tok, q.specs(), queryOptions{leaves: leaves, best: q.BestFlavor})
}

func (a *APIServer) specQuery(ctx context.Context, c *call, sel trovedb.Selector, leaves bool) (interface{}, error) {
	var q specQuery
	if err := c.decode(&q); err != nil {
		return nil, err
	}
	specs, err := q.specs(sel)
	if err != nil {
		return nil, err
	}
	return a.query(ctx, c.tok, specs, queryOptions{sel: sel, leaves: leaves, best: q.BestFlavor})
}

func (a *APIServer) getTroveVersionList(ctx context.Context, c *call) (interface{}, error) {
	return a.nameQuery(ctx, c, false)
}

func (a *APIServer) getAllTroveLeaves(ctx context.Context, c *call) (interface{}, error) {
	return a.nameQuery(ctx, c, true)
}

func (a *APIServer) getTroveVersionsByLabel(ctx context.Context, c *call) (interface{}, error) {
	return a.specQuery(ctx, c, trovedb.SelectLabel, false)
}

func (a *APIServer) getTroveLeavesByLabel(ctx context.Context, c *call) (interface{}, error) {
	return a.specQuery(ctx, c, trovedb.SelectLabel, true)
}

func (a *APIServer) getTroveVersionsByBranch(ctx context.Context, c *call) (interface{}, error) {
	return a.specQuery(ctx, c, trovedb.SelectBranch, false)
}

func (a *APIServer) getTroveLeavesByBranch(ctx context.Context, c *call) (interface{}, error) {
	return a.specQuery(ctx, c, trovedb.SelectBranch, true)
}

func (a *APIServer) getTroveVersionFlavors(ctx context.Context, c *call) (interface{}, error) {
	return a.specQuery(ctx, c, trovedb.SelectVersion, false)
}

// getTroveLatestVersion returns the newest version of a trove on a branch,
// in any flavor.
func (a *APIServer) getTroveLatestVersion(ctx context.Context, c *call) (interface{}, error) {
	var args struct {
		Name   string `json:"name"`
		Branch string `json:"branch"`
	}
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	b, err := versions.ParseBranch(args.Branch)
	if err != nil {
		return nil, err
	}
	l, err := a.query(ctx, c.tok, []querySpec{{name: args.Name, spec: b.String()}}, queryOptions{sel: trovedb.SelectBranch, leaves: true})
	if err != nil {
		return nil, err
	}
	var latest *versions.Version
	for frozen := range l[args.Name] {
		v, err := versions.ThawVersion(frozen)
		if err != nil {
			return nil, err
		}
		if latest == nil || v.Timestamp() > latest.Timestamp() {
			latest = v
		}
	}
	if latest == nil {
		return nil, errors.WithStack(&repoerr.TroveMissing{Name: args.Name, Version: b.String()})
	}
	return latest.Freeze(), nil
}

// troveNames lists the readable troves with versions on a label.
func (a *APIServer) troveNames(ctx context.Context, c *call) (interface{}, error) {
	var args struct {
		Label string `json:"label"`
	}
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	l, err := versions.ParseLabel(args.Label)
	if err != nil {
		return nil, err
	}
	var rows []trovedb.NameLabel
	if err := a.env.Store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		var err error
		rows, err = tx.TroveNames(ctx, l.String())
		return err
	}); err != nil {
		return nil, err
	}
	items := make([]auth.Item, len(rows))
	for i, r := range rows {
		items[i] = auth.Item{Name: r.Name, Label: l}
	}
	readable, err := a.env.Auth.Readable(ctx, c.tok, items)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for i, r := range rows {
		if readable[i] && (len(names) == 0 || names[len(names)-1] != r.Name) {
			names = append(names, r.Name)
		}
	}
	return names, nil
}

// hasTroves reports which troves exist; troves the caller cannot read do
// not.
func (a *APIServer) hasTroves(ctx context.Context, c *call) (interface{}, error) {
	var args struct {
		Troves []trove.NVF `json:"troves"`
	}
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	if err := checkNVFs(args.Troves); err != nil {
		return nil, err
	}
	var has []bool
	if err := a.env.Store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		var err error
		has, err = tx.HasTroves(ctx, args.Troves)
		return err
	}); err != nil {
		return nil, err
	}
	items := make([]auth.Item, len(args.Troves))
	for i, t := range args.Troves {
		items[i] = auth.Item{Name: t.Name, Label: t.Version.TrailingLabel()}
	}
	readable, err := a.env.Auth.Readable(ctx, c.tok, items)
	if err != nil {
		return nil, err
	}
	for i := range has {
		has[i] = has[i] && readable[i]
	}
	return has, nil
}
