package nextversion

import (
	"context"

	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/internal/versions"
)

// StoreLookup answers both Repository and Local queries directly from a
// trove store, for builds run next to the repository.
type StoreLookup struct {
	store trovedb.Store
}

var (
	_ Repository = &StoreLookup{}
	_ Local      = &StoreLookup{}
)

func NewStoreLookup(s trovedb.Store) *StoreLookup {
	return &StoreLookup{store: s}
}

func (s *StoreLookup) TroveVersionsByLabel(ctx context.Context, names []string, labels []versions.Label) (map[string][]Found, error) {
	specs := make([]string, len(labels))
	for i, l := range labels {
		specs[i] = l.String()
	}
	return s.query(ctx, trovedb.InstanceQuery{Names: names, Select: trovedb.SelectLabel, Specs: specs, Types: trovedb.QueryAll})
}

func (s *StoreLookup) TroveLeavesByBranch(ctx context.Context, names []string, branch *versions.Branch) (map[string][]Found, error) {
	return s.query(ctx, trovedb.InstanceQuery{
		Names:  names,
		Select: trovedb.SelectBranch,
		Specs:  []string{branch.String()},
		Types:  trovedb.QueryPresent,
		Leaves: true,
	})
}

func (s *StoreLookup) query(ctx context.Context, q trovedb.InstanceQuery) (map[string][]Found, error) {
	var instances []trovedb.Instance
	if err := s.store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		var err error
		instances, err = tx.Instances(ctx, q)
		return err
	}); err != nil {
		return nil, err
	}
	return group(instances), nil
}

// group collects the flavors of each (name, version).
func group(instances []trovedb.Instance) map[string][]Found {
	out := make(map[string][]Found)
	index := make(map[string]int)
	for _, inst := range instances {
		k := inst.Name + "=" + inst.Version.String()
		i, ok := index[k]
		if !ok {
			i = len(out[inst.Name])
			index[k] = i
			out[inst.Name] = append(out[inst.Name], Found{Version: inst.Version})
		}
		out[inst.Name][i].Flavors = append(out[inst.Name][i].Flavors, inst.Flavor)
	}
	return out
}
