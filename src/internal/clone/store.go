package clone

import (
	"context"

	"github.com/pachyderm/troverepo/src/internal/contentstore"
	"github.com/pachyderm/troverepo/src/internal/deps"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/nextversion"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/internal/versions"
)

// StoreRepository reads clone sources straight from a repository's stores.
type StoreRepository struct {
	*nextversion.StoreLookup
	store    trovedb.Store
	contents contentstore.Store
}

var _ Repository = &StoreRepository{}

func NewStoreRepository(store trovedb.Store, contents contentstore.Store) *StoreRepository {
	return &StoreRepository{
		StoreLookup: nextversion.NewStoreLookup(store),
		store:       store,
		contents:    contents,
	}
}

func (r *StoreRepository) GetTroves(ctx context.Context, nvfs []trove.NVF, withFiles bool) ([]*trove.Trove, error) {
	var out []*trove.Trove
	err := r.store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		var err error
		out, err = tx.GetTroves(ctx, nvfs, withFiles)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i, t := range out {
		if t == nil {
			return nil, errors.WithStack(&repoerr.TroveMissing{Name: nvfs[i].Name, Version: nvfs[i].Version.String()})
		}
	}
	return out, nil
}

func (r *StoreRepository) branchInstances(ctx context.Context, name string, branch *versions.Branch) ([]trovedb.Instance, error) {
	var out []trovedb.Instance
	err := r.store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		var err error
		out, err = tx.Instances(ctx, trovedb.InstanceQuery{
			Names:  []string{name},
			Select: trovedb.SelectBranch,
			Specs:  []string{branch.String()},
			Types:  trovedb.QueryPresent,
		})
		return err
	})
	return out, err
}

func (r *StoreRepository) TroveVersionsByBranch(ctx context.Context, name string, branch *versions.Branch) ([]*versions.Version, error) {
	instances, err := r.branchInstances(ctx, name, branch)
	if err != nil {
		return nil, err
	}
	var out []*versions.Version
	for _, inst := range instances {
		if len(out) == 0 || !out[len(out)-1].Equal(inst.Version) {
			out = append(out, inst.Version)
		}
	}
	return out, nil
}

func (r *StoreRepository) TroveLeafByBranch(ctx context.Context, name string, branch *versions.Branch, flavor deps.Flavor) (*versions.Version, error) {
	instances, err := r.branchInstances(ctx, name, branch)
	if err != nil {
		return nil, err
	}
	var leaf *versions.Version
	for _, inst := range instances {
		if inst.Flavor.Equal(flavor) {
			leaf = inst.Version
		}
	}
	return leaf, nil
}

func (r *StoreRepository) FileStreams(ctx context.Context, fileIDs []string) ([][]byte, error) {
	var out [][]byte
	err := r.store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		var err error
		out, err = tx.FileStreams(ctx, fileIDs)
		return err
	})
	return out, err
}

func (r *StoreRepository) FileContents(ctx context.Context, sha1 string) ([]byte, error) {
	return contentstore.Get(ctx, r.contents, sha1)
}
