package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/pachyderm/troverepo/src/internal/deps"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/nextversion"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/internal/trove"
	"github.com/pachyderm/troverepo/src/internal/trovedb"
	"github.com/pachyderm/troverepo/src/internal/versions"
	"github.com/pachyderm/troverepo/src/server/auth"
)

// getTroveInfo returns the TroveInfo of each trove, or null for troves
// that do not exist.
func (a *APIServer) getTroveInfo(ctx context.Context, c *call) (interface{}, error) {
	var args struct {
		Troves []trove.NVF `json:"troves"`
	}
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	if err := checkNVFs(args.Troves); err != nil {
		return nil, err
	}
	if err := a.checkAll(ctx, c.tok, args.Troves, false, false); err != nil {
		return nil, err
	}
	out := make([]*trove.Info, len(args.Troves))
	err := a.env.Store.WithTx(ctx, true, func(ctx context.Context, tx trovedb.Tx) error {
		ts, err := tx.GetTroves(ctx, args.Troves, false)
		if err != nil {
			return err
		}
		for i, t := range ts {
			if t != nil {
				info := t.Info
				out[i] = &info
			}
		}
		return nil
	})
	return out, err
}

// addNewSignature appends a digital signature to a trove's info.
func (a *APIServer) addNewSignature(ctx context.Context, c *call) (interface{}, error) {
	var args struct {
		Trove     trove.NVF              `json:"trove"`
		Signature trove.DigitalSignature `json:"signature"`
	}
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	if err := checkNVFs([]trove.NVF{args.Trove}); err != nil {
		return nil, err
	}
	n := args.Trove
	l := n.Version.TrailingLabel()
	ok, err := a.env.Auth.Check(ctx, c.tok, auth.CheckOptions{Write: true, Label: &l, Trove: n.Name})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, denied(c.tok)
	}
	if err := a.env.Store.WithTx(ctx, false, func(ctx context.Context, tx trovedb.Tx) error {
		ts, err := tx.GetTroves(ctx, []trove.NVF{n}, true)
		if err != nil {
			return err
		}
		t := ts[0]
		if t == nil {
			return errors.WithStack(&repoerr.TroveMissing{Name: n.Name, Version: n.Version.String()})
		}
		if err := t.AddDigitalSignature(args.Signature); err != nil {
			return errors.WithStack(&repoerr.IntegrityError{Msg: err.Error()})
		}
		return tx.UpdateTroveInfo(ctx, n, t.Info)
	}); err != nil {
		return nil, err
	}
	log.Info(ctx, "added signature", log.Trove(n.Name, n.Version.String(), n.Flavor.String()), zap.String("key", args.Signature.KeyID))
	if err := a.env.Cache.Invalidate(ctx, n); err != nil {
		return nil, err
	}
	return true, nil
}

// presentHiddenTroves makes troves committed hidden by a mirror visible.
func (a *APIServer) presentHiddenTroves(ctx context.Context, c *call) (interface{}, error) {
	ok, err := a.env.Auth.Check(ctx, c.tok, auth.CheckOptions{Mirror: true})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, denied(c.tok)
	}
	err = a.env.Store.WithTx(ctx, false, func(ctx context.Context, tx trovedb.Tx) error {
		return tx.PresentHiddenTroves(ctx)
	})
	return err == nil, err
}

// nextVersion picks the version to build troves from a source version
// under, bumping the build count when flavors collide with an existing
// build.
func (a *APIServer) nextVersion(ctx context.Context, c *call) (interface{}, error) {
	var args struct {
		Names       []string          `json:"names"`
		Source      *versions.Version `json:"source"`
		Flavors     []deps.Flavor     `json:"flavors"`
		TargetLabel *versions.Label   `json:"targetLabel,omitempty"`
		AlwaysBump  bool              `json:"alwaysBump"`
	}
	if err := c.decode(&args); err != nil {
		return nil, err
	}
	if args.Source == nil || len(args.Names) == 0 {
		return nil, errors.WithStack(&repoerr.ParseError{Msg: "nextVersion needs trove names and a source version"})
	}
	l := args.Source.TrailingLabel()
	if args.TargetLabel != nil {
		l = *args.TargetLabel
	}
	ok, err := a.env.Auth.Check(ctx, c.tok, auth.CheckOptions{Label: &l})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, denied(c.tok)
	}
	v, err := nextversion.NextVersion(ctx, nextversion.NewStoreLookup(a.env.Store), nil, args.Names, args.Source, args.Flavors,
		nextversion.Options{TargetLabel: args.TargetLabel, AlwaysBump: args.AlwaysBump})
	if err != nil {
		return nil, err
	}
	return v.Freeze(), nil
}
