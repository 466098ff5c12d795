// Package nextversion picks the version a newly built trove is committed
// with.
//
// Binaries built from a source version S share S's revision and differ only
// in build count.  A new build reuses the newest existing build count when no
// existing binary at that count has one of the new flavors, and bumps the
// count otherwise.
package nextversion

import (
	"context"
	"sort"
	"strings"

	"github.com/pachyderm/troverepo/src/internal/deps"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/versions"
)

// Found is one version of a trove and the flavors it exists in.
type Found struct {
	Version *versions.Version
	Flavors []deps.Flavor
}

// Repository looks up versions in the repository troves are committed to.
type Repository interface {
	// TroveVersionsByLabel returns every version, of any trove type, of the
	// named troves on the given labels.
	TroveVersionsByLabel(ctx context.Context, names []string, labels []versions.Label) (map[string][]Found, error)
}

// Local looks up versions already built or installed locally, for builds
// onto the local host.
type Local interface {
	TroveLeavesByBranch(ctx context.Context, names []string, branch *versions.Branch) (map[string][]Found, error)
}

// Options control NextVersion.
type Options struct {
	// TargetLabel, when set, shadows the source version onto this label
	// before looking for existing binaries.
	TargetLabel *versions.Label
	// AlwaysBump never reuses an existing build count, even when the flavors
	// would keep the new troves apart.
	AlwaysBump bool
}

// Job is one request to NextVersions.
type Job struct {
	Source  *versions.Version
	Names   []string
	Flavors []deps.Flavor
}

// packageNames strips component suffixes and removes duplicates.
func packageNames(names []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		p, _, _ := strings.Cut(n, ":")
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// NextVersion returns the version to commit troves named names, built from
// source with flavors, under.  repo may be nil, in which case no existing
// binaries are considered; local is consulted only for versions on the local
// host.
func NextVersion(ctx context.Context, repo Repository, local Local, names []string, source *versions.Version, flavors []deps.Flavor, opts Options) (*versions.Version, error) {
	if opts.TargetLabel != nil {
		source = source.CreateShadow(*opts.TargetLabel)
	}
	pkgs := packageNames(names)
	var found map[string][]Found
	if repo != nil && !source.IsOnLocalHost() {
		var err error
		found, err = repo.TroveVersionsByLabel(ctx, pkgs, []versions.Label{source.BinaryVersion().TrailingLabel()})
		if err != nil {
			return nil, errors.Wrap(err, "look up existing binaries")
		}
	}
	return fromQuery(ctx, found, local, names, source, flavors, opts.AlwaysBump)
}

// NextVersions is NextVersion for several jobs, sharing one repository
// query.  The result is in the order of jobs.
func NextVersions(ctx context.Context, repo Repository, local Local, jobs []Job, alwaysBump bool) ([]*versions.Version, error) {
	var found map[string][]Found
	if repo != nil {
		var names []string
		labels := make(map[versions.Label]bool)
		for _, j := range jobs {
			if j.Source.IsOnLocalHost() {
				continue
			}
			names = append(names, j.Names...)
			labels[j.Source.BinaryVersion().TrailingLabel()] = true
		}
		if len(labels) > 0 {
			l := make([]versions.Label, 0, len(labels))
			for label := range labels {
				l = append(l, label)
			}
			sort.Slice(l, func(i, j int) bool { return l[i].String() < l[j].String() })
			var err error
			found, err = repo.TroveVersionsByLabel(ctx, packageNames(names), l)
			if err != nil {
				return nil, errors.Wrap(err, "look up existing binaries")
			}
		}
	}
	out := make([]*versions.Version, len(jobs))
	for i, j := range jobs {
		v, err := fromQuery(ctx, found, local, j.Names, j.Source, j.Flavors, alwaysBump)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func overlaps(a, b []deps.Flavor) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Equal(y) {
				return true
			}
		}
	}
	return false
}

// newest returns the candidate with the highest build count, the last one
// winning ties.
func newest(candidates []Found) Found {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Version.TrailingRevision().BuildCount.Compare(candidates[j].Version.TrailingRevision().BuildCount) < 0
	})
	return candidates[len(candidates)-1]
}

func fromQuery(ctx context.Context, found map[string][]Found, local Local, names []string, source *versions.Version, flavors []deps.Flavor, alwaysBump bool) (*versions.Version, error) {
	var relevant []Found
	for _, pkg := range packageNames(names) {
		for _, f := range found[pkg] {
			v := f.Version
			if v.IsBranchedBinary() || v.IsSourceVersion() {
				continue
			}
			if !v.SourceVersion().TrailingRevision().Equal(source.TrailingRevision()) {
				continue
			}
			if v.TrailingLabel() != source.TrailingLabel() {
				continue
			}
			relevant = append(relevant, f)
		}
	}
	var latest *versions.Version
	if len(relevant) > 0 {
		ref := newest(relevant)
		bump := alwaysBump || overlaps(flavors, ref.Flavors) || !ref.Version.SourceVersion().Equal(source)
		latest = ref.Version
		if bump {
			latest = source.Branch().CreateVersion(ref.Version.TrailingRevision()).IncrementBuildCount()
		}
	} else {
		latest = source.BinaryVersion().IncrementBuildCount()
	}
	if latest.IsOnLocalHost() && local != nil {
		return nextLocalVersion(ctx, local, names, latest, flavors)
	}
	return latest, nil
}

// nextLocalVersion bumps latest past builds already present locally on its
// branch.
func nextLocalVersion(ctx context.Context, local Local, names []string, latest *versions.Version, flavors []deps.Flavor) (*versions.Version, error) {
	query := append(packageNames(names), names...)
	results, err := local.TroveLeavesByBranch(ctx, query, latest.Branch())
	if err != nil {
		return nil, errors.Wrap(err, "look up local builds")
	}
	src := latest.SourceVersion()
	var relevant []Found
	for _, n := range query {
		for _, f := range results[n] {
			if f.Version.SourceVersion().Equal(src) {
				relevant = append(relevant, f)
			}
		}
		delete(results, n)
	}
	if len(relevant) == 0 {
		return latest, nil
	}
	ref := newest(relevant)
	if overlaps(flavors, ref.Flavors) {
		return ref.Version.IncrementBuildCount(), nil
	}
	return ref.Version, nil
}
