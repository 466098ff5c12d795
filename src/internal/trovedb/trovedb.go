// Package trovedb persists troves, file streams, and the users, groups and
// permissions that guard them.  Two stores implement the same transactional
// interface: PGStore on Postgres and MemStore in memory.
package trovedb

import (
	"context"
	"strconv"
	"strings"

	"github.com/pachyderm/troverepo/src/internal/deps"
	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/trove"
	"github.com/pachyderm/troverepo/src/internal/versions"
)

// TroveQuery selects instances by trove type.
type TroveQuery int

const (
	// QueryPresent matches every trove that has not been removed.
	QueryPresent TroveQuery = iota
	// QueryNormal matches only normal troves.
	QueryNormal
	// QueryAll matches removed troves too.
	QueryAll
)

func (q TroveQuery) matches(t trove.Type) bool {
	switch q {
	case QueryPresent:
		return t != trove.TypeRemoved
	case QueryNormal:
		return t == trove.TypeNormal
	}
	return true
}

// Selector says what InstanceQuery.Specs name.
type Selector int

const (
	SelectNone Selector = iota
	SelectLabel
	SelectBranch
	SelectVersion
)

// InstanceQuery picks instances to list.
type InstanceQuery struct {
	// Names restricts the result to these troves; nil means every trove.
	Names []string
	// Select and Specs restrict the result to instances on one of the
	// labels, branches, or versions in Specs.
	Select Selector
	Specs  []string
	Types  TroveQuery
	// Leaves keeps only the newest version of each (name, branch, flavor).
	Leaves bool
}

// Instance is one stored trove instance.  Version carries its timestamps.
type Instance struct {
	trove.NVF
	Type trove.Type
}

// Matches reports whether i is selected by spec under sel.
func (i Instance) Matches(sel Selector, spec string) bool {
	switch sel {
	case SelectLabel:
		return i.Version.TrailingLabel().String() == spec
	case SelectBranch:
		return i.Version.Branch().String() == spec
	case SelectVersion:
		return i.Version.String() == spec
	}
	return true
}

// NameLabel is a trove name and a label it has versions on.
type NameLabel struct {
	Name  string
	Label string
}

// FileOwner is a trove that references a file stream at some version.
type FileOwner struct {
	trove.NVF
	FileVersion *versions.Version
}

// User is a repository account.  Password is the hex md5 of salt and
// password.
type User struct {
	ID       int64
	Name     string
	Salt     []byte
	Password string
}

// Group is a user group.
type Group struct {
	ID     int64
	Name   string
	Admin  bool
	Mirror bool
}

// Permission is one ACL row.  An empty Label or Pattern is the ALL wildcard.
type Permission struct {
	GroupID   int64
	Group     string
	Label     string
	Pattern   string
	CanWrite  bool
	CanRemove bool
}

// AddOptions control AddTrove.
type AddOptions struct {
	// Hidden troves exist but are left out of queries until presented.
	Hidden bool
}

// Tx is the set of operations available inside one store transaction.
type Tx interface {
	TroveTx
	AuthTx
}

// TroveTx reads and writes troves and file streams.
type TroveTx interface {
	Instances(ctx context.Context, q InstanceQuery) ([]Instance, error)
	TroveNames(ctx context.Context, label string) ([]NameLabel, error)
	// HasTroves reports, for each trove, whether an instance exists,
	// hidden or not.
	HasTroves(ctx context.Context, troves []trove.NVF) ([]bool, error)
	// GetTroves returns the troves with their files and references; missing
	// troves are nil.
	GetTroves(ctx context.Context, troves []trove.NVF, withFiles bool) ([]*trove.Trove, error)
	AddTrove(ctx context.Context, t *trove.Trove, opts AddOptions) error
	MarkTroveRemoved(ctx context.Context, n trove.NVF) error
	UpdateTroveInfo(ctx context.Context, n trove.NVF, info trove.Info) error
	// PresentHiddenTroves makes every hidden trove visible.
	PresentHiddenTroves(ctx context.Context) error
	// TroveParents lists the present troves that reference n.
	TroveParents(ctx context.Context, n trove.NVF) ([]trove.NVF, error)

	// AddFileStream stores the frozen stream of a file.  An empty stream is
	// a placeholder for a file whose stream lives on another host; a later
	// real stream replaces it.
	AddFileStream(ctx context.Context, fileID string, stream []byte) error
	// FileStreams returns the stream for each file id; missing ones and
	// placeholders are empty.
	FileStreams(ctx context.Context, fileIDs []string) ([][]byte, error)
	FileOwners(ctx context.Context, fileID string) ([]FileOwner, error)
}

// AuthTx manages users, groups, permissions, and entitlements.
type AuthTx interface {
	GetUser(ctx context.Context, name string) (*User, error)
	AddUser(ctx context.Context, name string, salt []byte, password string) (int64, error)
	DeleteUser(ctx context.Context, name string) error
	SetPassword(ctx context.Context, name string, salt []byte, password string) error
	ListUsers(ctx context.Context) ([]string, error)

	GetGroup(ctx context.Context, name string) (*Group, error)
	Groups(ctx context.Context, ids []int64) ([]Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	AddGroup(ctx context.Context, name string) (int64, error)
	RenameGroup(ctx context.Context, oldName, newName string) error
	DeleteGroup(ctx context.Context, name string) error
	SetGroupFlags(ctx context.Context, name string, admin, mirror bool) error
	// UserGroupIDs returns the groups user belongs to.
	UserGroupIDs(ctx context.Context, user string) ([]int64, error)
	GroupMembers(ctx context.Context, group string) ([]string, error)
	SetGroupMembers(ctx context.Context, group string, users []string) error

	AddPermission(ctx context.Context, p Permission) error
	DeletePermission(ctx context.Context, group, label, pattern string) error
	// Permissions returns the ACL rows of groups that apply to label; an
	// empty label returns every row of the groups.
	Permissions(ctx context.Context, groups []int64, label string) ([]Permission, error)

	AddEntitlementClass(ctx context.Context, class string, accessGroups []string) error
	DeleteEntitlementClass(ctx context.Context, class string) error
	EntitlementClasses(ctx context.Context) ([]string, error)
	AddEntitlementKey(ctx context.Context, class, key string) error
	DeleteEntitlementKey(ctx context.Context, class, key string) error
	EntitlementKeys(ctx context.Context, class string) ([]string, error)
	EntitlementOwners(ctx context.Context, class string) ([]string, error)
	AddEntitlementOwner(ctx context.Context, class, group string) error
	DeleteEntitlementOwner(ctx context.Context, class, group string) error
	EntitlementAccessGroups(ctx context.Context, class string) ([]string, error)
	SetEntitlementAccessGroups(ctx context.Context, class string, groups []string) error
	// EntitlementGroupIDs returns the groups an entitlement key grants.
	EntitlementGroupIDs(ctx context.Context, class, key string) ([]int64, error)
}

// Store runs transactions.
type Store interface {
	// WithTx runs cb in a transaction that commits when cb returns nil.
	// readOnly transactions may not write.
	WithTx(ctx context.Context, readOnly bool, cb func(context.Context, Tx) error) error
}

// ErrNotFound is returned when a named row does not exist.
var ErrNotFound = errors.New("not found")

// formatTimestamps encodes version timestamps for storage.
func formatTimestamps(ts []float64) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = strconv.FormatFloat(t, 'f', 3, 64)
	}
	return strings.Join(parts, ":")
}

func parseTimestamps(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ":")
	ts := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse timestamps %q", s)
		}
		ts[i] = f
	}
	return ts, nil
}

func loadVersion(s, timestamps string) (*versions.Version, error) {
	ts, err := parseTimestamps(timestamps)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		return versions.ParseVersion(s)
	}
	return versions.VersionFromString(s, ts)
}

func loadFlavor(s string) (deps.Flavor, error) {
	return deps.Parse(s)
}

// Leaves keeps the newest instance of each (name, branch, flavor), the
// order of the input being preserved otherwise.
func Leaves(in []Instance) []Instance {
	type key struct{ name, branch, flavor string }
	best := make(map[key]int)
	for i, inst := range in {
		k := key{inst.Name, inst.Version.Branch().String(), inst.Flavor.String()}
		j, ok := best[k]
		if !ok || in[j].Version.Timestamp() < inst.Version.Timestamp() {
			best[k] = i
		}
	}
	var out []Instance
	for i, inst := range in {
		k := key{inst.Name, inst.Version.Branch().String(), inst.Flavor.String()}
		if best[k] == i {
			out = append(out, inst)
		}
	}
	return out
}
