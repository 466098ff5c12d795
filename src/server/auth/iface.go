// Package auth holds the credential and result types shared by the
// authorization engine and the services that consult it.
package auth

import (
	"context"

	"github.com/pachyderm/troverepo/src/internal/trove"
	"github.com/pachyderm/troverepo/src/internal/versions"
)

// AnonymousUser is the account whose groups are granted to every caller when
// anonymous access is allowed.
const AnonymousUser = "anonymous"

// Entitlement is an entitlement key presented for a class.
type Entitlement struct {
	Class string
	Key   string
}

// Token is a caller's credentials.
type Token struct {
	User         string
	Password     string
	Entitlements []Entitlement
	// RemoteIP is forwarded to external password and entitlement checks.
	RemoteIP string
}

// Anonymous returns the token used to retry a call as the anonymous user.
func (t Token) Anonymous() Token {
	return Token{User: AnonymousUser, Password: AnonymousUser, RemoteIP: t.RemoteIP}
}

// IsAnonymous reports whether t carries no explicit user.
func (t Token) IsAnonymous() bool { return t.User == AnonymousUser }

// AuthResult is the outcome of resolving a token to user groups.  It is one
// of Authorized, DeniedRetryAnonymous, DeniedFinal or Timeout.
type AuthResult interface {
	isAuthResult()
}

// Authorized carries the groups a token resolved to.  Anonymous is set when
// the explicit credentials failed and only the anonymous groups remain.
type Authorized struct {
	Groups    []int64
	Anonymous bool
}

// DeniedRetryAnonymous means the explicit credentials resolved to no group
// but a retry as the anonymous user may succeed.
type DeniedRetryAnonymous struct{}

// DeniedFinal means no group can be resolved for the caller.
type DeniedFinal struct{}

// Timeout lists entitlement keys whose cached external validation expired
// without automatic retry; the caller should retry later.
type Timeout struct {
	Entitlements []string
}

func (Authorized) isAuthResult()           {}
func (DeniedRetryAnonymous) isAuthResult() {}
func (DeniedFinal) isAuthResult()          {}
func (Timeout) isAuthResult()              {}

// CheckOptions narrow a permission check.  The zero value asks only whether
// the token resolves to any group.
type CheckOptions struct {
	Write  bool
	Remove bool
	// Mirror additionally requires a group with the mirror or admin flag.
	Mirror bool
	Label  *versions.Label
	// Trove is matched against ACL patterns; empty matches any pattern.
	Trove string
	// NoAnonymous leaves the anonymous user's groups out.
	NoAnonymous bool
}

// ACL is one permission row as users see it; "ALL" is the wildcard.
type ACL struct {
	Group     string
	Label     string
	Pattern   string
	CanWrite  bool
	CanRemove bool
}

// Item is a trove name on a label, as ACLs see it.
type Item struct {
	Name  string
	Label versions.Label
}

// Checker decides whether callers may act on the repository.
type Checker interface {
	ResolveGroups(ctx context.Context, tok Token, allowAnonymous bool) (AuthResult, error)
	Check(ctx context.Context, tok Token, opts CheckOptions) (bool, error)
	// BatchCheck checks read (or write/remove) access to each trove, in
	// input order.
	BatchCheck(ctx context.Context, tok Token, troves []trove.NVF, write, remove bool) ([]bool, error)
	// Readable reports which items tok may read.  Callers that resolve to
	// no group read nothing.
	Readable(ctx context.Context, tok Token, items []Item) ([]bool, error)
	AuthCheck(ctx context.Context, tok Token, admin, mirror bool) (bool, error)
}

// Admin manages users, groups, ACLs and entitlements.  Callers gate these
// methods on AuthCheck(admin) except where noted.
type Admin interface {
	AddUser(ctx context.Context, user, password string) error
	AddUserByMD5(ctx context.Context, user string, salt []byte, hash string) error
	DeleteUser(ctx context.Context, user string) error
	// ChangePassword may be called by the user themselves.
	ChangePassword(ctx context.Context, user, password string) error
	ListUsers(ctx context.Context) ([]string, error)
	GetUserGroups(ctx context.Context, user string) ([]string, error)

	AddGroup(ctx context.Context, group string) error
	RenameGroup(ctx context.Context, oldName, newName string) error
	DeleteGroup(ctx context.Context, group string) error
	ListGroups(ctx context.Context) ([]string, error)
	GetGroupMembers(ctx context.Context, group string) ([]string, error)
	UpdateGroupMembers(ctx context.Context, group string, users []string) error
	SetAdmin(ctx context.Context, group string, admin bool) error
	SetMirror(ctx context.Context, group string, mirror bool) error

	AddAcl(ctx context.Context, acl ACL) error
	EditAcl(ctx context.Context, old, acl ACL) error
	DeleteAcl(ctx context.Context, group, label, pattern string) error
	ListAcls(ctx context.Context, group string) ([]ACL, error)

	AddEntitlementClass(ctx context.Context, class, accessGroup string) error
	DeleteEntitlementClass(ctx context.Context, class string) error
	AddEntitlementClassOwner(ctx context.Context, class, group string) error
	DeleteEntitlementClassOwner(ctx context.Context, class, group string) error
	GetEntitlementClassAccessGroups(ctx context.Context, class string) ([]string, error)
	SetEntitlementClassAccessGroups(ctx context.Context, class string, groups []string) error
	// The remaining entitlement methods are open to class owners as well
	// as admins, and check that themselves.
	AddEntitlementKey(ctx context.Context, tok Token, class, key string) error
	DeleteEntitlementKey(ctx context.Context, tok Token, class, key string) error
	ListEntitlementKeys(ctx context.Context, tok Token, class string) ([]string, error)
	ListEntitlementClasses(ctx context.Context, tok Token) ([]string, error)
}

// APIServer is the full authorization engine.
type APIServer interface {
	Checker
	Admin
}
