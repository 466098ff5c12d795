// Package repoerr defines the errors a trove repository reports to its clients.  Every error here
// has a symbolic Kind and a list of string Args, which is what travels over the wire; Unmarshal
// rebuilds the error on the other side.
package repoerr

import (
	"fmt"
	"strings"

	"github.com/pachyderm/troverepo/src/internal/errors"
)

// Error is implemented by every error that may be returned to a client.
type Error interface {
	error
	Kind() string
	Args() []string
}

// Marshal returns the kind and args for err.  Errors that are not repository errors marshal as
// InternalServerError without detail; ok is false for them so callers can log the original.
func Marshal(err error) (kind string, args []string, ok bool) {
	var re Error
	if errors.As(err, &re) {
		return re.Kind(), re.Args(), true
	}
	return (&InternalServerError{}).Kind(), nil, false
}

type unmarshalFunc func(args []string) Error

var kinds = map[string]unmarshalFunc{}

func register(e Error, f unmarshalFunc) {
	kinds[e.Kind()] = f
}

// Unmarshal rebuilds the error named by kind.  Unknown kinds become an UnknownError carrying the
// raw kind and args.
func Unmarshal(kind string, args []string) error {
	if f, ok := kinds[kind]; ok {
		return f(args)
	}
	return &UnknownError{Name: kind, Params: args}
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

// UnknownError is an error kind this build does not know.
type UnknownError struct {
	Name   string
	Params []string
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown error %s: %s", e.Name, strings.Join(e.Params, ", "))
}
func (e *UnknownError) Kind() string   { return e.Name }
func (e *UnknownError) Args() []string { return e.Params }

// ParseError is returned for malformed versions, labels, flavors, and config values.
type ParseError struct{ Msg string }

func (e *ParseError) Error() string  { return e.Msg }
func (e *ParseError) Kind() string   { return "ParseError" }
func (e *ParseError) Args() []string { return []string{e.Msg} }

// InsufficientPermission is returned when no group grants the requested access.
type InsufficientPermission struct {
	User      string
	Repo      string
	Anonymous bool
}

func (e *InsufficientPermission) Error() string {
	switch {
	case e.Anonymous:
		return "anonymous access denied"
	case e.User != "" && e.Repo != "":
		return fmt.Sprintf("insufficient permission for user %s on repository %s", e.User, e.Repo)
	case e.User != "":
		return fmt.Sprintf("insufficient permission for user %s", e.User)
	}
	return "insufficient permission"
}
func (e *InsufficientPermission) Kind() string { return "InsufficientPermission" }
func (e *InsufficientPermission) Args() []string {
	anon := "0"
	if e.Anonymous {
		anon = "1"
	}
	return []string{e.User, e.Repo, anon}
}

// TroveMissing is returned when a named trove, or any version of it, does not exist or is
// hidden by ACLs.
type TroveMissing struct {
	Name    string
	Version string
}

func (e *TroveMissing) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("trove %s does not exist", e.Name)
	}
	return fmt.Sprintf("version %s of %s does not exist", e.Version, e.Name)
}
func (e *TroveMissing) Kind() string   { return "TroveMissing" }
func (e *TroveMissing) Args() []string { return []string{e.Name, e.Version} }

// FileStreamMissing is returned when a file stream known to a trove cannot be found.
type FileStreamMissing struct{ FileID string }

func (e *FileStreamMissing) Error() string {
	return fmt.Sprintf("file stream %s is missing from the repository", e.FileID)
}
func (e *FileStreamMissing) Kind() string   { return "FileStreamMissing" }
func (e *FileStreamMissing) Args() []string { return []string{e.FileID} }

// FileStreamNotFound is returned when a requested (fileId, version) is absent or hidden.
type FileStreamNotFound struct {
	FileID  string
	Version string
}

func (e *FileStreamNotFound) Error() string {
	return fmt.Sprintf("file stream %s version %s not found", e.FileID, e.Version)
}
func (e *FileStreamNotFound) Kind() string   { return "FileStreamNotFound" }
func (e *FileStreamNotFound) Args() []string { return []string{e.FileID, e.Version} }

// FileContentsNotFound is returned when the contents of a requested file are absent or hidden.
type FileContentsNotFound struct {
	FileID  string
	Version string
}

func (e *FileContentsNotFound) Error() string {
	return fmt.Sprintf("contents of file %s version %s not found", e.FileID, e.Version)
}
func (e *FileContentsNotFound) Kind() string   { return "FileContentsNotFound" }
func (e *FileContentsNotFound) Args() []string { return []string{e.FileID, e.Version} }

// TroveIntegrityError is returned when a trove's contents do not match its identifiers.
type TroveIntegrityError struct {
	Name    string
	Version string
	Flavor  string
	Msg     string
}

func (e *TroveIntegrityError) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = "trove integrity check failed"
	}
	if e.Name == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s=%s[%s]", msg, e.Name, e.Version, e.Flavor)
}
func (e *TroveIntegrityError) Kind() string   { return "TroveIntegrityError" }
func (e *TroveIntegrityError) Args() []string { return []string{e.Name, e.Version, e.Flavor, e.Msg} }

// IntegrityError is returned when a changeset is internally inconsistent.
type IntegrityError struct{ Msg string }

func (e *IntegrityError) Error() string  { return e.Msg }
func (e *IntegrityError) Kind() string   { return "IntegrityError" }
func (e *IntegrityError) Args() []string { return []string{e.Msg} }

// CommitError is returned when a changeset cannot be committed.
type CommitError struct{ Msg string }

func (e *CommitError) Error() string  { return e.Msg }
func (e *CommitError) Kind() string   { return "CommitError" }
func (e *CommitError) Args() []string { return []string{e.Msg} }

// CloneError is returned when a clone request is invalid.
type CloneError struct{ Msg string }

func (e *CloneError) Error() string  { return e.Msg }
func (e *CloneError) Kind() string   { return "CloneError" }
func (e *CloneError) Args() []string { return []string{e.Msg} }

// CloneNeed is a reference a clone could not rewrite.
type CloneNeed struct {
	Kind    string
	Name    string
	Version string
	Flavor  string
}

// CloneIncomplete lists the references that could not be resolved on the target branch.
type CloneIncomplete struct{ Needs []CloneNeed }

func (e *CloneIncomplete) Error() string {
	lines := []string{"Clone cannot be completed because some troves are not available on the target branch."}
	for _, n := range e.Needs {
		lines = append(lines, fmt.Sprintf("    %s: %s=%s[%s]", n.Kind, n.Name, n.Version, n.Flavor))
	}
	return strings.Join(lines, "\n")
}
func (e *CloneIncomplete) Kind() string { return "CloneIncomplete" }
func (e *CloneIncomplete) Args() []string {
	var args []string
	for _, n := range e.Needs {
		args = append(args, n.Kind, n.Name, n.Version, n.Flavor)
	}
	return args
}

// DatabaseLocked is returned when a transaction failed on lock contention; the whole request
// may be retried.
type DatabaseLocked struct{}

func (e *DatabaseLocked) Error() string  { return "database is locked" }
func (e *DatabaseLocked) Kind() string   { return "DatabaseLocked" }
func (e *DatabaseLocked) Args() []string { return nil }

// RepositoryLocked is returned to clients once lock retries are exhausted.
type RepositoryLocked struct{}

func (e *RepositoryLocked) Error() string {
	return "The repository is currently busy.  Try again in a few moments."
}
func (e *RepositoryLocked) Kind() string   { return "RepositoryLocked" }
func (e *RepositoryLocked) Args() []string { return nil }

// EntitlementTimeout is returned when cached entitlements expired and need to be refreshed.
type EntitlementTimeout struct{ Classes []string }

func (e *EntitlementTimeout) Error() string {
	return "entitlement timeout: " + strings.Join(e.Classes, ", ")
}
func (e *EntitlementTimeout) Kind() string   { return "EntitlementTimeout" }
func (e *EntitlementTimeout) Args() []string { return e.Classes }

// InvalidClientVersion is returned when the client protocol version is not supported.
type InvalidClientVersion struct{ Msg string }

func (e *InvalidClientVersion) Error() string  { return e.Msg }
func (e *InvalidClientVersion) Kind() string   { return "InvalidClientVersion" }
func (e *InvalidClientVersion) Args() []string { return []string{e.Msg} }

// MethodNotSupported is returned for unknown RPC methods.
type MethodNotSupported struct{ Method string }

func (e *MethodNotSupported) Error() string  { return "method not supported: " + e.Method }
func (e *MethodNotSupported) Kind() string   { return "MethodNotSupported" }
func (e *MethodNotSupported) Args() []string { return []string{e.Method} }

// ReadOnlyRepositoryError is returned for write methods on a read-only repository.
type ReadOnlyRepositoryError struct{ Method string }

func (e *ReadOnlyRepositoryError) Error() string {
	return fmt.Sprintf("repository is read only; %s is not allowed", e.Method)
}
func (e *ReadOnlyRepositoryError) Kind() string   { return "ReadOnlyRepositoryError" }
func (e *ReadOnlyRepositoryError) Args() []string { return []string{e.Method} }

// RepositoryMismatch is returned when a request names a label hosted elsewhere.
type RepositoryMismatch struct {
	Right []string
	Wrong string
}

func (e *RepositoryMismatch) Error() string {
	if e.Wrong == "" {
		return "repository name mismatch"
	}
	return fmt.Sprintf("repository name mismatch: requested %s, this repository serves %s", e.Wrong, strings.Join(e.Right, ", "))
}
func (e *RepositoryMismatch) Kind() string   { return "RepositoryMismatch" }
func (e *RepositoryMismatch) Args() []string { return append([]string{e.Wrong}, e.Right...) }

// InvalidName is returned for malformed group, user, or entitlement class names.
type InvalidName struct{ Name string }

func (e *InvalidName) Error() string  { return "invalid name: " + e.Name }
func (e *InvalidName) Kind() string   { return "InvalidName" }
func (e *InvalidName) Args() []string { return []string{e.Name} }

// GroupAlreadyExists is returned when adding a group whose name exists, case-insensitively.
type GroupAlreadyExists struct{ Group string }

func (e *GroupAlreadyExists) Error() string  { return "group already exists: " + e.Group }
func (e *GroupAlreadyExists) Kind() string   { return "GroupAlreadyExists" }
func (e *GroupAlreadyExists) Args() []string { return []string{e.Group} }

// UserAlreadyExists is returned when adding a user whose name exists.
type UserAlreadyExists struct{ User string }

func (e *UserAlreadyExists) Error() string  { return "user already exists: " + e.User }
func (e *UserAlreadyExists) Kind() string   { return "UserAlreadyExists" }
func (e *UserAlreadyExists) Args() []string { return []string{e.User} }

// UserNotFound is returned for operations on an unknown user.
type UserNotFound struct{ User string }

func (e *UserNotFound) Error() string  { return "user not found: " + e.User }
func (e *UserNotFound) Kind() string   { return "UserNotFound" }
func (e *UserNotFound) Args() []string { return []string{e.User} }

// GroupNotFound is returned for operations on an unknown group.
type GroupNotFound struct{ Group string }

func (e *GroupNotFound) Error() string  { return "group not found: " + e.Group }
func (e *GroupNotFound) Kind() string   { return "GroupNotFound" }
func (e *GroupNotFound) Args() []string { return []string{e.Group} }

// PermissionAlreadyExists is returned when adding an ACL that duplicates an existing one.
type PermissionAlreadyExists struct{ Msg string }

func (e *PermissionAlreadyExists) Error() string  { return e.Msg }
func (e *PermissionAlreadyExists) Kind() string   { return "PermissionAlreadyExists" }
func (e *PermissionAlreadyExists) Args() []string { return []string{e.Msg} }

// InvalidEntitlement is returned for malformed entitlement keys.
type InvalidEntitlement struct {
	Class string
	Key   string
}

func (e *InvalidEntitlement) Error() string {
	return fmt.Sprintf("invalid entitlement for class %s", e.Class)
}
func (e *InvalidEntitlement) Kind() string   { return "InvalidEntitlement" }
func (e *InvalidEntitlement) Args() []string { return []string{e.Class, e.Key} }

// UnknownEntitlementClass is returned for operations on an unknown entitlement class.
type UnknownEntitlementClass struct{ Class string }

func (e *UnknownEntitlementClass) Error() string  { return "unknown entitlement class: " + e.Class }
func (e *UnknownEntitlementClass) Kind() string   { return "UnknownEntitlementClass" }
func (e *UnknownEntitlementClass) Args() []string { return []string{e.Class} }

// CannotChangePassword is returned when passwords are checked by an external
// service.
type CannotChangePassword struct{}

func (e *CannotChangePassword) Error() string {
	return "passwords are managed externally and cannot be changed here"
}
func (e *CannotChangePassword) Kind() string   { return "CannotChangePassword" }
func (e *CannotChangePassword) Args() []string { return nil }

// InternalServerError hides an unexpected server failure from the client.
type InternalServerError struct{ Msg string }

func (e *InternalServerError) Error() string {
	if e.Msg == "" {
		return "internal server error"
	}
	return "internal server error: " + e.Msg
}
func (e *InternalServerError) Kind() string   { return "InternalServerError" }
func (e *InternalServerError) Args() []string { return []string{e.Msg} }

func init() {
	register(&ParseError{}, func(a []string) Error { return &ParseError{Msg: arg(a, 0)} })
	register(&InsufficientPermission{}, func(a []string) Error {
		return &InsufficientPermission{User: arg(a, 0), Repo: arg(a, 1), Anonymous: arg(a, 2) == "1"}
	})
	register(&TroveMissing{}, func(a []string) Error { return &TroveMissing{Name: arg(a, 0), Version: arg(a, 1)} })
	register(&FileStreamMissing{}, func(a []string) Error { return &FileStreamMissing{FileID: arg(a, 0)} })
	register(&FileStreamNotFound{}, func(a []string) Error {
		return &FileStreamNotFound{FileID: arg(a, 0), Version: arg(a, 1)}
	})
	register(&FileContentsNotFound{}, func(a []string) Error {
		return &FileContentsNotFound{FileID: arg(a, 0), Version: arg(a, 1)}
	})
	register(&TroveIntegrityError{}, func(a []string) Error {
		return &TroveIntegrityError{Name: arg(a, 0), Version: arg(a, 1), Flavor: arg(a, 2), Msg: arg(a, 3)}
	})
	register(&IntegrityError{}, func(a []string) Error { return &IntegrityError{Msg: arg(a, 0)} })
	register(&CommitError{}, func(a []string) Error { return &CommitError{Msg: arg(a, 0)} })
	register(&CloneError{}, func(a []string) Error { return &CloneError{Msg: arg(a, 0)} })
	register(&CloneIncomplete{}, func(a []string) Error {
		e := &CloneIncomplete{}
		for i := 0; i+3 < len(a); i += 4 {
			e.Needs = append(e.Needs, CloneNeed{Kind: a[i], Name: a[i+1], Version: a[i+2], Flavor: a[i+3]})
		}
		return e
	})
	register(&DatabaseLocked{}, func([]string) Error { return &DatabaseLocked{} })
	register(&RepositoryLocked{}, func([]string) Error { return &RepositoryLocked{} })
	register(&EntitlementTimeout{}, func(a []string) Error { return &EntitlementTimeout{Classes: a} })
	register(&InvalidClientVersion{}, func(a []string) Error { return &InvalidClientVersion{Msg: arg(a, 0)} })
	register(&MethodNotSupported{}, func(a []string) Error { return &MethodNotSupported{Method: arg(a, 0)} })
	register(&ReadOnlyRepositoryError{}, func(a []string) Error { return &ReadOnlyRepositoryError{Method: arg(a, 0)} })
	register(&RepositoryMismatch{}, func(a []string) Error {
		e := &RepositoryMismatch{Wrong: arg(a, 0)}
		if len(a) > 1 {
			e.Right = a[1:]
		}
		return e
	})
	register(&InvalidName{}, func(a []string) Error { return &InvalidName{Name: arg(a, 0)} })
	register(&GroupAlreadyExists{}, func(a []string) Error { return &GroupAlreadyExists{Group: arg(a, 0)} })
	register(&UserAlreadyExists{}, func(a []string) Error { return &UserAlreadyExists{User: arg(a, 0)} })
	register(&UserNotFound{}, func(a []string) Error { return &UserNotFound{User: arg(a, 0)} })
	register(&GroupNotFound{}, func(a []string) Error { return &GroupNotFound{Group: arg(a, 0)} })
	register(&PermissionAlreadyExists{}, func(a []string) Error { return &PermissionAlreadyExists{Msg: arg(a, 0)} })
	register(&InvalidEntitlement{}, func(a []string) Error { return &InvalidEntitlement{Class: arg(a, 0), Key: arg(a, 1)} })
	register(&UnknownEntitlementClass{}, func(a []string) Error { return &UnknownEntitlementClass{Class: arg(a, 0)} })
	register(&CannotChangePassword{}, func([]string) Error { return &CannotChangePassword{} })
	register(&InternalServerError{}, func(a []string) Error { return &InternalServerError{Msg: arg(a, 0)} })
}
