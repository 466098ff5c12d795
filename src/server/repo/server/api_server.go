package server

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
	"github.com/pachyderm/troverepo/src/internal/promutil"
	"github.com/pachyderm/troverepo/src/internal/repoerr"
	"github.com/pachyderm/troverepo/src/server/auth"
)

// call is one dispatched request as a method sees it.
type call struct {
	tok           auth.Token
	clientVersion int
	args          jsoniter.RawMessage
}

func (c *call) decode(out interface{}) error { return decodeArgs(c.args, out) }

type handler func(ctx context.Context, c *call) (interface{}, error)

type method struct {
	// write methods are refused by read-only repositories.
	write bool
	fn    handler
}

// APIServer serves the repository protocol.
type APIServer struct {
	env     Env
	methods map[string]method
	flight  singleflight.Group
	// newBackOff paces retries of calls that hit a locked database.
	newBackOff func() backoff.BackOff
}

// NewAPIServer returns a server for env.
func NewAPIServer(env Env) *APIServer {
	a := &APIServer{
		env: env,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxElapsedTime = 0
			return b
		},
	}
	a.methods = a.methodTable()
	return a
}

func (a *APIServer) methodTable() map[string]method {
	read := func(fn handler) method { return method{fn: fn} }
	write := func(fn handler) method { return method{write: true, fn: fn} }
	m := map[string]method{
		"checkVersion": read(a.checkVersion),

		"getTroveVersionList":      read(a.getTroveVersionList),
		"getAllTroveLeaves":        read(a.getAllTroveLeaves),
		"getTroveVersionsByLabel":  read(a.getTroveVersionsByLabel),
		"getTroveLeavesByLabel":    read(a.getTroveLeavesByLabel),
		"getTroveVersionsByBranch": read(a.getTroveVersionsByBranch),
		"getTroveLeavesByBranch":   read(a.getTroveLeavesByBranch),
		"getTroveVersionFlavors":   read(a.getTroveVersionFlavors),
		"getTroveLatestVersion":    read(a.getTroveLatestVersion),
		"troveNames":               read(a.troveNames),
		"hasTroves":                read(a.hasTroves),

		"getChangeSet":        read(a.getChangeSet),
		"prepareChangeSet":    write(a.prepareChangeSet),
		"commitChangeSet":     write(a.commitChangeSet),
		"getFileContents":     read(a.getFileContents),
		"getFileVersions":     read(a.getFileVersions),
		"getTroveInfo":        read(a.getTroveInfo),
		"addNewSignature":     write(a.addNewSignature),
		"nextVersion":         read(a.nextVersion),
		"presentHiddenTroves": write(a.presentHiddenTroves),
	}
	for name, md := range a.authMethods() {
		m[name] = md
	}
	return m
}

// Call dispatches one request.  It never fails: errors are marshalled into
// the response.
func (a *APIServer) Call(ctx context.Context, tok auth.Token, req *Request) (resp *Response) {
	start := time.Now()
	ctx = log.ChildLogger(ctx, "", log.WithFields(zap.String("method", req.Method), zap.String("user", tok.User)))
	resp = &Response{}
	defer func() {
		result := "ok"
		if resp.Error != nil {
			result = resp.Error.Kind
		}
		promutil.ObserveRPC(req.Method, result, start)
	}()

	result, usedAnonymous, err := a.dispatch(ctx, tok, req)
	if err != nil {
		resp.Error = a.marshalError(ctx, req.Method, err)
		return resp
	}
	resp.Result = result
	resp.UsedAnonymous = usedAnonymous
	return resp
}

func (a *APIServer) dispatch(ctx context.Context, tok auth.Token, req *Request) (_ interface{}, _ bool, retErr error) {
	m, ok := a.methods[req.Method]
	if !ok {
		return nil, false, errors.WithStack(&repoerr.MethodNotSupported{Method: req.Method})
	}
	// write spans are logged at info
	level := log.DebugLevel
	if m.write {
		level = log.InfoLevel
	}
	ctx, end := log.SpanContextL(ctx, req.Method, level)
	defer end(log.Errorp(&retErr))
	if req.Method != "checkVersion" && !supportedVersion(req.ClientVersion) {
		return nil, false, errors.WithStack(&repoerr.InvalidClientVersion{
			Msg: fmt.Sprintf("client protocol version %d is not supported by this server", req.ClientVersion),
		})
	}
	if m.write && a.env.Config.ReadOnly {
		return nil, false, errors.WithStack(&repoerr.ReadOnlyRepositoryError{Method: req.Method})
	}
	c := &call{tok: tok, clientVersion: req.ClientVersion, args: req.Args}
	result, err := a.withLockRetry(ctx, m.fn, c)
	if err == nil || !errors.As(err, new(*repoerr.InsufficientPermission)) {
		return result, false, err
	}
	if tok.User == "" || tok.IsAnonymous() {
		return nil, false, err
	}
	log.Debug(ctx, "permission denied; retrying as anonymous")
	c.tok = tok.Anonymous()
	result, aerr := a.withLockRetry(ctx, m.fn, c)
	if aerr != nil {
		// the anonymous failure says nothing about the caller's own rights
		return nil, false, err
	}
	return result, true, nil
}

// withLockRetry reruns fn while it fails on a locked database, up to
// DeadlockRetry times.
func (a *APIServer) withLockRetry(ctx context.Context, fn handler, c *call) (interface{}, error) {
	var result interface{}
	err := a.retryLocked(ctx, "call", func() error {
		var err error
		result, err = fn(ctx, c)
		return err
	})
	if errors.As(err, new(*repoerr.DatabaseLocked)) {
		return nil, errors.WithStack(&repoerr.RepositoryLocked{})
	}
	return result, err
}

// retryLocked reruns fn while it fails with DatabaseLocked, at most
// DeadlockRetry more times.  Once retries run out the DatabaseLocked error
// is returned.
func (a *APIServer) retryLocked(ctx context.Context, what string, fn func() error) error {
	max := a.env.Config.DeadlockRetry
	attempt := 0
	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.As(err, new(*repoerr.DatabaseLocked)) && attempt < max {
			attempt++
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(a.newBackOff(), ctx), func(err error, d time.Duration) {
		log.Info(ctx, "database locked; retrying "+what, log.RetryAttempt(attempt, max), zap.Duration("wait", d))
	})
}

func (a *APIServer) marshalError(ctx context.Context, method string, err error) *Error {
	kind, args, ok := repoerr.Marshal(err)
	if !ok {
		log.Error(ctx, "unhandled error in repository call", zap.String("method", method), zap.Error(err))
	} else {
		log.Debug(ctx, "repository call failed", zap.String("kind", kind), zap.Error(err))
	}
	return &Error{Kind: kind, Args: args}
}

func (a *APIServer) checkVersion(ctx context.Context, c *call) (interface{}, error) {
	ok, err := a.env.Auth.Check(ctx, c.tok, auth.CheckOptions{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.WithStack(&repoerr.InsufficientPermission{User: c.tok.User, Anonymous: c.tok.IsAnonymous()})
	}
	if c.clientVersion < ServerVersions[0] {
		return nil, errors.WithStack(&repoerr.InvalidClientVersion{
			Msg: fmt.Sprintf("client protocol version %d is too old; upgrade the client", c.clientVersion),
		})
	}
	return ServerVersions, nil
}

// denied is the error for a caller lacking a permission.
func denied(tok auth.Token) error {
	return errors.WithStack(&repoerr.InsufficientPermission{User: tok.User, Anonymous: tok.IsAnonymous()})
}
