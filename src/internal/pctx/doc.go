// Package pctx implements contexts for the trove repository.
//
// Every context passed through the server carries a logger.  This package creates root contexts
// with one attached and derives named children from them.
//
// # GETTING A CONTEXT
//
// troved calls `Background` once to get the root context and derives all future contexts from
// that.  The HTTP server installs one per request.
//
// # DERIVED CONTEXTS
//
// It goes without saying that it is perfectly safe to use context.WithTimeout, context.WithCancel,
// context.WithValue, etc.  The derived context will inherit the capabilities of its parent.
//
// Sometimes you want to spin-off a long-running operation with a name and some fields.  The Child
// function in this package takes care of this for you.  `Child(parent, "name", [options...])`.
// Each Child call changes the name of the underlying instrumentation, concatenating its own name
// with the parent's name and a dot.  So as you get deeper into children, you might see that the
// logs come from something like "troved.http.rpc",
// allowing you to see where about in the stack the data came from.  A commit running inside an RPC
// handler logs as "troved.http.rpc.commitChangeSet.commitJob".
//
// The convention is to use oneCamelCaseWord for the logger name, and for parents to name their
// children.  Instead of:
//
//	func worker(ctx context.Context) {
//	    ctx = pctx.Child(ctx, "worker")
//	    ...
//	}
//
// Prefer:
//
//	go s.worker(pctx.Child(ctx, "worker"))
package pctx
