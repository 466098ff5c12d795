package pctx

import (
	"context"

	"github.com/pachyderm/troverepo/src/internal/log"
)

// Background returns the root context of a process, with a logger attached and named process.
func Background(process string) context.Context {
	return Child(log.AddLogger(context.Background()), process)
}

// Option customizes the logger of a child context.
type Option = log.LogOption

// WithServerID tags every log line produced under the child with a generated server ID, so that
// lines from several troved replicas can be told apart.
func WithServerID() Option {
	return log.WithServerID()
}

// Child returns a named child context.  The new name can be empty.
func Child(ctx context.Context, name string, opts ...Option) context.Context {
	return log.ChildLogger(ctx, name, opts...)
}
