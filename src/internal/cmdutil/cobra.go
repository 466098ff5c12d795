package cmdutil

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pachyderm/troverepo/src/internal/errors"
)

// PrintErrorStacks should be set to true if you want to print out a stack for
// errors that are returned by the run commands.
var PrintErrorStacks bool

// RunFixedArgs wraps a function in a function
// that checks its exact argument count.
func RunFixedArgs(numArgs int, run func(*cobra.Command, []string) error) func(*cobra.Command, []string) {
	return RunBoundedArgs(numArgs, numArgs, run)
}

// RunBoundedArgs wraps a function in a function
// that checks its argument count is within a range.
func RunBoundedArgs(min int, max int, run func(*cobra.Command, []string) error) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		if len(args) < min || len(args) > max {
			if min == max {
				fmt.Fprintf(cmd.ErrOrStderr(), "expected %d arguments, got %d\n\n", min, len(args))
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "expected %d to %d arguments, got %d\n\n", min, max, len(args))
			}
			cmd.Usage() //nolint:errcheck
			os.Exit(2)
		}
		if err := run(cmd, args); err != nil {
			ErrorAndExit("%v", err)
		}
	}
}

// ErrorAndExit errors with the given format and args, and then exits.
func ErrorAndExit(format string, args ...interface{}) {
	if errString := strings.TrimSpace(fmt.Sprintf(format, args...)); errString != "" {
		fmt.Fprintf(os.Stderr, "%s\n", errString)
	}
	if len(args) > 0 && PrintErrorStacks {
		if err, ok := args[0].(error); ok {
			errors.ForEachStackFrame(err, func(frame runtime.Frame) {
				fmt.Fprintf(os.Stderr, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
			})
		}
	}
	os.Exit(1)
}

// RepeatedStringArg is an alias for []string
type RepeatedStringArg []string

func (r *RepeatedStringArg) String() string {
	return "[" + strings.Join(*r, ", ") + "]"
}

// Set adds a string to r
func (r *RepeatedStringArg) Set(s string) error {
	*r = append(*r, s)
	return nil
}

// Type returns the string representation of the type of r
func (r *RepeatedStringArg) Type() string {
	return "[]string"
}
