package cmdutil

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"

	"github.com/pachyderm/troverepo/src/internal/errors"
)

// IO defines the inputs and outputs for a command.
type IO struct {
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Environ []string
}

// RunIO runs the command with the given IO and arguments.
func RunIO(ctx context.Context, ioObj IO, args ...string) error {
	if len(args) == 0 {
		return errors.New("no command given")
	}
	var debugStderr bytes.Buffer
	var stderr io.Writer = &debugStderr
	if ioObj.Stderr != nil {
		stderr = io.MultiWriter(&debugStderr, ioObj.Stderr)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = ioObj.Stdin
	cmd.Stdout = ioObj.Stdout
	cmd.Stderr = stderr
	if ioObj.Environ != nil {
		cmd.Env = ioObj.Environ
	}
	if err := cmd.Run(); err != nil {
		if debugStderr.Len() > 0 {
			return errors.Wrapf(err, "%s\nStderr: %s\nError", strings.Join(args, " "), debugStderr.String())
		}
		return errors.Wrapf(err, "%s", strings.Join(args, " "))
	}
	return nil
}
