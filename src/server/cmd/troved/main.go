package main

import (
	"os"

	"github.com/pachyderm/troverepo/src/internal/cmdutil"
	"github.com/pachyderm/troverepo/src/server/cmd/troved/cmd"
)

func main() {
	env := new(cmd.AppEnv)
	if err := cmdutil.Populate(env); err != nil {
		cmdutil.ErrorAndExit("%v", err)
	}
	if err := cmd.TrovedCmd(env).Execute(); err != nil {
		os.Exit(1)
	}
}
