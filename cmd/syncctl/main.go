// Command syncctl queues local writes and drives the offline sync engine
// from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/kimhsiao/mindharbor/backend/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
