// Command centrix operates the local control plane.
package main

import (
	"fmt"
	"os"

	"github.com/blanqspace/centrix/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "centrix:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
