// Command babeld is a Babel routing daemon for IPv6.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/babelcore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "babeld: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
