// Command ardtile dispatches and builds Landsat ARD tiles.
package main

import (
	"fmt"
	"os"

	"github.com/ldj01/ard-tile-sub000/internal/cli"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}

func run() error {
	return cli.NewRootCommand().Execute()
}
