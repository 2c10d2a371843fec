// Command machinist runs the CNC client coordination engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/machinist/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
