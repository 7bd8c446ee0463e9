// Package main is the entry point for deplayctl.
// deplayctl submits repositories to a deplay server and follows their runs.
package main

import (
	"os"

	"deplay/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
