// Package main is the entry point for depctl, the deployplane CLI.
package main

import (
	"os"

	"deployplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
