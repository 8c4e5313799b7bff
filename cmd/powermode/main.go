// cmd/powermode/main.go
//
// This is the entry point for the powermode CLI. Every subcommand loads
// .powermode/config.yaml from the project directory, applies POWERMODE_*
// environment overrides and flags on top, then does its work.

package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
