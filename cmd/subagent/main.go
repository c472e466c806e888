// Package main provides the CLI entry point for the subagent coordinator.
package main

import (
	"fmt"
	"os"

	"github.com/4xguy/pi-mono/internal/cli"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Version = version
	rootCmd := cli.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
