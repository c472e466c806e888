// Package cli wires the coordinator into a cobra command tree for manual
// invocation and scripting, separate from the tool-call entry point used
// by an orchestrating agent.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// NewRootCommand builds the root "subagent" command and registers its
// subcommands.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subagent",
		Short: "Governed multi-agent delegation coordinator",
		Long: `subagent dispatches one or more tasks to named subagents under a
shared token and wall-clock budget, choosing single, parallel, or chain
execution, isolating concurrent writers in git worktrees when their tasks
conflict, and gating completion on a configurable smoke check with a
bounded fix-and-retry loop.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewValidateCommand())

	return cmd
}
