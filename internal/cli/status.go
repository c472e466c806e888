package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/4xguy/pi-mono/internal/monitor"
)

// NewStatusCommand builds the "status" subcommand: reads the optional
// sqlite monitor database and prints the most recently finished runs,
// since a run's in-memory monitor state does not outlive its process.
func NewStatusCommand() *cobra.Command {
	var (
		dbPath string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recently finished coordinator runs",
		Long: `status opens the monitor database (written by runs invoked with
--monitor-db) and prints the last few finished runs: id, phase, task
count, and any governance snapshot or error recorded at completion.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := monitor.NewStore(dbPath)
			if err != nil {
				return fmt.Errorf("open monitor database: %w", err)
			}
			defer store.Close()

			runs, err := store.RecentFinished(limit)
			if err != nil {
				return fmt.Errorf("read recent runs: %w", err)
			}

			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no finished runs recorded")
				return nil
			}

			for _, r := range runs {
				line := fmt.Sprintf("c%d: %s tasks=%d", r.ID, r.Phase, r.TotalCount)
				if r.GovernanceSnapshot != "" {
					line += " " + r.GovernanceSnapshot
				}
				if r.Err != nil {
					line += " error=" + r.Err.Error()
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&dbPath, "monitor-db", ".pi/monitor.db", "path to the monitor sqlite database")
	flags.IntVar(&limit, "limit", 10, "maximum number of runs to show")

	return cmd
}
