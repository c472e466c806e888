package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/4xguy/pi-mono/internal/coordinator"
)

// NewValidateCommand builds the "validate" subcommand: scores a plan's
// topology and isolation decision without loading agents, reserving
// budget, or spawning anything.
func NewValidateCommand() *cobra.Command {
	var (
		agent          string
		task           string
		parallelSpecs  []string
		chainSpecs     []string
		topologyPolicy string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Score a plan's topology and isolation decision without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := coordinator.Request{TopologyPolicy: topologyPolicy}

			count := 0
			if agent != "" || task != "" {
				req.Single = &coordinator.TaskInput{Agent: agent, Task: task}
				count++
			}
			if len(parallelSpecs) > 0 {
				inputs, err := parseTaskSpecs(parallelSpecs)
				if err != nil {
					return fmt.Errorf("--parallel: %w", err)
				}
				req.Parallel = inputs
				count++
			}
			if len(chainSpecs) > 0 {
				inputs, err := parseTaskSpecs(chainSpecs)
				if err != nil {
					return fmt.Errorf("--chain: %w", err)
				}
				req.Chain = inputs
				count++
			}
			if count != 1 {
				return fmt.Errorf("exactly one of --agent/--task, --parallel, or --chain must be given")
			}

			result, err := coordinator.Validate(req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "requested: %s\n", result.Decision.RequestedMode)
			fmt.Fprintf(out, "recommended: %s\n", result.Decision.RecommendedMode)
			fmt.Fprintf(out, "final: %s\n", result.Decision.FinalMode)
			fmt.Fprintf(out, "score: agents=%d complexity=%d risk=%d coupling=%d confidence=%d\n",
				result.Decision.Score.EstimatedAgentCount, result.Decision.Score.Complexity, result.Decision.Score.Risk, result.Decision.Score.Coupling, result.Decision.Score.Confidence)
			fmt.Fprintf(out, "isolation: %s (%s)\n", result.Isolation, result.IsolationReason)
			for _, reason := range result.Decision.Reasons {
				fmt.Fprintf(out, "- %s\n", reason)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&agent, "agent", "", "agent name for a single task")
	flags.StringVar(&task, "task", "", "task text for a single task")
	flags.StringArrayVar(&parallelSpecs, "parallel", nil, "agent=task pair, repeatable")
	flags.StringArrayVar(&chainSpecs, "chain", nil, "agent=task pair, repeatable")
	flags.StringVar(&topologyPolicy, "topology-policy", "", "topology policy: auto or advisory")

	return cmd
}
