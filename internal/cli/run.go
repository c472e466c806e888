package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/4xguy/pi-mono/internal/child"
	"github.com/4xguy/pi-mono/internal/coordinator"
	"github.com/4xguy/pi-mono/internal/coordinatorconfig"
	"github.com/4xguy/pi-mono/internal/corelog"
	"github.com/4xguy/pi-mono/internal/monitor"
)

// consoleConsumer prints one line per progress update when --verbose is set.
type consoleConsumer struct {
	verbose bool
}

func (c consoleConsumer) OnUpdate(u coordinator.Update) {
	if !c.verbose {
		return
	}
	fmt.Fprintf(os.Stderr, "[subagent] %d/%d running, %d/%d completed %v\n",
		u.RunningCount, u.TotalCount, u.CompletedCount, u.TotalCount, u.LastItems)
}

// NewRunCommand builds the "run" subcommand: a direct, scriptable front
// end onto coordinator.Run for exactly one of single/parallel/chain.
func NewRunCommand() *cobra.Command {
	var (
		configPath           string
		agent                string
		task                 string
		parallelSpecs        []string
		chainSpecs           []string
		scope                string
		confirmProjectAgents bool
		contextMode          string
		isolation            string
		topologyPolicy       string
		sharedContextLimit   int
		memoryDir            string
		worktreeBaseDir      string
		phaseName            string
		requireSmoke         bool
		smokeCommands        []string
		smokeRetries         int
		maxFixAttempts       int
		cwd                  string
		monitorDB            string
		verbose              bool
		jsonOutput           bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch a single, parallel, or chain delegation",
		Long: `run dispatches exactly one of --agent/--task (single), repeated
--parallel agent=task pairs, or repeated --chain agent=task pairs to the
coordinator, then prints the run's text summary (or, with --json, its
full structured result).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cwd)
			if err != nil {
				return err
			}

			req := coordinator.Request{
				AgentScope:           coordinator.AgentScope(scope),
				ConfirmProjectAgents: confirmProjectAgents,
				ContextMode:          contextMode,
				ExecutionIsolation:   isolation,
				TopologyPolicy:       topologyPolicy,
				SharedContextLimit:   sharedContextLimit,
				MemoryDir:            memoryDir,
				WorktreeBaseDir:      worktreeBaseDir,
				PhaseName:            phaseName,
				RequirePhaseSmoke:    requireSmoke,
				PhaseSmokeCommands:   smokeCommands,
				PhaseSmokeRetries:    smokeRetries,
				PhaseMaxFixAttempts:  maxFixAttempts,
				Cwd:                  cwd,
			}

			if !cmd.Flags().Changed("isolation") && cfg.ExecutionIsolation != "" {
				req.ExecutionIsolation = cfg.ExecutionIsolation
			}
			if !cmd.Flags().Changed("topology-policy") && cfg.TopologyPolicy != "" {
				req.TopologyPolicy = cfg.TopologyPolicy
			}
			if !cmd.Flags().Changed("worktree-base-dir") && cfg.WorktreeBaseDir != "" {
				req.WorktreeBaseDir = cfg.WorktreeBaseDir
			}
			if !cmd.Flags().Changed("memory-dir") && cfg.MemoryDir != "" {
				req.MemoryDir = cfg.MemoryDir
			}
			if !cmd.Flags().Changed("require-smoke") && cfg.RequirePhaseSmoke {
				req.RequirePhaseSmoke = true
			}
			if !cmd.Flags().Changed("smoke-cmd") && len(cfg.PhaseSmokeCommands) > 0 {
				req.PhaseSmokeCommands = cfg.PhaseSmokeCommands
			}
			if !cmd.Flags().Changed("smoke-retries") && cfg.PhaseSmokeRetries != 0 {
				req.PhaseSmokeRetries = cfg.PhaseSmokeRetries
			}
			if !cmd.Flags().Changed("max-fix-attempts") && cfg.PhaseMaxFixAttempts != 0 {
				req.PhaseMaxFixAttempts = cfg.PhaseMaxFixAttempts
			}

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

			c := coordinator.New()
			if cfg.AgentBinary != "" {
				c.AgentBinary = cfg.AgentBinary
			}
			logger := corelog.NewConsoleLogger(os.Stderr, cfg.LogLevel)
			c.Logger = logger
			c.Driver = child.New(logger)
			if monitorDB != "" {
				store, err := monitor.NewStore(monitorDB)
				if err != nil {
					return fmt.Errorf("open monitor database: %w", err)
				}
				defer store.Close()
				c.Monitor = monitor.New(monitor.WithStore(store))
			}

			result, runErr := c.Run(context.Background(), req, consoleConsumer{verbose: verbose})
			if result == nil {
				return runErr
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(result.Details); err != nil {
					return fmt.Errorf("encode result: %w", err)
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), result.Text)
			}

			return runErr
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to coordinator.yaml (default <cwd>/.pi/coordinator.yaml)")
	flags.StringVar(&agent, "agent", "", "agent name for a single task")
	flags.StringVar(&task, "task", "", "task text for a single task")
	flags.StringArrayVar(&parallelSpecs, "parallel", nil, "agent=task pair, repeatable, runs concurrently")
	flags.StringArrayVar(&chainSpecs, "chain", nil, "agent=task pair, repeatable, runs in sequence with {previous} substitution")
	flags.StringVar(&scope, "scope", "", "agent definition scope: user, project, or both")
	flags.BoolVar(&confirmProjectAgents, "confirm-project-agents", false, "trust project-scoped (<cwd>/.claude/agents) agent definitions")
	flags.StringVar(&contextMode, "context-mode", "", "shared-context ledger mode: shared-read or shared-write")
	flags.StringVar(&isolation, "isolation", "", "execution isolation: shared, worktree, or empty for auto")
	flags.StringVar(&topologyPolicy, "topology-policy", "", "topology policy: auto or advisory")
	flags.IntVar(&sharedContextLimit, "shared-context-limit", 0, "max ledger entries surfaced to a delegated task")
	flags.StringVar(&memoryDir, "memory-dir", "", "directory for the shared-context ledger's JSONL file")
	flags.StringVar(&worktreeBaseDir, "worktree-base-dir", "", "base directory for created git worktrees")
	flags.StringVar(&phaseName, "phase-name", "", "label recorded on the phase gate state")
	flags.BoolVar(&requireSmoke, "require-smoke", false, "fail the run if smoke commands fail and the fix loop is exhausted")
	flags.StringArrayVar(&smokeCommands, "smoke-cmd", nil, "shell command to run as the phase smoke check, repeatable")
	flags.IntVar(&smokeRetries, "smoke-retries", 0, "smoke check retries before declaring failure")
	flags.IntVar(&maxFixAttempts, "max-fix-attempts", 0, "bounded number of fix-loop attempts")
	flags.StringVar(&cwd, "cwd", "", "working directory for the run (default: current directory)")
	flags.StringVar(&monitorDB, "monitor-db", "", "sqlite database to record the finished run in (read by status)")
	flags.BoolVar(&verbose, "verbose", false, "print progress updates to stderr")
	flags.BoolVar(&jsonOutput, "json", false, "print the structured result as JSON instead of text")

	return cmd
}

// parseTaskSpecs parses "agent=task" strings into TaskInput, preserving
// order.
func parseTaskSpecs(specs []string) ([]coordinator.TaskInput, error) {
	inputs := make([]coordinator.TaskInput, 0, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("expected agent=task, got %q", spec)
		}
		inputs = append(inputs, coordinator.TaskInput{Agent: parts[0], Task: parts[1]})
	}
	return inputs, nil
}

func loadConfig(configPath, cwd string) (*coordinatorconfig.Config, error) {
	if configPath != "" {
		return coordinatorconfig.Load(configPath)
	}
	dir := cwd
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return coordinatorconfig.Default(), nil
		}
		dir = wd
	}
	return coordinatorconfig.LoadFromDir(dir)
}
