package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zenclaude/zenclaude/internal/domain"
	"github.com/zenclaude/zenclaude/internal/engine"
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Launch a session",
	Long: `Launch an agent session against a workspace.

Examples:
  zenclaude run "fix the failing tests"
  zenclaude run --workspace ~/src/app "add request logging"
  zenclaude run --skill review --no-snapshot "check the auth module"`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runWorkspace  string
	runSkill      string
	runMemory     string
	runCPUs       string
	runPids       int
	runNoSnapshot bool
	runDetach     bool
	runAPIKey     string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", ".", "Workspace directory")
	runCmd.Flags().StringVarP(&runSkill, "skill", "s", "", "Skill to expand the task with")
	runCmd.Flags().StringVar(&runMemory, "memory", "", "Memory limit (default from config)")
	runCmd.Flags().StringVar(&runCPUs, "cpus", "", "CPU limit (default from config)")
	runCmd.Flags().IntVar(&runPids, "pids", 0, "Process count limit (default from config)")
	runCmd.Flags().BoolVar(&runNoSnapshot, "no-snapshot", false, "Skip the pre-run workspace snapshot")
	runCmd.Flags().BoolVarP(&runDetach, "detach", "d", false, "Return immediately instead of waiting")
	runCmd.Flags().StringVar(&runAPIKey, "api-key", "", "API key for the agent (default: ANTHROPIC_API_KEY or the stored key)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.engine.Start(ctx, engine.StartOptions{
		Task:      args[0],
		Skill:     runSkill,
		Workspace: runWorkspace,
		Limits: domain.ResourceLimits{
			Memory: runMemory,
			CPUs:   runCPUs,
			Pids:   runPids,
		},
		Snapshot: !runNoSnapshot,
		APIKey:   runAPIKey,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Session %s started\n", sess.ID)
	if runDetach {
		return nil
	}

	status, err := a.engine.Wait(ctx, sess.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s finished: %s\n", sess.ID, status)
	if status != domain.SessionCompleted {
		return fmt.Errorf("session ended with status %s", status)
	}
	return nil
}
