package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zenclaude/zenclaude/internal/domain"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show the agent tree of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var logsCmd = &cobra.Command{
	Use:   "logs <session-id>",
	Short: "Print the raw output log of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

var logsFollow bool

var stopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop a running session",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <session-id>",
	Short: "Restore the workspace from the session's snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(rollbackCmd)

	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow the log of a live session")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.engine.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSTARTED\tCOST\tTOKENS\tTASK")
	fmt.Fprintln(w, "--\t------\t-------\t----\t------\t----")
	for _, s := range sessions {
		started := "-"
		if s.StartedAt != nil {
			started = s.StartedAt.Format("2006-01-02 15:04")
		}
		task := s.Task
		if len(task) > 50 {
			task = task[:50] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t$%.4f\t%d\t%s\n",
			s.ID, s.Status, started, s.TotalCostUSD, s.TotalTokens, task)
	}
	w.Flush()

	fmt.Printf("\nShowing %d session(s)\n", len(sessions))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	detail, err := a.engine.Detail(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Session %s  status=%s", detail.SessionID, detail.Status)
	if detail.Model != "" {
		fmt.Printf("  model=%s", detail.Model)
	}
	fmt.Printf("  cost=$%.4f  tokens=%d\n\n", detail.TotalCostUSD, detail.TotalTokens)
	printAgent(detail.RootAgent, 0)
	return nil
}

func printAgent(agent domain.AgentDetail, depth int) {
	indent := strings.Repeat("  ", depth)
	desc := agent.Description
	if len(desc) > 60 {
		desc = desc[:60] + "..."
	}
	fmt.Printf("%s[%s] %s (%s)\n", indent, agent.Status, agent.ID, desc)
	for _, ev := range agent.Events {
		fmt.Printf("%s  - [%s] %s\n", indent, ev.Status, ev.Summary)
	}
	for _, child := range agent.Children {
		printAgent(child, depth+1)
	}
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.engine.Logs(ctx, args[0], logsFollow)
	if err != nil {
		return err
	}
	defer r.Close()

	_, err = io.Copy(os.Stdout, r)
	return err
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.Stop(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Session %s stopped\n", args[0])
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.Rollback(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Workspace restored from session %s snapshot\n", args[0])
	return nil
}
