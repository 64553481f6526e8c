package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointCreateCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointRollbackCmd)
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage checkpoints",
	Long: `Manage checkpoints of runs.

A checkpoint tags the current head and snapshots the run's session and task
graph. Runs take checkpoints on their own when they end, halt or exhaust a
task; these commands take and restore them by hand.

Examples:
  # Checkpoint the active run
  architect checkpoint create before-refactor

  # List checkpoints
  architect checkpoint list

  # Branch off a checkpoint
  architect checkpoint rollback architect/before-refactor-20250101120000`,
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create [reason]",
	Short: "Checkpoint the active run",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheckpointCreate,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List checkpoints",
	Args:  cobra.NoArgs,
	RunE:  runCheckpointList,
}

var checkpointRollbackCmd = &cobra.Command{
	Use:   "rollback <tag>",
	Short: "Create a rollback branch at a checkpoint",
	Long: `Create a rollback-<n> branch at the checkpoint's head.

The current branch and the recorded state are left untouched; check out the
new branch to continue from the checkpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckpointRollback,
}

func runCheckpointCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	reason := "manual"
	if len(args) == 1 {
		reason = args[0]
	}
	rs, err := a.coord.Sessions().Active(ctx)
	if err != nil {
		return fmt.Errorf("no run to checkpoint: %w", err)
	}
	cp, err := a.coord.Checkpoints().Create(ctx, rs.RunID, reason)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	if outputAsJSON {
		return outputJSON(cmd.OutOrStdout(), cp)
	}
	cmd.Printf("Created %s at %s\n", cp.Tag, shortCommit(cp.BranchHead))
	return nil
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	cps, err := a.coord.Checkpoints().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if outputAsJSON {
		return outputJSON(cmd.OutOrStdout(), cps)
	}
	if len(cps) == 0 {
		cmd.Println("No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TAG\tRUN\tREASON\tHEAD\tCREATED")
	for _, cp := range cps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			cp.Tag, cp.RunID, cp.Reason, shortCommit(cp.BranchHead), cp.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runCheckpointRollback(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	branch, err := a.coord.Checkpoints().Rollback(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	if outputAsJSON {
		return outputJSON(cmd.OutOrStdout(), map[string]string{"tag": args[0], "branch": branch})
	}
	cmd.Printf("Created branch %s at %s\n", branch, args[0])
	return nil
}
