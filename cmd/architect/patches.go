package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/architect/internal/patchstack"
	"github.com/fyrsmithlabs/architect/internal/session"
)

var (
	// patches command flags
	patchesAll    bool
	patchesReason string
	patchesNote   string
)

func init() {
	rootCmd.AddCommand(patchesCmd)
	patchesCmd.AddCommand(patchesListCmd)
	patchesCmd.AddCommand(patchesShowCmd)
	patchesCmd.AddCommand(patchesAcceptCmd)
	patchesCmd.AddCommand(patchesRejectCmd)
	patchesCmd.AddCommand(patchesModifyCmd)

	patchesCmd.PersistentFlags().BoolVar(&patchesAll, "all", false, "Include patches of every run")
	patchesRejectCmd.Flags().StringVar(&patchesReason, "reason", "rejected by reviewer", "Why the patch is rejected")
	patchesModifyCmd.Flags().StringVar(&patchesNote, "note", "", "What to change (required)")
	_ = patchesModifyCmd.MarkFlagRequired("note")
}

var patchesCmd = &cobra.Command{
	Use:   "patches",
	Short: "Review the patches produced by runs",
	Long: `Review the patches produced by runs.

A patch is one commit made for one task. Pending patches can be accepted
(tagged), rejected (reverted, with a retry task when attempts remain) or
sent back for modification. Patches are referenced by id, id prefix or
commit prefix.

Examples:
  # List the active run's patch stack
  architect patches list

  # List the patches of every run
  architect patches list --all

  # Accept a patch
  architect patches accept patch-3f2a

  # Reject a patch from an earlier run
  architect patches reject --all patch-91c0

  # Reject a patch
  architect patches reject patch-3f2a --reason "breaks the public API"

  # Ask for a change
  architect patches modify patch-3f2a --note "rename Foo to Bar"`,
}

var patchesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List patches",
	Args:  cobra.NoArgs,
	RunE:  runPatchesList,
}

var patchesShowCmd = &cobra.Command{
	Use:   "show <patch>",
	Short: "Show a patch and its history",
	Args:  cobra.ExactArgs(1),
	RunE:  runPatchesShow,
}

var patchesAcceptCmd = &cobra.Command{
	Use:   "accept <patch>",
	Short: "Accept a pending patch",
	Args:  cobra.ExactArgs(1),
	RunE:  runPatchesAccept,
}

var patchesRejectCmd = &cobra.Command{
	Use:   "reject <patch>",
	Short: "Reject a patch and revert its commit",
	Args:  cobra.ExactArgs(1),
	RunE:  runPatchesReject,
}

var patchesModifyCmd = &cobra.Command{
	Use:   "modify <patch>",
	Short: "Request an amendment to a patch",
	Args:  cobra.ExactArgs(1),
	RunE:  runPatchesModify,
}

const resumeHint = "Run 'architect resume <checkpoint>' with the run's latest checkpoint to execute it."

func patchScope() patchstack.Scope {
	if patchesAll {
		return patchstack.ScopeAll
	}
	return patchstack.ScopeActive
}

func runPatchesList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	patches, err := a.coord.ListPatches(ctx, patchScope())
	if err != nil {
		return fmt.Errorf("failed to list patches: %w", err)
	}
	if outputAsJSON {
		return outputJSON(cmd.OutOrStdout(), patches)
	}
	if len(patches) == 0 {
		cmd.Println("No patches found.")
		return nil
	}
	printPatches(cmd.OutOrStdout(), patches)
	return nil
}

func runPatchesShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.coord.Patches().Resolve(ctx, args[0], patchScope())
	if err != nil {
		return err
	}
	if outputAsJSON {
		return outputJSON(cmd.OutOrStdout(), p)
	}
	printPatch(cmd.OutOrStdout(), p)
	return nil
}

func runPatchesAccept(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.coord.Patches().Accept(ctx, args[0], patchScope())
	if err != nil {
		return fmt.Errorf("failed to accept patch: %w", err)
	}
	if outputAsJSON {
		return outputJSON(cmd.OutOrStdout(), p)
	}
	cmd.Printf("Accepted %s (%s)\n", p.ID, p.FinalizeTag)
	return nil
}

func runPatchesReject(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.coord.Patches().Reject(ctx, args[0], patchesReason, patchScope())
	if err != nil {
		return fmt.Errorf("failed to reject patch: %w", err)
	}
	if outputAsJSON {
		return outputJSON(cmd.OutOrStdout(), res)
	}
	cmd.Printf("Rejected %s, reverted by %s\n", res.Patch.ID, shortCommit(res.Patch.RevertCommit))
	switch {
	case res.RetryTask != nil:
		cmd.Printf("Retry task %s enqueued\n", res.RetryTask.ID)
		cmd.Println(resumeHint)
	case res.Terminal:
		cmd.Println("No attempts left; the task will not be retried")
	}
	return nil
}

func runPatchesModify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.coord.Patches().Modify(ctx, args[0], patchesNote, patchScope())
	if err != nil {
		return fmt.Errorf("failed to modify patch: %w", err)
	}
	if outputAsJSON {
		return outputJSON(cmd.OutOrStdout(), res)
	}
	cmd.Printf("Amendment task %s enqueued for %s\n", res.Task.ID, res.Patch.ID)
	if res.Patch.AmendBranch != "" {
		cmd.Printf("Branch: %s\n", res.Patch.AmendBranch)
	}
	cmd.Println(resumeHint)
	return nil
}

func printPatches(w io.Writer, patches []*session.Patch) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATCH\tSTATUS\tTASK\tCOMMIT\tSUBJECT")
	for _, p := range patches {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Status, p.TaskID, shortCommit(p.CommitID), p.Subject)
	}
	_ = tw.Flush()
}

func printPatch(w io.Writer, p *session.Patch) {
	fmt.Fprintf(w, "Patch:      %s\n", p.ID)
	fmt.Fprintf(w, "Status:     %s\n", p.Status)
	fmt.Fprintf(w, "Run:        %s\n", p.RunID)
	fmt.Fprintf(w, "Task:       %s\n", p.TaskID)
	fmt.Fprintf(w, "Commit:     %s\n", p.CommitID)
	fmt.Fprintf(w, "Subject:    %s\n", p.Subject)
	fmt.Fprintf(w, "Files:      %s\n", strings.Join(p.FilesChanged, ", "))
	if p.CheckpointRef != "" {
		fmt.Fprintf(w, "Checkpoint: %s\n", p.CheckpointRef)
	}
	if p.FinalizeTag != "" {
		fmt.Fprintf(w, "Tag:        %s\n", p.FinalizeTag)
	}
	if p.RevertCommit != "" {
		fmt.Fprintf(w, "Reverted:   %s\n", p.RevertCommit)
	}
	if p.StatusReason != "" {
		fmt.Fprintf(w, "Reason:     %s\n", p.StatusReason)
	}
	fmt.Fprintln(w, "History:")
	for _, h := range p.History {
		line := fmt.Sprintf("  %s  %s", h.At.Format(time.RFC3339), h.Status)
		if h.Note != "" {
			line += "  " + h.Note
		}
		fmt.Fprintln(w, line)
	}
}

func shortCommit(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
