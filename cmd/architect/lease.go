package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/architect/internal/lease"
	"github.com/fyrsmithlabs/architect/internal/session"
)

func init() {
	rootCmd.AddCommand(leaseCmd)
	leaseCmd.AddCommand(leaseShowCmd)
	leaseCmd.AddCommand(leaseReleaseCmd)
}

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Inspect and release run leases",
	Long: `Inspect and release run leases.

A run is owned by the process holding its lease. A lease whose heartbeat is
older than its ttl can be reclaimed by any process; release frees a lease
immediately, for example after the owning process was killed.

Examples:
  # Show every lease
  architect lease show

  # Release the active run's lease
  architect lease release

  # Release the lease of a specific run
  architect lease release run-20250101120000-ab12cd34`,
}

var leaseShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show leases",
	Args:  cobra.NoArgs,
	RunE:  runLeaseShow,
}

var leaseReleaseCmd = &cobra.Command{
	Use:   "release [run-id]",
	Short: "Force release a lease",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLeaseRelease,
}

func runLeaseShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	leases, err := a.coord.Leases().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list leases: %w", err)
	}
	if outputAsJSON {
		return outputJSON(cmd.OutOrStdout(), leases)
	}
	if len(leases) == 0 {
		cmd.Println("No leases held.")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tHOLDER\tTASK\tHEARTBEAT\tSTATE")
	for _, l := range leases {
		state := "live"
		if !l.Live(now) {
			state = "expired"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			l.RunID, l.Holder, l.TaskID, l.HeartbeatAt.Format(time.RFC3339), state)
	}
	return w.Flush()
}

func runLeaseRelease(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	var runID string
	if len(args) == 1 {
		runID = args[0]
	} else {
		rs, err := a.coord.Sessions().Active(ctx)
		if errors.Is(err, session.ErrNoActiveRun) {
			return fmt.Errorf("no active run, pass a run id")
		}
		if err != nil {
			return err
		}
		runID = rs.RunID
	}

	l, err := a.coord.Leases().ForceRelease(ctx, runID)
	if errors.Is(err, lease.ErrLeaseNotFound) {
		cmd.Printf("No lease held for %s\n", runID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if outputAsJSON {
		return outputJSON(cmd.OutOrStdout(), l)
	}
	cmd.Printf("Released lease of %s held by %s\n", l.RunID, l.Holder)
	return nil
}
