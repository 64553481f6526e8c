package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apihttp "github.com/fyrsmithlabs/architect/internal/http"
	"github.com/fyrsmithlabs/architect/internal/orchestrator"
)

var (
	// run command flags
	runServeHTTP bool
	runHTTPHost  string
	runHTTPPort  int
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)

	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().BoolVar(&runServeHTTP, "http", false, "Serve the status API while the run executes")
		c.Flags().StringVar(&runHTTPHost, "http-host", "", "Status API host (defaults to http.host)")
		c.Flags().IntVar(&runHTTPPort, "http-port", 0, "Status API port (defaults to http.port)")
	}
}

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Run a goal to completion",
	Long: `Decompose a goal into tasks and execute them.

The supervisor plans the work, then the planner, coder, tester, critic and
documenter roles execute their tasks in dependency order. Every change is
recorded as a pending patch. The run ends with a checkpoint whatever its
outcome.

Creating .architect/PAUSE holds dispatch until the file is removed.

Examples:
  # Run a goal
  architect run "Add a --verbose flag to the CLI"

  # Run and serve the status API on localhost:9191
  architect run --http "Refactor the config loader"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		goal := strings.Join(args, " ")
		return execute(cmd, func(ctx context.Context, c *orchestrator.Coordinator) (*orchestrator.RunSummary, error) {
			return c.Run(ctx, goal)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <checkpoint> [goal]",
	Short: "Resume a run from a checkpoint",
	Long: `Start a new run from the unfinished tasks of a checkpoint.

The goal defaults to the checkpointed run's goal.

Examples:
  # Resume the tasks left by a halted run
  architect resume architect/halted-20250101120000

  # Resume with a refined goal
  architect resume architect/failed-20250101120000 "Finish the parser and skip docs"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag := args[0]
		goal := strings.Join(args[1:], " ")
		return execute(cmd, func(ctx context.Context, c *orchestrator.Coordinator) (*orchestrator.RunSummary, error) {
			return c.ResumeFrom(ctx, tag, goal)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active run",
	Long: `Show the active run, its lease, tasks, patches and recent gate results.

Examples:
  # Human readable status
  architect status

  # Machine readable status
  architect status --json`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

// execute runs fn under a signal-aware context, optionally serving the
// status API, and reports the summary.
func execute(cmd *cobra.Command, fn func(context.Context, *orchestrator.Coordinator) (*orchestrator.RunSummary, error)) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger.Underlying()

	watcher, err := orchestrator.WatchPause(ctx, a.root, a.coord, logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	if runServeHTTP || a.cfg.HTTP.Enabled {
		srv, err := startStatusServer(a, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("status server shutdown", zap.Error(err))
			}
		}()
	}

	summary, runErr := fn(ctx, a.coord)
	if summary != nil {
		if outputAsJSON {
			if err := outputJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
		} else {
			printSummary(cmd.OutOrStdout(), summary)
		}
	}
	if runErr != nil {
		return runErr
	}
	if summary != nil && summary.Status != orchestrator.RunCompleted {
		return fmt.Errorf("run %s %s", summary.RunID, summary.Status)
	}
	return nil
}

func startStatusServer(a *app, logger *zap.Logger) (*apihttp.Server, error) {
	host, port := a.cfg.HTTP.Host, a.cfg.HTTP.Port
	if runHTTPHost != "" {
		host = runHTTPHost
	}
	if runHTTPPort != 0 {
		port = runHTTPPort
	}
	srv, err := apihttp.NewServer(a.coord, logger, &apihttp.Config{
		Host:     host,
		Port:     port,
		Gatherer: prometheus.DefaultGatherer,
		Version:  version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create status server: %w", err)
	}
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", zap.Error(err))
		}
	}()
	return srv, nil
}

func printSummary(w io.Writer, s *orchestrator.RunSummary) {
	fmt.Fprintf(w, "Run:        %s\n", s.RunID)
	fmt.Fprintf(w, "Goal:       %s\n", s.Goal)
	fmt.Fprintf(w, "Status:     %s\n", s.Status)
	if s.Tasks != nil {
		fmt.Fprintf(w, "Tasks:      %d done, %d failed, %d remaining of %d\n",
			len(s.Tasks.Done), len(s.Tasks.Failed), len(s.Tasks.Remaining), s.Tasks.Total)
	}
	if s.CheckpointTag != "" {
		fmt.Fprintf(w, "Checkpoint: %s\n", s.CheckpointTag)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	rep, err := a.coord.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to load status: %w", err)
	}
	if outputAsJSON {
		return outputJSON(cmd.OutOrStdout(), apihttp.NewStatusResponse(rep, version))
	}
	printStatus(cmd.OutOrStdout(), rep)
	return nil
}

func printStatus(w io.Writer, rep *orchestrator.StatusReport) {
	if rep.Session == nil {
		fmt.Fprintln(w, "No active run.")
		if rep.Paused {
			fmt.Fprintln(w, "Dispatch is paused.")
		}
		return
	}
	fmt.Fprintf(w, "Run:     %s\n", rep.Session.RunID)
	fmt.Fprintf(w, "Goal:    %s\n", rep.Session.Goal)
	fmt.Fprintf(w, "Branch:  %s\n", rep.Session.ActiveBranch)
	if rep.Run != nil {
		fmt.Fprintf(w, "Status:  %s\n", rep.Run.Status)
		if rep.Run.ActiveTaskID != "" {
			fmt.Fprintf(w, "Task:    %s\n", rep.Run.ActiveTaskID)
		}
	}
	if rep.Lease != nil {
		fmt.Fprintf(w, "Lease:   %s (heartbeat %s)\n", rep.Lease.Holder, rep.Lease.HeartbeatAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Paused:  %t\n", rep.Paused)

	if len(rep.Tasks) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TASK\tROLE\tSTATUS\tATTEMPTS")
		for _, t := range rep.Tasks {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\n", t.ID, t.AssignedRole, t.Status, t.AttemptCount, t.MaxAttempts)
		}
		_ = tw.Flush()
	}
	if len(rep.Patches) > 0 {
		fmt.Fprintln(w)
		printPatches(w, rep.Patches)
	}
	if len(rep.RecentGates) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "GATE\tTASK\tRESULT\tREASONS")
		for _, g := range rep.RecentGates {
			result := "pass"
			if !g.Passed {
				result = "fail"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", g.GateName, g.TaskID, result, strings.Join(g.Reasons, "; "))
		}
		_ = tw.Flush()
	}
}
