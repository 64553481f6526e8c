package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/architect/internal/config"
	"github.com/fyrsmithlabs/architect/internal/statestore"
)

var (
	// state migrate flags
	migrateTo string
)

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateMigrateCmd)

	stateMigrateCmd.Flags().StringVar(&migrateTo, "to", "", "Target backend: notes, branch, local, redis or sqlite (required)")
	_ = stateMigrateCmd.MarkFlagRequired("to")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Manage the state store",
}

var stateMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy every namespace to another backend",
	Long: `Copy every state namespace from the configured backend to another one.

Revisions and schema versions are preserved. A namespace the target already
holds at the same or a newer revision is refused. The target uses the other
[state] settings of the config, for example redis_addr or sqlite_path.

After migrating, set state.backend (or ARCHITECT_STATE_BACKEND) to the
target.

Examples:
  # Move state from git notes to sqlite
  architect state migrate --to sqlite

  # Move state to redis
  ARCHITECT_STATE_REDIS_ADDR=localhost:6379 architect state migrate --to redis`,
	Args: cobra.NoArgs,
	RunE: runStateMigrate,
}

func runStateMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return err
	}
	cfg, err := config.LoadFromDir(root)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if migrateTo == cfg.State.Backend {
		return fmt.Errorf("state already uses the %s backend", migrateTo)
	}
	if migrateTo == string(statestore.KindMemory) {
		return fmt.Errorf("cannot migrate to the memory backend")
	}

	logger, err := newLogger(cfg.Logging, nil)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	from, err := statestore.OpenBackend(ctx, cfg.State, root, logger.Underlying())
	if err != nil {
		return fmt.Errorf("opening %s backend: %w", cfg.State.Backend, err)
	}
	defer func() { _ = from.Close() }()

	target := cfg.State
	target.Backend = migrateTo
	to, err := statestore.OpenBackend(ctx, target, root, logger.Underlying())
	if err != nil {
		return fmt.Errorf("opening %s backend: %w", migrateTo, err)
	}
	defer func() { _ = to.Close() }()

	copied, err := statestore.Copy(ctx, from, to)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if outputAsJSON {
		return outputJSON(cmd.OutOrStdout(), copied)
	}

	names := make([]string, 0, len(copied))
	for ns := range copied {
		names = append(names, string(ns))
	}
	sort.Strings(names)
	cmd.Printf("Migrated %d namespaces from %s to %s\n", len(names), from.Kind(), to.Kind())
	for _, ns := range names {
		cmd.Printf("  %-12s revision %d\n", ns, copied[statestore.Namespace(ns)])
	}
	return nil
}
