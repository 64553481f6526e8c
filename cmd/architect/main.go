// Package main implements the architect CLI: it runs goals through the
// specialist pipeline and manages the resulting patches, checkpoints and
// leases.
package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	// rootDir is the repository under orchestration
	rootDir string
	// outputAsJSON switches every command to JSON output
	outputAsJSON bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "architect",
	Short: "Coordinate specialists that plan, implement, test, review and document a goal",
	Long: `architect decomposes a goal into tasks, dispatches each task to a
specialist role, gates the results and records every change as a reviewable
patch. Runs are checkpointed and can be resumed.

State lives in the repository (git notes by default) and the runtime
directory .architect/.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "Repository root")
	rootCmd.PersistentFlags().BoolVar(&outputAsJSON, "json", false, "Output results as JSON")
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
