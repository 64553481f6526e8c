package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/architect/internal/orchestrator"
)

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(unpauseCmd)
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Hold task dispatch",
	Long: `Create the pause marker .architect/PAUSE.

A running coordinator finishes its in-flight tasks and dispatches nothing
new until the marker is removed with 'architect unpause'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPauseMarker(cmd, true)
	},
}

var unpauseCmd = &cobra.Command{
	Use:   "unpause",
	Short: "Resume task dispatch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPauseMarker(cmd, false)
	},
}

func setPauseMarker(cmd *cobra.Command, paused bool) error {
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return err
	}
	if paused {
		err = orchestrator.WritePauseMarker(root)
	} else {
		err = orchestrator.RemovePauseMarker(root)
	}
	if err != nil {
		return fmt.Errorf("failed to update pause marker: %w", err)
	}
	if outputAsJSON {
		return outputJSON(cmd.OutOrStdout(), map[string]bool{"paused": paused})
	}
	if paused {
		cmd.Println("Dispatch paused.")
	} else {
		cmd.Println("Dispatch resumed.")
	}
	return nil
}
