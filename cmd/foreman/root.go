package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"foreman/internal/version"
)

// newRootCmd creates the root foreman command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Work-order effect queue and batch scheduler",
		Long:          "foreman coordinates asynchronous work-order execution:\nit drains the effect queue and schedules dependency-aware batches.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("foreman {{.Version}}\n")
	cmd.PersistentFlags().StringVar(&configPath, "config", "foreman.toml", "path to the TOML config file")

	cmd.AddCommand(
		newInitCmd(&configPath),
		newDispatchCmd(&configPath),
		newPlanCmd(&configPath),
		newRunCmd(&configPath),
		newApproveCmd(&configPath),
		newEnqueueCmd(&configPath),
		newStatusCmd(&configPath),
	)

	return cmd
}

// newLogger builds the process logger writing to stderr so stdout stays
// reserved for command output.
func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
