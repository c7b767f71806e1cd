package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"foreman/pkg/config"

	"github.com/spf13/cobra"
)

// newInitCmd creates the "foreman init" subcommand: it writes a default
// config file (unless one exists) and initializes the database schema.
func newInitCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the config file and initialize the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*configPath); errors.Is(err, fs.ErrNotExist) {
				if err := os.WriteFile(*configPath, []byte(config.DefaultTOML), 0o644); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", *configPath)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists, keeping it\n", *configPath)
			}

			_, db, st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := st.Init(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "database initialized")
			return nil
		},
	}
}
