package main

import (
	"fmt"
	"os"

	"foreman/pkg/plan"

	"github.com/spf13/cobra"
)

// newPlanCmd creates the "foreman plan" command group.
func newPlanCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Work with YAML batch plans",
	}
	cmd.AddCommand(newPlanApplyCmd(configPath), newPlanCheckCmd())
	return cmd
}

// newPlanApplyCmd creates "foreman plan apply <file>": validate the plan
// and write its batch and work orders to the store.
func newPlanApplyCmd(configPath *string) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Create a batch and its work orders from a plan file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read plan: %w", err)
			}
			p, err := plan.Load(data)
			if err != nil {
				return err
			}

			_, db, st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ids, err := p.Apply(cmd.Context(), st, actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s created with %d tasks\n", p.Batch.ID, len(ids))
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "actor recorded on the created transitions")
	return cmd
}

// newPlanCheckCmd creates "foreman plan check <file>": validate without
// writing anything.
func newPlanCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a plan file without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read plan: %w", err)
			}
			p, err := plan.Load(data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "plan ok: batch %s, %d tasks\n", p.Batch.ID, len(p.Tasks))
			return nil
		},
	}
}
