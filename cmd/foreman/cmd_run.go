package main

import (
	"fmt"

	"foreman/pkg/scheduler"
	"foreman/pkg/workorder"

	"github.com/spf13/cobra"
)

// newRunCmd creates "foreman run <batch-id>": execute a batch under its
// configured strategy (or a --mode override) and report the result.
func newRunCmd(configPath *string) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "run <batch-id>",
		Short: "Run a batch to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			log := newLogger()
			sched := scheduler.New(
				st,
				scheduler.NewHTTPTrigger(cfg.Worker.Endpoint),
				scheduler.MinPriorityEligibility{MinPriority: cfg.Scheduler.AutoMinPriority},
				scheduler.Config{
					StepPollInterval:  cfg.Scheduler.StepPollInterval.Std(),
					StepMaxWait:       cfg.Scheduler.StepMaxWait.Std(),
					ReadyPollInterval: cfg.Scheduler.ReadyPollInterval.Std(),
					MaxIterations:     cfg.Scheduler.MaxIterations,
				},
				log,
			)

			res, err := sched.Run(cmd.Context(), args[0], workorder.ExecutionMode(mode))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s: %s (dispatched=%d succeeded=%d failed=%d rounds=%d)\n",
				res.BatchID, res.Status, res.Dispatched, res.Succeeded, res.Failed, res.Rounds)
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "override execution mode: step, concurrent, or auto")
	return cmd
}

// newApproveCmd creates "foreman approve <batch-id>": grant the manual
// approval that step and concurrent runs require.
func newApproveCmd(configPath *string) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "approve <batch-id>",
		Short: "Approve a batch for execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if _, err := st.GetBatch(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := st.ApproveBatch(cmd.Context(), args[0], actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s approved by %s\n", args[0], actor)
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "by", "cli", "actor recorded on the approval")
	return cmd
}
