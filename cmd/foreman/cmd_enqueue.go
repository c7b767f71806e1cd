package main

import (
	"fmt"

	"foreman/pkg/workorder"

	"github.com/spf13/cobra"
)

// newEnqueueCmd creates "foreman enqueue": insert a single pending event by
// hand. Mostly a testing and operations aid; production events come from
// task-state transitions.
func newEnqueueCmd(configPath *string) *cobra.Command {
	var (
		taskID    string
		eventType string
		payload   string
		actor     string
		depth     int
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a pending event into the effect queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" || eventType == "" {
				return fmt.Errorf("--task and --type are required")
			}
			_, db, st, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			id, err := st.EnqueueEvent(cmd.Context(), workorder.Event{
				TaskID:  taskID,
				Type:    workorder.EventType(eventType),
				Actor:   actor,
				Depth:   depth,
				Payload: payload,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "owning task id")
	cmd.Flags().StringVar(&eventType, "type", "", "event type tag")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	cmd.Flags().StringVar(&actor, "actor", "cli", "originating actor")
	cmd.Flags().IntVar(&depth, "depth", 0, "propagation depth")
	return cmd
}
