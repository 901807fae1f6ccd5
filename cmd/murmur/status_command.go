package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the state of a submitted task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.api()
			if err != nil {
				return err
			}
			status, err := api.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			rows := [][]string{
				{"Task", status.TaskID},
				{"State", string(status.State)},
				{"Submitted", status.SubmittedAt.Local().Format(time.RFC3339)},
			}
			if status.StartedAt != nil {
				rows = append(rows, []string{"Started", status.StartedAt.Local().Format(time.RFC3339)})
			}
			if status.FinishedAt != nil {
				rows = append(rows, []string{"Finished", status.FinishedAt.Local().Format(time.RFC3339)})
			}
			if status.Error != nil {
				rows = append(rows, []string{"Error", fmt.Sprintf("%s: %s", status.Error.Code, status.Error.Message)})
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued or running task, or evict a finished one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.api()
			if err != nil {
				return err
			}
			if err := api.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", args[0])
			return nil
		},
	}
}

func newPoolCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Show the server's admission pool status",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.api()
			if err != nil {
				return err
			}
			pool, err := api.PoolStatus(cmd.Context())
			if err != nil {
				return err
			}

			full := "no"
			if pool.IsFull {
				full = "yes"
			}
			rows := [][]string{
				{"Queued + processing", fmt.Sprintf("%d", pool.CurrentSize)},
				{"Capacity", fmt.Sprintf("%d", pool.MaxSize)},
				{"Processing", fmt.Sprintf("%d", pool.ProcessingCount)},
				{"Full", full},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignRight}))
			return nil
		},
	}
}
