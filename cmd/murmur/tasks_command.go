package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTasksCommand(ctx *commandContext) *cobra.Command {
	var showHistory bool

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks known to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.api()
			if err != nil {
				return err
			}
			listing, err := api.Tasks(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(listing.Tasks) == 0 {
				fmt.Fprintln(out, "no live tasks")
			} else {
				rows := make([][]string, 0, len(listing.Tasks))
				for _, task := range listing.Tasks {
					errText := ""
					if task.Error != nil {
						errText = task.Error.Code
					}
					rows = append(rows, []string{
						task.TaskID,
						string(task.State),
						task.SubmittedAt.Local().Format(time.RFC3339),
						errText,
					})
				}
				fmt.Fprintln(out, renderTable([]string{"Task", "State", "Submitted", "Error"}, rows, nil))
			}

			if showHistory {
				rows := make([][]string, 0, len(listing.History))
				for _, entry := range listing.History {
					rows = append(rows, []string{
						entry.TaskID,
						entry.Model,
						string(entry.State),
						entry.Submitted.Local().Format(time.RFC3339),
						fmt.Sprintf("%d", entry.SRTSize),
					})
				}
				if len(rows) > 0 {
					fmt.Fprintln(out, renderTable([]string{"Task", "Model", "State", "Submitted", "SRT bytes"}, rows,
						[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight}))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showHistory, "history", false, "Include persisted task history")
	return cmd
}
