package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"murmur/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage murmur configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *ctx.configFlag
			if path == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				path = defaultPath
			}
			if err := config.CreateSample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote sample config to %s\n", path)
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			rows := [][]string{
				{"Upload dir", cfg.Paths.UploadDir},
				{"Result dir", cfg.Paths.ResultDir},
				{"Work dir", cfg.Paths.WorkDir},
				{"Log dir", cfg.Paths.LogDir},
				{"Bind", cfg.Paths.Bind},
				{"Pool capacity", fmt.Sprintf("%d", cfg.Pool.Capacity)},
				{"Retention hours", fmt.Sprintf("%d", cfg.Pool.RetentionHours)},
				{"Default model", cfg.Transcriber.DefaultModel},
				{"Server URL", cfg.Client.ServerURL},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Setting", "Value"}, rows, nil))
			return nil
		},
	}

	cmd.AddCommand(initCmd)
	cmd.AddCommand(showCmd)
	return cmd
}
