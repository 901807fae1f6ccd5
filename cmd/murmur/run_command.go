package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"murmur/internal/client"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		scanDir     string
		outputDir   string
		single      string
		model       string
		keepFiles   bool
		waitTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scan a directory for videos and transcribe them",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scanDir == "" && single == "" {
				return errors.New("either --scan-dir or --single is required")
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			api, err := ctx.api()
			if err != nil {
				return err
			}

			pipeline := client.NewPipeline(cfg, api, logger, client.Options{
				ScanDir:     scanDir,
				OutputDir:   outputDir,
				Single:      single,
				Model:       model,
				KeepFiles:   keepFiles,
				WaitTimeout: waitTimeout,
			})

			summary, err := pipeline.Run(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, skipped %d, succeeded %d, failed %d\n",
				summary.Scanned, summary.Skipped, summary.Succeeded, summary.Failed)
			if summary.Failed > 0 {
				return fmt.Errorf("%d file(s) failed", summary.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scanDir, "scan-dir", "", "Directory to scan for video files")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Subtitle output directory (default: next to each video)")
	cmd.Flags().StringVar(&single, "single", "", "Process a single video file")
	cmd.Flags().StringVar(&model, "model", "", "Whisper model (default: configured default)")
	cmd.Flags().BoolVar(&keepFiles, "keep-files", false, "Keep converted audio and bundle files")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 0, "Give up waiting for a task after this duration (0 = wait forever)")

	return cmd
}
