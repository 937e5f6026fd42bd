package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/wgomg/facevec/internal/utils"
	"github.com/wgomg/facevec/internal/worker"
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	exitCode := worker.ExitFailure

	logger := utils.NewLoggerWithOptions(utils.LoggerOptions{
		Level:  envOr("FACEVEC_WORKER_LOG_LEVEL", "debug"),
		Format: envOr("FACEVEC_WORKER_LOG_FORMAT", "console"),
		Name:   "facevec-worker",
		Output: os.Stderr,
	})
	defer logger.Sync()

	cmd := &cobra.Command{
		Use:   "facevec-worker <image-path> <model-name> <output-path>",
		Short: "Compute one face embedding in an isolated process",
		Long: "Computes a face embedding for one image and writes a JSON outcome record\n" +
			"to the output path. Intended to be started by the facevec server, one\n" +
			"process per request.",
		Args:          cobra.ExactArgs(worker.ArgsCount),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = worker.Run(args[0], args[1], args[2], worker.Options{
				NewBackend: worker.NewOnnxBackend,
				Logger:     logger,
			})
			return nil
		},
	}
	cmd.SetArgs(args)
	cmd.SetOut(os.Stderr)
	cmd.SetErr(os.Stderr)

	if err := cmd.Execute(); err != nil {
		return worker.ExitNoRecord
	}
	return exitCode
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
