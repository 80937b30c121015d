package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the document pipeline workers",
	Long:  "Consumes pipeline jobs from the configured queue and drives documents through schema extraction and entity resolution. Run alongside serve, typically with the redis queue driver.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if workerCount > 0 {
			cfg.Queue.Workers = workerCount
		}

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runner := newRunner(env)

		zap.L().Info("worker starting",
			zap.String("queue", cfg.Queue.Driver),
			zap.Int("workers", cfg.Queue.Workers),
		)
		return runner.Run(ctx)
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "number of concurrent workers (default from config)")
	rootCmd.AddCommand(workerCmd)
}
