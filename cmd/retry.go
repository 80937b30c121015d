package main

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var retryCmd = &cobra.Command{
	Use:   "retry <document-id>",
	Short: "Queue a failed or queued document for reprocessing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "invalid document id %q", args[0])
		}

		ctx := cmd.Context()
		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Orchestrator.RetryDocument(ctx, id); err != nil {
			return eris.Wrapf(err, "retry document %d", id)
		}

		zap.L().Info("document queued for reprocessing", zap.Int64("document_id", id))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}
