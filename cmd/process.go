package main

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qbilhub/docpipe/internal/model"
)

var processWait time.Duration

var processCmd = &cobra.Command{
	Use:   "process <document-id>",
	Short: "Queue a document for processing and wait for it to settle",
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

		doc, err := env.Store.GetDocument(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "load document %d", id)
		}
		if doc.Status != model.StatusNew {
			return eris.Errorf("document %d is %s, only new documents can be processed", id, doc.Status)
		}

		// With the memory queue the jobs only exist in this process, so run
		// the workers here until the document settles.
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		runner := newRunner(env)
		done := make(chan error, 1)
		go func() { done <- runner.Run(runCtx) }()

		if err := env.Orchestrator.StartProcessing(ctx, id); err != nil {
			return eris.Wrapf(err, "queue document %d", id)
		}

		status, err := waitForSettled(ctx, env, id, processWait)
		cancel()
		<-done
		if err != nil {
			return err
		}

		zap.L().Info("document settled",
			zap.Int64("document_id", id),
			zap.String("status", string(status)),
		)
		return nil
	},
}

// waitForSettled polls until the document leaves the in-flight statuses.
func waitForSettled(ctx context.Context, env *appEnv, id int64, timeout time.Duration) (model.Status, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "", eris.Errorf("document %d still processing after %s", id, timeout)
		case <-tick.C:
			doc, err := env.Store.GetDocument(ctx, id)
			if err != nil {
				return "", eris.Wrapf(err, "poll document %d", id)
			}
			if !doc.Status.InFlight() && doc.Status != model.StatusNew {
				return doc.Status, nil
			}
		}
	}
}

func init() {
	processCmd.Flags().DurationVar(&processWait, "wait", 2*time.Minute, "how long to wait for the document to settle")
	rootCmd.AddCommand(processCmd)
}
