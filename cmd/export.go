package main

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qbilhub/docpipe/internal/model"
	"github.com/qbilhub/docpipe/pkg/tradeapi"
)

var exportDryRun bool

var exportCmd = &cobra.Command{
	Use:   "export <document-id>",
	Short: "Export a reviewed document as a sales order at the counterpart",
	Long:  "Takes the mapped contract of a reviewed document, flips it into the counterpart's sales order, and creates the order through the trade API. The document is marked delegated on success.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "invalid document id %q", args[0])
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		doc, err := st.GetDocument(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "load document %d", id)
		}
		next, err := model.Transition(doc.Status, model.StatusDelegated)
		if err != nil {
			return eris.Wrapf(err, "document %d is %s, only reviewed documents can be exported", id, doc.Status)
		}
		if doc.MappedData == nil {
			return eris.Errorf("document %d has no mapped contract", id)
		}

		order := tradeapi.FlipContractDirection(doc.MappedData)

		if exportDryRun {
			zap.L().Info("dry run, order not created",
				zap.Int64("document_id", id),
				zap.Any("order", order),
			)
			return nil
		}

		if cfg.TradeAPI.Token == "" {
			return eris.New("trade API token not configured")
		}
		client := tradeapi.NewClient(cfg.TradeAPI.Token, tradeapi.WithBaseURL(cfg.TradeAPI.BaseURL))

		created, err := client.CreateOrder(ctx, order)
		if err != nil {
			return eris.Wrapf(err, "create order for document %d", id)
		}

		if err := st.UpdateStatus(ctx, id, next); err != nil {
			return eris.Wrapf(err, "mark document %d delegated", id)
		}
		if err := st.AppendAudit(ctx, "document_exported", id, "order created at counterpart"); err != nil {
			zap.L().Error("failed to append export audit entry",
				zap.Int64("document_id", id),
				zap.Error(err),
			)
		}

		zap.L().Info("document exported",
			zap.Int64("document_id", id),
			zap.Any("order_id", created["id"]),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().BoolVar(&exportDryRun, "dry-run", false, "print the flipped order without creating it")
	rootCmd.AddCommand(exportCmd)
}
