package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qbilhub/docpipe/internal/db"
	"github.com/qbilhub/docpipe/internal/model"
	"github.com/qbilhub/docpipe/internal/store"
)

var importEnqueue bool

// importDocument is one entry of the import file.
type importDocument struct {
	SourceTenantID int64          `json:"sourceTenantId"`
	TargetTenantID int64          `json:"targetTenantId"`
	DocumentType   string         `json:"documentType"`
	DocumentURL    string         `json:"documentUrl"`
	RawData        map[string]any `json:"rawData"`
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Bulk-import documents from a JSON file",
	Long:  "Imports documents in status new. The postgres store loads them with the COPY protocol; pass --enqueue to also start processing each imported document.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read import file %s", args[0])
		}
		var docs []importDocument
		if err := json.Unmarshal(data, &docs); err != nil {
			return eris.Wrapf(err, "parse import file %s", args[0])
		}
		if len(docs) == 0 {
			return eris.New("no documents to import")
		}
		for i, d := range docs {
			if d.SourceTenantID == 0 || d.TargetTenantID == 0 || d.DocumentType == "" || d.RawData == nil {
				return eris.Errorf("document %d: sourceTenantId, targetTenantId, documentType, and rawData are required", i)
			}
		}

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if ps, ok := env.Store.(*store.PostgresStore); ok && !importEnqueue {
			return importCopy(cmd, ps, docs)
		}

		// Row-by-row path: needed when enqueueing, since COPY does not
		// return the generated ids.
		for i, d := range docs {
			doc, err := env.Store.CreateDocument(ctx, &model.Document{
				SourceTenantID: d.SourceTenantID,
				TargetTenantID: d.TargetTenantID,
				Status:         model.StatusNew,
				DocumentType:   d.DocumentType,
				DocumentURL:    d.DocumentURL,
				RawData:        d.RawData,
			})
			if err != nil {
				return eris.Wrapf(err, "import document %d", i)
			}
			if importEnqueue {
				if err := env.Orchestrator.StartProcessing(ctx, doc.ID); err != nil {
					return eris.Wrapf(err, "queue document %d", doc.ID)
				}
			}
		}

		zap.L().Info("documents imported",
			zap.Int("count", len(docs)),
			zap.Bool("enqueued", importEnqueue),
		)
		return nil
	},
}

// importCopy loads documents with the COPY protocol.
func importCopy(cmd *cobra.Command, ps *store.PostgresStore, docs []importDocument) error {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(docs))
	for i, d := range docs {
		raw, err := json.Marshal(d.RawData)
		if err != nil {
			return eris.Wrapf(err, "marshal rawData of document %d", i)
		}
		rows = append(rows, []any{
			d.SourceTenantID, d.TargetTenantID, string(model.StatusNew),
			d.DocumentType, d.DocumentURL, raw, false, now,
		})
	}

	n, err := db.CopyFrom(cmd.Context(), ps.Pool(), "documents",
		[]string{"source_tenant_id", "target_tenant_id", "status", "document_type", "document_url", "raw_data", "is_read", "received_at"},
		rows,
	)
	if err != nil {
		return eris.Wrap(err, "import documents")
	}

	zap.L().Info("documents imported", zap.Int64("count", n))
	return nil
}

func init() {
	importCmd.Flags().BoolVar(&importEnqueue, "enqueue", false, "start processing each imported document")
	rootCmd.AddCommand(importCmd)
}
