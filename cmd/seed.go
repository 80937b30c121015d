package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qbilhub/docpipe/internal/db"
	"github.com/qbilhub/docpipe/internal/model"
	"github.com/qbilhub/docpipe/internal/store"
)

var seedFile string

// defaultTenants is the local development fixture.
var defaultTenants = []model.Tenant{
	{Code: "acme", Name: "Acme Trading BV", LogoURL: "https://cdn.qbilhub.example/logos/acme.png"},
	{Code: "globex", Name: "Globex Commodities", LogoURL: "https://cdn.qbilhub.example/logos/globex.png"},
	{Code: "initech", Name: "Initech Oils", LogoURL: ""},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed tenants into the document store",
	Long:  "Loads tenants from a JSON file, or a built-in development fixture when no file is given. Reseeding refreshes names and logos for existing tenant codes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		tenants := defaultTenants
		if seedFile != "" {
			data, err := os.ReadFile(seedFile)
			if err != nil {
				return eris.Wrapf(err, "read seed file %s", seedFile)
			}
			tenants = nil
			if err := json.Unmarshal(data, &tenants); err != nil {
				return eris.Wrapf(err, "parse seed file %s", seedFile)
			}
		}
		if len(tenants) == 0 {
			return eris.New("no tenants to seed")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		if ps, ok := st.(*store.PostgresStore); ok {
			return seedPostgres(cmd, ps, tenants)
		}

		// SQLite path: insert one by one, skipping codes that already exist.
		seeded := 0
		for _, tenant := range tenants {
			t := tenant
			if _, err := st.CreateTenant(ctx, &t); err != nil {
				zap.L().Warn("skipping tenant", zap.String("code", t.Code), zap.Error(err))
				continue
			}
			seeded++
		}

		zap.L().Info("tenants seeded", zap.Int("seeded", seeded), zap.Int("total", len(tenants)))
		return nil
	},
}

// seedPostgres bulk-upserts keyed on tenant code so reseeding refreshes
// names and logos without duplicating rows.
func seedPostgres(cmd *cobra.Command, ps *store.PostgresStore, tenants []model.Tenant) error {
	pool, ok := ps.Pool().(db.TxBeginner)
	if !ok {
		return eris.New("postgres pool does not support transactions")
	}

	rows := make([][]any, 0, len(tenants))
	for _, t := range tenants {
		rows = append(rows, []any{t.Code, t.Name, t.LogoURL})
	}

	n, err := db.BulkUpsert(cmd.Context(), pool, db.UpsertConfig{
		Table:        "tenants",
		Columns:      []string{"code", "name", "logo_url"},
		ConflictKeys: []string{"code"},
	}, rows)
	if err != nil {
		return eris.Wrap(err, "seed tenants")
	}

	zap.L().Info("tenants seeded", zap.Int64("rows", n))
	return nil
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "JSON file with tenants to seed")
	rootCmd.AddCommand(seedCmd)
}
