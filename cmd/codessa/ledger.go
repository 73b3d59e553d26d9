package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/codessa/internal/config"
	"github.com/MikeSquared-Agency/codessa/internal/store"
)

func newLedgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "ledger",
		Short:        "List ingestion ledger records",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			setupLogging(cfg.LogLevel)
			ctx := cmd.Context()

			var db *store.Store
			if cfg.LedgerBackend == "postgres" {
				var err error
				if db, err = openStore(ctx, cfg); err != nil {
					return err
				}
				defer db.Close()
			}
			led, err := openLedger(ctx, cfg, db, nil)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tOUTCOME\tPROCESSED\tPATH\tDETAIL")
			for _, r := range led.Records() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ContentHash[:min(12, len(r.ContentHash))],
					r.Outcome,
					r.ProcessedAt.Format(time.RFC3339),
					r.OriginPath,
					r.ErrorDetail,
				)
			}
			return w.Flush()
		},
	}
}
