package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/sawpanic/marketrank/internal/ingest"
)

func newIngestCmd() *cobra.Command {
	var symbols string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion pass",
		Long: `Fetches quotes for --symbols, or for the whole tracked universe when
omitted, and writes them under the current date and storage session.

Examples:
  marketrank ingest
  marketrank ingest --symbols AAPL,MSFT,NVDA`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			var res ingest.Result
			if symbols == "" {
				res, err = a.worker.RunUniverse(cmd.Context())
			} else {
				res, err = a.worker.IngestBatch(cmd.Context(), strings.Split(symbols, ","), cfg.Quotes.Credentials)
			}
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&symbols, "symbols", "", "Comma-separated symbols (default: tracked universe)")
	return cmd
}
