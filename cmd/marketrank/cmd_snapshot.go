package main

import (
	"github.com/spf13/cobra"
)

func newSnapshotCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Write the close-of-day Parquet snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if date == "" {
				date = a.clock.DateKey(a.clock.Now())
			}
			res, err := a.snapshot.Write(cmd.Context(), date)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Trading date YYYY-MM-DD (default: today in exchange time)")
	return cmd
}
