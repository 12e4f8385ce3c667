package main

import (
	"github.com/spf13/cobra"
)

func newFreshnessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "freshness",
		Short: "Report data age across the tracked universe",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			rep, alert, err := a.freshness.Check(cmd.Context())
			if err != nil {
				return err
			}
			a.metrics.SetFreshness(rep.P50, rep.P90, rep.P99, rep.Missing)
			return printJSON(map[string]interface{}{"report": rep, "alert": alert})
		},
	}
}
