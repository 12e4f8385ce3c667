package main

import (
	"github.com/spf13/cobra"
)

func newMaintenanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintenance",
		Short: "Refresh the universe and reference data under the static-data lock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			updater, err := a.staticUpdater()
			if err != nil {
				return err
			}
			res, err := updater.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}
