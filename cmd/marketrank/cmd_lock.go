package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/marketrank/internal/lock"
)

func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect the static-data lock",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current holder of the static-data lock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			h, err := a.lock.Inspect(cmd.Context())
			if err != nil {
				return err
			}
			if h == nil {
				fmt.Printf("%s: free\n", a.lock.Key())
				return nil
			}
			now := time.Now()
			fmt.Printf("%s: held by %s\n", a.lock.Key(), h.OwnerID)
			if h.Legacy() {
				fmt.Println("  acquired: unknown (legacy value)")
			} else {
				fmt.Printf("  acquired: %s (%s ago)\n", h.CreatedAt.Format(time.RFC3339), h.HeldFor(now).Round(time.Second))
			}
			fmt.Printf("  expires in: %s\n", h.TTL.Round(time.Second))
			if lock.Suspicious(h, now, cfg.Lock.MaxHold) {
				fmt.Printf("  WARNING: held longer than %s\n", cfg.Lock.MaxHold)
			}
			return nil
		},
	})
	return cmd
}
