package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/marketrank/internal/health"
)

func newHealthCmd() *cobra.Command {
	var asJSON bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check system health",
		Long: `Checks store connectivity, scheduled operation recency, freshness,
DLQ depth and the static-data lock. Exits non-zero when unhealthy.

Examples:
  marketrank health
  marketrank health --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := contextWithTimeout(cmd, timeout)
			defer cancel()
			rep := a.reporter.Check(ctx)

			if asJSON {
				if err := printJSON(rep); err != nil {
					return err
				}
			} else {
				printHealth(rep)
			}
			if rep.Status == health.StatusUnhealthy {
				return fmt.Errorf("system unhealthy")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output health status as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Health check timeout")
	return cmd
}

func printHealth(rep health.Report) {
	fmt.Printf("Status: %s (%s)\n", rep.Status, rep.Timestamp.Format(time.RFC3339))
	fmt.Printf("Store:  %s %s\n", rep.Store.Status, rep.Store.Message)
	for _, op := range rep.Operations {
		last := "never"
		if op.LastSuccess != nil {
			last = fmt.Sprintf("%.1fh ago", op.HoursSinceSuccess)
		}
		fmt.Printf("  %-22s healthy=%-5t last success %s\n", op.Operation, op.Healthy, last)
	}
	if rep.Freshness != nil {
		fmt.Printf("Freshness: p50=%s p99=%s missing=%d\n", rep.Freshness.Report.P50, rep.Freshness.Report.P99, rep.Freshness.Report.Missing)
	}
	fmt.Printf("DLQ depth: %d\n", rep.DLQDepth)
	if rep.Lock != nil && rep.Lock.Held {
		fmt.Printf("Lock: held by %s for %s (suspicious=%t)\n", rep.Lock.Owner, rep.Lock.HeldFor, rep.Lock.Suspicious)
	}
	reasons := append([]string(nil), rep.Reasons...)
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Printf("  - %s\n", r)
	}
}
