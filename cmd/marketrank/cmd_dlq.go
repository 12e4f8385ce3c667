package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered jobs",
	}

	var typeFilter string
	var limit int
	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			jobs, err := a.queue.List(cmd.Context(), typeFilter, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(jobs)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tREASON\tPRIORITY\tATTEMPTS\tAGE\tRETRY\tLAST ERROR")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%t\t%s\n",
					j.ID, j.Reason, j.Priority, j.AttemptCount,
					time.Since(j.CreatedAt).Round(time.Second), a.queue.ShouldRetry(j), j.LastError)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&typeFilter, "type", "", "Only jobs of this type")
	list.Flags().IntVar(&limit, "limit", 100, "Maximum jobs to list (0 for all)")
	list.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	requeue := &cobra.Command{
		Use:   "requeue [id]",
		Short: "Replay one job by id, or every eligible job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) == 1 {
				if err := a.queue.RequeueOne(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Printf("requeued %s\n", args[0])
				return nil
			}
			res, err := a.queue.RequeueAll(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	var yes bool
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete every dead-lettered job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to purge without --yes")
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.queue.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("purged %d jobs\n", n)
			return nil
		},
	}
	purge.Flags().BoolVar(&yes, "yes", false, "Confirm the purge")

	cmd.AddCommand(list, requeue, purge)
	return cmd
}
