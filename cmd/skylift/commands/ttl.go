package commands

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newTTLCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ttl",
		Short: "Manage deployment TTLs",
		Long: `TTLs schedule automatic teardown. A sweep destroys every deployment
whose TTL has expired; deployments that fail to destroy are retried on
the next sweep.`,
	}

	cmd.AddCommand(newTTLListCommand())
	cmd.AddCommand(newTTLSetCommand())
	cmd.AddCommand(newTTLCancelCommand())
	cmd.AddCommand(newTTLSweepCommand())

	return cmd
}

func newTTLListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled TTLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			entries, err := a.orch.TTL().List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list TTLs: %w", err)
			}
			if jsonOutput {
				return printJSON(entries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEPLOYMENT\tTTL\tEXPIRES\tSTATE")
			for _, entry := range entries {
				state := "scheduled"
				switch {
				case entry.Cancelled:
					state = "cancelled"
				case entry.Expired:
					state = "expired"
				case !entry.Exists:
					state = "missing"
				}
				fmt.Fprintf(w, "%s\t%dh\t%s\t%s\n",
					entry.DeploymentID, entry.TTLHours,
					entry.ExpiresAt.Format("2006-01-02 15:04"), state)
			}
			return w.Flush()
		},
	}
}

func newTTLSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <deployment-id> <hours>",
		Short: "Schedule or replace a deployment's TTL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			hours, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid hours %q: %w", args[1], err)
			}

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			schedule, err := a.orch.TTL().Schedule(ctx, args[0], hours)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(schedule)
			}
			fmt.Printf("Deployment %s expires at %s\n", schedule.DeploymentID, schedule.ExpiresAt.Format("2006-01-02 15:04"))
			return nil
		},
	}
}

func newTTLCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <deployment-id>",
		Short: "Cancel a deployment's TTL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.orch.TTL().Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("TTL cancelled for %s\n", args[0])
			return nil
		},
	}
}

func newTTLSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Destroy every deployment with an expired TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			result, err := a.orch.TTL().Sweep(ctx, a.orch)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(result)
			}
			fmt.Printf("Checked %d, expired %d, destroyed %d, failed %d\n",
				result.TotalChecked, len(result.ExpiredDeployments),
				result.DestroyedCount, result.FailedCount)
			return nil
		},
	}
}
