package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			rows, err := a.store.ListDeployments(ctx, limit, offset)
			if err != nil {
				return fmt.Errorf("failed to list deployments: %w", err)
			}
			if jsonOutput {
				return printJSON(rows)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tREGION\tCREATED\tURL")
			for _, row := range rows {
				url := ""
				if row.PublicURL != nil {
					url = *row.PublicURL
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					row.ID, row.Status, row.Region,
					row.CreatedAt.Format("2006-01-02 15:04"), url)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum deployments to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "listing offset")

	return cmd
}
