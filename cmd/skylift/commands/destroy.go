package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDestroyCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "destroy <deployment-id>",
		Short: "Tear down a deployment",
		Long: `Destroy runs terraform destroy for the deployment, then sweeps for
tagged resources terraform missed: log groups, parameters, instances,
security groups, and buckets. The sweep runs even when destroy fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			id := args[0]
			if err := a.orch.DestroyWithForce(ctx, id, force); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]string{"id": id, "status": "destroyed"})
			}
			fmt.Printf("Deployment %s destroyed\n", id)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "mark destroyed even if terraform destroy fails")

	return cmd
}
