package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skylift/skylift/pkg/deployment"
	"github.com/skylift/skylift/pkg/pipeline"
)

func newDeployCommand() *cobra.Command {
	var (
		instructions string
		region       string
		ttlHours     int
		tags         []string
	)

	cmd := &cobra.Command{
		Use:   "deploy <repo-url>",
		Short: "Deploy an application from a git repository",
		Long: `Deploy clones the repository on a fresh instance, analyzes what it
needs, provisions infrastructure with terraform, and verifies the
application answers over HTTP. The command blocks until the deployment
is healthy or fails; progress lands in the event log either way.`,
		Example: `  # Deploy a web application
  skylift deploy https://github.com/acme/app.git

  # Deploy with preferences and a 4 hour TTL
  skylift deploy https://github.com/acme/app.git \
    --instructions "small instance in us-east-1" --ttl 4

  # Tag the provisioned resources
  skylift deploy https://github.com/acme/app.git --tag team=payments`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			userTags, err := deployment.ParseUserTags(tags)
			if err != nil {
				return err
			}

			result, err := a.orch.Deploy(ctx, pipeline.DeployRequest{
				Repo:         args[0],
				Instructions: instructions,
				Region:       region,
				Tags:         userTags,
				TTLHours:     ttlHours,
			})
			if err != nil {
				if stageErr, ok := pipeline.AsStageError(err); ok {
					if stageErr.DeploymentID != "" {
						fmt.Printf("Deployment %s failed at %s: %s\n", stageErr.DeploymentID, stageErr.Stage, stageErr.Reason)
					} else {
						fmt.Printf("Deployment failed at %s: %s\n", stageErr.Stage, stageErr.Reason)
					}
					if stageErr.Hint != "" {
						fmt.Printf("Hint: %s\n", stageErr.Hint)
					}
					if destroyCmd := stageErr.DestroyCommand(); destroyCmd != "" {
						fmt.Printf("To clean up provisioned resources: %s\n", destroyCmd)
					}
				}
				return err
			}

			if jsonOutput {
				return printJSON(result)
			}
			fmt.Printf("Deployment %s is healthy\n", result.ID)
			fmt.Printf("URL: %s\n", result.PublicURL)
			return nil
		},
	}

	cmd.Flags().StringVarP(&instructions, "instructions", "i", "", "free-form deployment preferences")
	cmd.Flags().StringVar(&region, "region", "", "cloud region (defaults to the configured region)")
	cmd.Flags().IntVar(&ttlHours, "ttl", 0, "destroy the deployment after this many hours")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "extra resource tag as key=value (repeatable)")

	return cmd
}
