package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skylift/skylift/pkg/events"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <deployment-id>",
		Short: "Show the derived status of a deployment",
		Long: `Status folds the deployment's event log into its current state. The
answer is computed from the log alone, so it works for deployments in
any state, including ones that died mid-flight.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			id := args[0]
			if !a.workspace.Exists(id) {
				return fmt.Errorf("deployment %s not found", id)
			}

			records, err := a.events.Read(id)
			if err != nil {
				return fmt.Errorf("failed to read events: %w", err)
			}
			outputs, err := a.workspace.ReadOutputs(id)
			if err != nil {
				return fmt.Errorf("failed to read outputs: %w", err)
			}

			info := events.DeriveStatus(records, outputs)
			if jsonOutput {
				return printJSON(info)
			}

			fmt.Printf("Status:  %s\n", info.Status)
			fmt.Printf("Message: %s\n", info.Message)
			if info.PublicURL != "" {
				fmt.Printf("URL:     %s\n", info.PublicURL)
			}
			if info.FailureReason != "" {
				fmt.Printf("Reason:  %s\n", info.FailureReason)
			}
			if info.FailureHint != "" {
				fmt.Printf("Hint:    %s\n", info.FailureHint)
			}
			for name, link := range info.LogLinks {
				fmt.Printf("Logs:    %s: %s\n", name, link)
			}
			return nil
		},
	}
	return cmd
}
