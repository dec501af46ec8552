package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skylift/skylift/pkg/events"
)

func newEventsCommand() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "events <deployment-id>",
		Short: "Print a deployment's event log",
		Long: `Events prints the raw lifecycle events for a deployment, one JSON
object per line. With --follow the command replays the history and then
streams new events as they are appended.`,
		Example: `  # Dump the event history
  skylift events d-20260829-134501-k3xq

  # Watch a running deployment
  skylift events d-20260829-134501-k3xq --follow`,
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

			enc := json.NewEncoder(os.Stdout)
			if !follow {
				records, err := a.events.Read(id)
				if err != nil {
					return fmt.Errorf("failed to read events: %w", err)
				}
				for _, rec := range records {
					if err := enc.Encode(rec); err != nil {
						return err
					}
				}
				return nil
			}

			ch, err := a.events.Tail(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to tail events: %w", err)
			}
			for rec := range ch {
				if err := enc.Encode(rec); err != nil {
					return err
				}
				if rec.Type == events.TypeDone || rec.Type == events.TypeDestroyDone {
					return nil
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new events until the deployment settles")

	return cmd
}
