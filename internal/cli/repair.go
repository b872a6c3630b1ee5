package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Run a replication repair pass on a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, endpoint, err := nodeClient(cmd)
		if err != nil {
			return err
		}
		// Repair walks every object; give it longer than a status call.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		rep, err := client.TriggerRepair(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("repair via %s: %w", endpoint, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(),
			"repair: %d replicated, %d still partial (%d retried from queue)\nconflicts: %d found, %d resolved across %d sampled peers\n",
			rep.Replicated, rep.Partial, rep.Retried, rep.Conflicts, rep.Resolved, rep.Sampled)
		return nil
	},
}

func init() {
	addEndpointFlag(repairCmd)
}
