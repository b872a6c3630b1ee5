package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Fetch a node from a running node, deriving it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, endpoint, err := nodeClient(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
		defer cancel()

		n, ok, err := client.FetchNode(ctx, endpoint, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("node %s not found", args[0])
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(n)
	},
}

func init() {
	addEndpointFlag(getCmd)
}
