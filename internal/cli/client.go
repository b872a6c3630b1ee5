package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/strata/internal/cluster"
	"github.com/lazypower/strata/internal/config"
)

const cliTimeout = 10 * time.Second

// addEndpointFlag registers --endpoint on commands that talk to a running node.
func addEndpointFlag(cmd *cobra.Command) {
	cmd.Flags().String("endpoint", "", "node base URL (default: configured advertised endpoint)")
}

// nodeClient resolves the target endpoint and returns a client for it.
func nodeClient(cmd *cobra.Command) (*cluster.Client, string, error) {
	endpoint, _ := cmd.Flags().GetString("endpoint")
	if endpoint == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, "", err
		}
		endpoint = cfg.AdvertisedEndpoint()
	}
	return cluster.NewClient(cliTimeout), endpoint, nil
}
