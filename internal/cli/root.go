package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Tiered object registry with write-behind persistence and replication",
	Long: "Strata keeps a graph of nodes and edges in memory across durable, cached and ephemeral tiers, " +
		"persists them behind the caller, and replicates them to peer nodes.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(loadCmd)
}
