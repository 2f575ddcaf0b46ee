package main

import (
	"github.com/spf13/cobra"
)

// rootFlags holds the two paths every subcommand needs, following the
// teacher's cmd/consensus persistent-root-command layout.
var rootFlags struct {
	configPath  string
	secretsPath string
}

var rootCmd = &cobra.Command{
	Use:   "enclave",
	Short: "Enclave ciphernode runtime",
	Long: `enclave runs one node of the Enclave threshold-FHE ciphernode
network: it watches chain events, participates in sortition and
committee key-share generation, and gossips its view to peers over
the network transport.`,
}

func newRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringVar(&rootFlags.configPath, "config", "./config.yaml", "path to the node's YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&rootFlags.secretsPath, "secrets", "./secrets.json", "path to the node's JSON secrets file")

	rootCmd.AddCommand(
		startCmd(),
		aggregatorCmd(),
		passwordCmd(),
		walletCmd(),
		netCmd(),
		nodesCmd(),
	)
	return rootCmd
}
