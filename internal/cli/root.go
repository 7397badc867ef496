package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "commontrace",
	Short: "Trust and memory lifecycle engine for a shared trace corpus",
	Long: "Commontrace scores community-submitted problem/solution traces: weighted votes, " +
		"per-domain contributor reputation, rate limiting, an embedding worker and a periodic consolidation cycle.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(embedWorkerCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(reputationCmd)
}
