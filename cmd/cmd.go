package cmd

import (
	"os"

	"github.com/Moe-Sakura/anime-search-api/cmd/rules"
	"github.com/Moe-Sakura/anime-search-api/cmd/search"
	"github.com/Moe-Sakura/anime-search-api/cmd/server"
	"github.com/Moe-Sakura/anime-search-api/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version.",
	Long:  "print version.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		version.Printer(cmd.OutOrStdout())
	},
}

func Execute() {
	var rootCmd = &cobra.Command{
		Use:           "anime-search",
		Short:         "rule driven anime listing aggregator.",
		SilenceUsage:  true,
	}
	rootCmd.AddCommand(server.ServerCmd, search.SearchCmd, rules.RulesCmd, rules.UpdateCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
