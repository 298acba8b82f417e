package main

import (
	"github.com/spf13/cobra"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "candled",
	Short:   "Birthday message delivery engine",
	Long:    "candled schedules and delivers per-recipient birthday messages at 9am in each recipient's own timezone.",
	Version: version,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the candled version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("candled " + version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(versionCmd)
}
