package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "audiosync",
		Short:         "Keep transcoded audio output directories in sync with a source directory",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "path to a YAML/JSON config file (overrides CONFIG_FILE)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newHistoryCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
