package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/bundler"
)

var (
	runBundlerCmd = &cobra.Command{
		Use:   "bundler",
		Short: "Run bundler",
		Long: `Initialize and run the bundler until SIGINT or SIGTERM.

The config file is read from --config (default ./config/bundler.yaml).`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := bundler.RunWithConfig(config); err != nil {
				fmt.Fprintf(os.Stderr, "bundler exited: %v\n", err)
				os.Exit(1)
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runBundlerCmd)
}
