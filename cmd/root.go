package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/version"
)

const defaultConfigPath = "./config/bundler.yaml"

var (
	config  = defaultConfigPath
	rootCmd = &cobra.Command{
		Use:     "ap-bundler",
		Short:   "Ava Protocol ERC-4337 bundler",
		Version: fmt.Sprintf("%s (%s)", version.Get(), version.Commit()),
		Long: `Run and operate an ERC-4337 v0.6 bundler.

"ap-bundler bundler -c config/bundler.yaml" runs the node. The debug, status and backup
commands inspect a running node or its database.`,
		SilenceUsage: true,
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&config, "config", "c", defaultConfigPath, "path to bundler config file")
}
