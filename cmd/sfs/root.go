package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/josssch/simple-file-server/internal/errutil"
)

var rootCmd = &cobra.Command{
	Use:   "sfs",
	Short: "A minimal content-delivery file server",
	Long: `sfs stores files, serves them over HTTP keyed by file name, and
optimizes repeated delivery through layered caching and on-demand
compression (gzip and brotli).`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if _, printErr := fmt.Fprintln(os.Stderr, err); printErr != nil {
			errutil.ReportError(printErr, "Failed to print error to stderr")
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("server", "", "Server base URL (default from SFS_SERVER)")
	rootCmd.PersistentFlags().String("token", "", "Bearer token for mutations (default from SFS_TOKEN)")
}

func initConfig() {
	viper.SetEnvPrefix("SFS")
	viper.AutomaticEnv()
}
