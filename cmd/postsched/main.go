package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "postsched",
	Short: "Best-time scheduler for social posts",
	Long: `postsched resolves weekly posting windows ("Tue 12:00-14:00") in each
platform's audience timezone to the next UTC send time, queues posts and
hands them off when they come due.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")
	rootCmd.AddCommand(serveCmd, planCmd, windowsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
