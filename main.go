package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "sandboxd - disposable tool sandboxes behind a browser terminal",
	Long: `sandboxd creates short-lived, locked-down containers on request and proxies
an interactive shell in each one to a browser over WebSocket.

Configuration is read from SANDBOXD_* environment variables.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
