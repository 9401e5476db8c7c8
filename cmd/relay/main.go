package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cometa-rocks/wsrelay/internal/cli"
	"github.com/cometa-rocks/wsrelay/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "relay",
		Short:   "WebSocket relay for test run lifecycle events",
		Version: version.String(),
		Long: `relay pushes feature run lifecycle events reported by test executors
to the browser dashboards connected over WebSocket, and replays the latest
run of a feature to clients that join late.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(cli.ServeCmd())

	// Client tools
	rootCmd.AddCommand(cli.WatchCmd())
	rootCmd.AddCommand(cli.SendActionCmd())
	rootCmd.AddCommand(cli.TokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
