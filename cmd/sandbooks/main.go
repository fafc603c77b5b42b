// Sandbooks: terminal sessions backed by isolated sandboxes.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandbooks",
	Short: "Sandbooks: terminal sessions backed by isolated sandboxes.",
	Long: `Sandbooks runs terminal sessions for notebooks and agents. Each session
owns one isolated sandbox; the working directory and exported variables
carry over between commands, and every result is fanned out to the
session's subscribers over SSE or WebSocket.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, mcpCmd, execCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
