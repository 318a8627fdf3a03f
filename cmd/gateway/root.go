package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd runs the server when called without a subcommand
var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "AI completion gateway with quotas, rate limiting and circuit breaking",
	Long: `gateway fronts the OpenAI and Anthropic APIs for the editor.

It authenticates each request, rate limits per user, enforces token quotas,
isolates failing providers behind circuit breakers and streams completions
over Server-Sent Events or a WebSocket channel.

Configuration comes from the environment or a .env file.

  gateway serve     # Start the HTTP server (default)
  gateway migrate   # Apply database migrations`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
